package throttle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RPSGate is a soft requests-per-second gate layered in front of the
// cooldown window. One token bucket per key.
type RPSGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRPSGate builds a gate allowing rps requests per second per key. A
// non-positive rps disables the gate.
func NewRPSGate(rps float64) *RPSGate {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RPSGate{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether one more request may pass for key right now.
func (g *RPSGate) Allow(key string) bool {
	if g.rps <= 0 {
		return true
	}
	return g.limiter(key).Allow()
}

// Wait blocks until one more request may pass for key, or until ctx is done.
func (g *RPSGate) Wait(ctx context.Context, key string) error {
	if g.rps <= 0 {
		return nil
	}
	return g.limiter(key).Wait(ctx)
}

func (g *RPSGate) limiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[key]
	if !ok {
		lim = rate.NewLimiter(g.rps, g.burst)
		g.limiters[key] = lim
	}
	return lim
}
