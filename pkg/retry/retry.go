// Package retry is a deterministic, jitter-free retry controller for
// outbound deliveries. The backoff schedule is a pure function of the policy
// and the attempt index, so two runs with identical inputs plan identical
// waits.
package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/mova-labs/ocp/pkg/contracts"
)

// Policy shapes the retry loop. MaxAttempts counts the first try.
type Policy struct {
	Enabled       bool
	MaxAttempts   int
	RetryOnStatus []int
	BaseBackoffMs int64
	MaxBackoffMs  int64
}

// Backoff returns the planned wait after attempt (1-based):
// min(max, base * 2^(attempt-1)), or 0 when base is unset.
func (p Policy) Backoff(attempt int) int64 {
	if p.BaseBackoffMs <= 0 || attempt < 1 {
		return 0
	}
	factor := int64(1)
	if attempt > 1 {
		shift := attempt - 1
		if shift > 30 {
			// Avoid overflow, cap exponent
			shift = 30
		}
		factor = 1 << shift
	}
	delay := p.BaseBackoffMs * factor
	if p.MaxBackoffMs > 0 && delay > p.MaxBackoffMs {
		delay = p.MaxBackoffMs
	}
	return delay
}

func (p Policy) retryable(status int) bool {
	for _, s := range p.RetryOnStatus {
		if s == status {
			return true
		}
	}
	return false
}

// Result is what one attempt produced. Status carries the HTTP status; the
// driver never errors for non-2xx, so err != nil means the operation itself
// failed before a status existed.
type Result struct {
	Status       int
	DurationMs   int64
	ResponseBody string
	BodySHA256   string
}

// Op is one delivery attempt.
type Op func(ctx context.Context) (Result, error)

// Outcome is the terminal state of the retry loop plus the full attempt
// trace.
type Outcome struct {
	Result    *Result
	Attempts  []contracts.DeliveryAttempt
	Code      contracts.OutcomeCode
	LastError error
}

// AttemptsTotal is the number of tries actually made.
func (o Outcome) AttemptsTotal() int { return len(o.Attempts) }

// Engine runs operations under a Policy. The sleeper is injectable so tests
// never wait.
type Engine struct {
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleeper replaces the context-aware sleep between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// New constructs an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{sleep: sleepCtx}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes op under p. Per-attempt decision:
//  1. 2xx: DELIVERED, stop.
//  2. Status in retry_on_status with attempts remaining: plan backoff, sleep,
//     retry; on exhaustion RETRY_EXHAUSTED.
//  3. Any other status: NON_RETRYABLE_HTTP_STATUS, stop.
//  4. Network-classified error with attempts remaining: retry; otherwise
//     NETWORK_ERROR.
func (e *Engine) Run(ctx context.Context, op Op, p Policy) Outcome {
	maxAttempts := p.MaxAttempts
	if !p.Enabled || maxAttempts < 1 {
		maxAttempts = 1
	}

	out := Outcome{}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := op(ctx)

		if err != nil {
			code, network := classifyNetwork(err)
			out.LastError = err
			if network && attempt < maxAttempts {
				planned := p.Backoff(attempt)
				out.Attempts = append(out.Attempts, contracts.DeliveryAttempt{
					Attempt:          attempt,
					Status:           contracts.AttemptRetryableFail,
					ErrorCode:        code,
					PlannedBackoffMs: planned,
				})
				if serr := e.sleep(ctx, time.Duration(planned)*time.Millisecond); serr != nil {
					out.LastError = serr
					out.Code = contracts.OutcomeNetworkError
					return out
				}
				continue
			}
			status := contracts.AttemptNonRetryableFail
			if network {
				status = contracts.AttemptRetryableFail
			}
			out.Attempts = append(out.Attempts, contracts.DeliveryAttempt{
				Attempt:          attempt,
				Status:           status,
				ErrorCode:        code,
				PlannedBackoffMs: 0,
			})
			out.Code = contracts.OutcomeNetworkError
			return out
		}

		if res.Status >= 200 && res.Status < 300 {
			out.Attempts = append(out.Attempts, contracts.DeliveryAttempt{
				Attempt:          attempt,
				Status:           contracts.AttemptDelivered,
				HTTPStatus:       res.Status,
				PlannedBackoffMs: 0,
			})
			out.Result = &res
			out.Code = contracts.OutcomeDelivered
			return out
		}

		if p.retryable(res.Status) && attempt < maxAttempts {
			planned := p.Backoff(attempt)
			out.Attempts = append(out.Attempts, contracts.DeliveryAttempt{
				Attempt:          attempt,
				Status:           contracts.AttemptRetryableFail,
				HTTPStatus:       res.Status,
				PlannedBackoffMs: planned,
			})
			if serr := e.sleep(ctx, time.Duration(planned)*time.Millisecond); serr != nil {
				out.LastError = serr
				out.Code = contracts.OutcomeNetworkError
				return out
			}
			continue
		}

		if p.retryable(res.Status) {
			out.Attempts = append(out.Attempts, contracts.DeliveryAttempt{
				Attempt:          attempt,
				Status:           contracts.AttemptRetryableFail,
				HTTPStatus:       res.Status,
				PlannedBackoffMs: 0,
			})
			out.Result = &res
			out.Code = contracts.OutcomeRetryExhausted
			return out
		}

		out.Attempts = append(out.Attempts, contracts.DeliveryAttempt{
			Attempt:          attempt,
			Status:           contracts.AttemptNonRetryableFail,
			HTTPStatus:       res.Status,
			PlannedBackoffMs: 0,
		})
		out.Result = &res
		out.Code = contracts.OutcomeNonRetryableStatus
		return out
	}

	// Unreachable: every branch above returns.
	out.Code = contracts.OutcomeNetworkError
	return out
}

// classifyNetwork maps transport-level failures to stable error codes.
func classifyNetwork(err error) (code string, network bool) {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "network_timeout", true
	case errors.As(err, &dnsErr):
		return "dns_error", true
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused", true
	case errors.Is(err, syscall.ECONNRESET):
		return "connection_reset", true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return "network_timeout", true
		}
		return "network_error", true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return "network_error", true
	}
	return "execution_error", false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
