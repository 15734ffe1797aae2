// Package throttle provides cooldown-based send throttling keyed by
// destination. A key's last-sent timestamp is recorded only after a
// successful delivery; the evaluation itself is a pure function so callers
// can reason about it without a store.
package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Environment variables selecting the last-sent store backend.
const (
	// EnvStorePath overrides the JSON file store location.
	EnvStorePath = "OCP_RATE_LIMIT_STORE_PATH"
	// EnvRedisAddr switches the store to Redis when set.
	EnvRedisAddr = "OCP_RATE_LIMIT_REDIS_ADDR"
)

// DefaultStoreFile is the file store location under the artifact root when
// neither env override is set.
const DefaultStoreFile = "state/rate_limit_store.json"

// Decision is the outcome of a cooldown check.
type Decision struct {
	Allowed     bool  `json:"allowed"`
	RemainingMs int64 `json:"remaining_ms"`
}

// Evaluate applies the cooldown rule: allowed when no prior send is recorded
// or the elapsed time has reached cooldownMs. RemainingMs is zero when
// allowed, otherwise the time left in the window.
func Evaluate(nowMs, cooldownMs, lastMs int64, hasLast bool) Decision {
	if !hasLast {
		return Decision{Allowed: true}
	}
	elapsed := nowMs - lastMs
	if elapsed >= cooldownMs {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RemainingMs: cooldownMs - elapsed}
}

// Key derives the store key for a target URL: host plus path, query and
// fragment dropped. A non-empty driverID is appended so distinct drivers do
// not share a window.
func Key(targetURL, driverID string) string {
	base := targetURL
	if u, err := url.Parse(targetURL); err == nil && u.Host != "" {
		base = u.Host + u.Path
	} else if i := strings.IndexByte(targetURL, '?'); i >= 0 {
		base = targetURL[:i]
	}
	if driverID != "" {
		base += "|" + driverID
	}
	return base
}

// LastSentStore abstracts persistence of per-key last-sent timestamps.
type LastSentStore interface {
	// GetLastSent returns the recorded timestamp for key, with ok=false when
	// no send has been recorded.
	GetLastSent(ctx context.Context, key string) (ms int64, ok bool, err error)
	// SetLastSent records a successful send at ms.
	SetLastSent(ctx context.Context, key string, ms int64) error
}

// MemoryStore is an in-process store for testing/single-run deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	last map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]int64)}
}

func (s *MemoryStore) GetLastSent(ctx context.Context, key string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.last[key]
	return ms, ok, nil
}

func (s *MemoryStore) SetLastSent(ctx context.Context, key string, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[key] = ms
	return nil
}

// FileStore persists the key map as a single JSON document. Every write goes
// to a sibling temp file and is renamed over the target, so a crash never
// leaves a half-written store.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) GetLastSent(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return 0, false, err
	}
	ms, ok := m[key]
	return ms, ok, nil
}

func (s *FileStore) SetLastSent(ctx context.Context, key string, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	m[key] = ms
	return s.save(m)
}

func (s *FileStore) load() (map[string]int64, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]int64), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rate-limit store: %w", err)
	}
	m := make(map[string]int64)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse rate-limit store %s: %w", s.path, err)
	}
	return m, nil
}

func (s *FileStore) save(m map[string]int64) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rate-limit store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write rate-limit store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace rate-limit store: %w", err)
	}
	return nil
}
