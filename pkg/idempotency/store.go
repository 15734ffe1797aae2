// Package idempotency suppresses duplicate outbound sends. Each key maps to
// the payload hash and evidence path of its first successful delivery; a
// repeat with the same hash is suppressed, a repeat with a different hash is
// a conflict.
package idempotency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// EnvStorePath overrides the store file location.
const EnvStorePath = "OCP_IDEMPOTENCY_STORE_PATH"

// DefaultStoreFile is the store location under the artifact root when
// EnvStorePath is unset.
const DefaultStoreFile = "state/idempotency_store.json"

// Status of an idempotency check.
type Status int

const (
	// Proceed means no record exists for the key; the send may go out.
	Proceed Status = iota
	// Suppressed means the key was already delivered with this exact payload.
	Suppressed
	// Conflict means the key was delivered with a different payload.
	Conflict
)

func (s Status) String() string {
	switch s {
	case Proceed:
		return "proceed"
	case Suppressed:
		return "suppressed"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Record is the stored state for one key.
type Record struct {
	PayloadSHA256     string `json:"payload_sha256"`
	FirstEvidencePath string `json:"first_evidence_path"`
	CreatedAtMs       int64  `json:"created_at_ms"`
}

// Decision is the result of Check.
type Decision struct {
	Status Status
	// OriginalEvidencePath points at the first delivery's evidence.json when
	// Status is Suppressed.
	OriginalEvidencePath string
}

// Store holds records in memory and persists them as one JSON document.
// The full map loads at construction; every Record call saves atomically
// (temp file, then rename), so a crash never leaves a half-written store.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]Record
}

// Open loads the store at path. A missing file starts empty; a corrupt file
// is an error so a deployment never silently forgets delivered keys.
func Open(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency store: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse idempotency store %s: %w", path, err)
	}
	return s, nil
}

// Check compares the payload hash against the stored record for key. An
// empty key always proceeds; requiring a key is the caller's policy.
func (s *Store) Check(key, payloadSHA256 string) Decision {
	if key == "" {
		return Decision{Status: Proceed}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return Decision{Status: Proceed}
	}
	if rec.PayloadSHA256 == payloadSHA256 {
		return Decision{Status: Suppressed, OriginalEvidencePath: rec.FirstEvidencePath}
	}
	return Decision{Status: Conflict}
}

// Record stores the first delivery for key and saves the store. Recording an
// empty key is a no-op. An existing record is never overwritten; the first
// evidence path wins.
func (s *Store) Record(key, payloadSHA256, evidencePath string, nowMs int64) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; exists {
		return nil
	}
	s.records[key] = Record{
		PayloadSHA256:     payloadSHA256,
		FirstEvidencePath: evidencePath,
		CreatedAtMs:       nowMs,
	}
	return s.save()
}

// Len reports the number of recorded keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode idempotency store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write idempotency store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace idempotency store: %w", err)
	}
	return nil
}
