package delivery

import (
	"context"
	"sync"
	"time"
)

// ReceiptRow is one terminal delivery outcome in the receipt index. The
// index is an operational convenience for doctor and dashboards; the
// authoritative record is always the run's evidence directory.
type ReceiptRow struct {
	RequestID  string    `json:"request_id"`
	RunID      string    `json:"run_id"`
	ProfileID  string    `json:"profile_id"`
	TargetHost string    `json:"target_host"`
	Outcome    string    `json:"outcome"`
	StatusCode int       `json:"status_code,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReceiptIndex stores terminal outcomes. Implementations must tolerate
// concurrent writers; insert failures are logged by the orchestrator and
// never change a delivery's outcome.
type ReceiptIndex interface {
	Insert(ctx context.Context, row ReceiptRow) error
	Recent(ctx context.Context, limit int) ([]ReceiptRow, error)
	Close() error
}

// MemoryReceiptIndex keeps rows in process memory. Useful for tests and for
// deployments that only need doctor's recent-outcome view.
type MemoryReceiptIndex struct {
	mu   sync.Mutex
	rows []ReceiptRow
}

// NewMemoryReceiptIndex constructs an empty in-memory index.
func NewMemoryReceiptIndex() *MemoryReceiptIndex {
	return &MemoryReceiptIndex{}
}

func (m *MemoryReceiptIndex) Insert(ctx context.Context, row ReceiptRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

// Recent returns up to limit rows, newest first.
func (m *MemoryReceiptIndex) Recent(ctx context.Context, limit int) ([]ReceiptRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.rows) {
		limit = len(m.rows)
	}
	out := make([]ReceiptRow, 0, limit)
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.rows[i])
	}
	return out, nil
}

func (m *MemoryReceiptIndex) Close() error { return nil }
