package delivery

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresReceiptIndex persists the receipt index in PostgreSQL for
// deployments where several workers share one index.
type PostgresReceiptIndex struct {
	db *sql.DB
}

// OpenPostgresReceiptIndex connects with dsn and ensures the schema.
func OpenPostgresReceiptIndex(dsn string) (*PostgresReceiptIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open receipt index: %w", err)
	}
	s := NewPostgresReceiptIndex(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresReceiptIndex wraps an existing handle without touching the
// schema; call EnsureSchema when the table may not exist yet.
func NewPostgresReceiptIndex(db *sql.DB) *PostgresReceiptIndex {
	return &PostgresReceiptIndex{db: db}
}

// EnsureSchema creates the delivery_receipts table if missing.
func (s *PostgresReceiptIndex) EnsureSchema(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS delivery_receipts (
        run_id TEXT PRIMARY KEY,
        request_id TEXT NOT NULL,
        profile_id TEXT,
        target_host TEXT,
        outcome TEXT NOT NULL,
        status_code INTEGER,
        duration_ms BIGINT,
        created_at TIMESTAMPTZ
    );`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure receipt schema: %w", err)
	}
	return nil
}

func (s *PostgresReceiptIndex) Insert(ctx context.Context, row ReceiptRow) error {
	query := `INSERT INTO delivery_receipts (
        run_id, request_id, profile_id, target_host, outcome, status_code, duration_ms, created_at
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		row.RunID, row.RequestID, row.ProfileID, row.TargetHost, row.Outcome,
		row.StatusCode, row.DurationMs, row.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresReceiptIndex) Recent(ctx context.Context, limit int) ([]ReceiptRow, error) {
	query := `
        SELECT run_id, request_id, profile_id, target_host, outcome, status_code, duration_ms, created_at
        FROM delivery_receipts
        ORDER BY created_at DESC
        LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ReceiptRow
	for rows.Next() {
		var (
			r          ReceiptRow
			profileID  sql.NullString
			targetHost sql.NullString
			statusCode sql.NullInt64
			durationMs sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &r.RequestID, &profileID, &targetHost, &r.Outcome, &statusCode, &durationMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ProfileID = profileID.String
		r.TargetHost = targetHost.String
		r.StatusCode = int(statusCode.Int64)
		r.DurationMs = durationMs.Int64
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresReceiptIndex) Close() error { return s.db.Close() }
