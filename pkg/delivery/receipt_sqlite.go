package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteReceiptIndex persists the receipt index in an embedded sqlite file.
type SQLiteReceiptIndex struct {
	db *sql.DB
}

// OpenSQLiteReceiptIndex opens (creating if needed) the index at path.
func OpenSQLiteReceiptIndex(path string) (*SQLiteReceiptIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open receipt index: %w", err)
	}
	return NewSQLiteReceiptIndex(db)
}

// NewSQLiteReceiptIndex wraps an existing handle and ensures the schema.
func NewSQLiteReceiptIndex(db *sql.DB) (*SQLiteReceiptIndex, error) {
	s := &SQLiteReceiptIndex{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteReceiptIndex) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS delivery_receipts (
        run_id TEXT PRIMARY KEY,
        request_id TEXT NOT NULL,
        profile_id TEXT,
        target_host TEXT,
        outcome TEXT NOT NULL,
        status_code INTEGER,
        duration_ms INTEGER,
        created_at DATETIME
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteReceiptIndex) Insert(ctx context.Context, row ReceiptRow) error {
	query := `INSERT INTO delivery_receipts (
        run_id, request_id, profile_id, target_host, outcome, status_code, duration_ms, created_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		row.RunID, row.RequestID, row.ProfileID, row.TargetHost, row.Outcome,
		row.StatusCode, row.DurationMs, row.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *SQLiteReceiptIndex) Recent(ctx context.Context, limit int) ([]ReceiptRow, error) {
	query := `
        SELECT run_id, request_id, profile_id, target_host, outcome, status_code, duration_ms, created_at
        FROM delivery_receipts
        ORDER BY created_at DESC
        LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ReceiptRow
	for rows.Next() {
		r, err := scanReceiptRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteReceiptIndex) Close() error { return s.db.Close() }

func scanReceiptRow(rows *sql.Rows) (ReceiptRow, error) {
	var (
		r          ReceiptRow
		profileID  sql.NullString
		targetHost sql.NullString
		statusCode sql.NullInt64
		durationMs sql.NullInt64
		createdAt  string
	)
	if err := rows.Scan(&r.RunID, &r.RequestID, &profileID, &targetHost, &r.Outcome, &statusCode, &durationMs, &createdAt); err != nil {
		return ReceiptRow{}, err
	}
	r.ProfileID = profileID.String
	r.TargetHost = targetHost.String
	r.StatusCode = int(statusCode.Int64)
	r.DurationMs = durationMs.Int64
	r.CreatedAt = parseReceiptTime(createdAt)
	return r, nil
}

func parseReceiptTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
