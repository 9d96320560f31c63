package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/retry"
)

// PostgresStore persists audit events to the audit_events table
// (migrations/001_audit_events.sql).
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append writes the batch in one transaction, retrying transient failures.
func (s *PostgresStore) Append(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		return s.appendOnce(ctx, events)
	})
}

func (s *PostgresStore) appendOnce(ctx context.Context, events []*Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (id, kind, severity, payload, created_at)
		VALUES ($1, $2, $3, $4::JSONB, $5)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("audit: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			// Unencodable payloads are a programming error; keep the row.
			payload = []byte(fmt.Sprintf(`{"encode_error":%q}`, err.Error()))
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.Kind, string(ev.Severity), string(payload), ev.CreatedAt); err != nil {
			return fmt.Errorf("audit: insert %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

// Query returns events of kind (all kinds when empty) created at or after
// since, newest first.
func (s *PostgresStore) Query(ctx context.Context, kind string, since time.Time, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, kind, severity, payload, created_at
		FROM audit_events
		WHERE created_at >= $1 AND ($2 = '' OR kind = $2)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, since, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var (
			ev       Event
			severity string
			payload  []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &severity, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.Severity = Severity(severity)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("audit: decode payload %s: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
