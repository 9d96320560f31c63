package killswitch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/retry"
)

// PostgresEventStore persists events to kill_switch_events
// (migrations/002_kill_switch_events.sql).
type PostgresEventStore struct {
	db *sql.DB
}

var _ EventStore = (*PostgresEventStore)(nil)

// NewPostgresEventStore creates a store backed by db.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Append inserts ev, retrying transient failures. Re-inserting the same
// event id is a no-op.
func (s *PostgresEventStore) Append(ctx context.Context, ev Event) error {
	state, err := json.Marshal(ev.SystemState)
	if err != nil {
		return fmt.Errorf("killswitch: encode system state: %w", err)
	}
	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kill_switch_events
				(event_id, occurred_at, event_type, activation_method, user_id, reason, key_id, system_state, previous_hash, verification_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9, $10)
			ON CONFLICT (event_id) DO NOTHING`,
			ev.ID, ev.Timestamp, ev.Type, string(ev.Method), ev.UserID, ev.Reason, ev.KeyID, string(state), ev.PrevHash, ev.Hash)
		if err != nil {
			return fmt.Errorf("killswitch: insert event %s: %w", ev.ID, err)
		}
		return nil
	})
}

// Recent returns the newest limit events, oldest first.
func (s *PostgresEventStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, occurred_at, event_type, activation_method, user_id, reason, key_id, system_state, previous_hash, verification_hash
		FROM kill_switch_events
		ORDER BY occurred_at DESC, recorded_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("killswitch: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev                           Event
			method, userID, keyID, prev sql.NullString
			state                        []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &method, &userID, &ev.Reason, &keyID, &state, &prev, &ev.Hash); err != nil {
			return nil, fmt.Errorf("killswitch: scan event: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		ev.Method = Method(method.String)
		ev.UserID = userID.String
		ev.KeyID = keyID.String
		ev.PrevHash = prev.String
		if len(state) > 0 {
			if err := json.Unmarshal(state, &ev.SystemState); err != nil {
				return nil, fmt.Errorf("killswitch: decode system state %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
