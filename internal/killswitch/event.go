package killswitch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	EventActivated           = "kill_switch_activated"
	EventDeactivated         = "kill_switch_deactivated"
	EventMaintenanceStarted  = "maintenance_mode_activated"
	EventMaintenanceEnded    = "maintenance_mode_deactivated"
	EventUnauthorizedAttempt = "kill_switch_unauthorized_access"
)

// Event is one entry of the kill-switch log. Hash covers every other field,
// including the hash of the event before it, so edits and deletions after
// the fact are detectable.
//
// KeyID names the authorized key that allowed the operation. Nothing derived
// from a presented secret is ever recorded.
type Event struct {
	ID          string         `json:"event_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"event_type"`
	Method      Method         `json:"activation_method,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Reason      string         `json:"reason"`
	KeyID       string         `json:"authorization_key_id,omitempty"`
	SystemState map[string]any `json:"system_state"`
	PrevHash    string         `json:"previous_hash,omitempty"`
	Hash        string         `json:"verification_hash"`
}

// newEvent builds an unsealed event. Timestamps are truncated to
// microseconds so they survive a round trip through postgres.
func newEvent(id string, at time.Time, typ string, method Method, userID, reason, keyID string, state map[string]any) Event {
	return Event{
		ID:          id,
		Timestamp:   at.UTC().Truncate(time.Microsecond),
		Type:        typ,
		Method:      method,
		UserID:      userID,
		Reason:      reason,
		KeyID:       keyID,
		SystemState: state,
	}
}

// seal links the event to prev and stamps its hash.
func (e Event) seal(prev string) Event {
	e.PrevHash = prev
	e.Hash = e.computeHash()
	return e
}

func (e Event) computeHash() string {
	// encoding/json sorts map keys, which makes this canonical.
	b, err := json.Marshal(map[string]any{
		"event_id":             e.ID,
		"timestamp":            e.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type":           e.Type,
		"activation_method":    string(e.Method),
		"user_id":              e.UserID,
		"reason":               e.Reason,
		"authorization_key_id": e.KeyID,
		"system_state":         e.SystemState,
		"previous_hash":        e.PrevHash,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity reports whether the event still matches its hash.
func (e Event) VerifyIntegrity() bool {
	return e.Hash != "" && e.Hash == e.computeHash()
}

// VerifyChain returns the index of the first event that fails its own hash
// or does not link to the event before it, or -1. The first event's link
// is not checked, so a trailing window of a longer log verifies.
func VerifyChain(events []Event) int {
	for i, ev := range events {
		if !ev.VerifyIntegrity() {
			return i
		}
		if i > 0 && ev.PrevHash != events[i-1].Hash {
			return i
		}
	}
	return -1
}

// EventStore persists kill-switch events.
type EventStore interface {
	Append(ctx context.Context, ev Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// MemoryEventStore keeps events in memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryEventStore creates an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// Recent returns the newest limit events, oldest first. limit <= 0 returns
// everything.
func (s *MemoryEventStore) Recent(_ context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.events) > limit {
		start = len(s.events) - limit
	}
	return append([]Event(nil), s.events[start:]...), nil
}

var _ EventStore = (*MemoryEventStore)(nil)
