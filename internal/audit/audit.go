// Package audit records the safety layer's forensic trail.
//
// Producers call Sink.LogEvent and never wait on persistence: the Dispatcher
// queues events and flushes them to a Store in the background. A failing
// store is logged and counted, never surfaced to the trading path.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/idgen"
)

// Severity ranks an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is a single audit record.
type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind string, severity Severity, payload map[string]any) *Event {
	return &Event{
		ID:        idgen.New(),
		Kind:      kind,
		Severity:  severity,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Sink accepts audit events. Implementations must not block the caller on
// I/O.
type Sink interface {
	LogEvent(ctx context.Context, kind string, severity Severity, payload map[string]any)
}

// Store persists batches of events.
type Store interface {
	Append(ctx context.Context, events []*Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) LogEvent(context.Context, string, Severity, map[string]any) {}

// -----------------------------------------------------------------------------
// Recorder
// -----------------------------------------------------------------------------

// Recorder is a synchronous in-memory Sink. Tests use it to assert on the
// trail a component leaves behind.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) LogEvent(_ context.Context, kind string, severity Severity, payload map[string]any) {
	ev := NewEvent(kind, severity, payload)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Find returns the first recorded event of kind, or nil.
func (r *Recorder) Find(kind string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// MemoryStore
// -----------------------------------------------------------------------------

// MemoryStore keeps persisted events in memory. Used when no database is
// configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	limit  int
}

// NewMemoryStore keeps at most limit events (oldest dropped). limit <= 0
// means unbounded.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{limit: limit}
}

func (m *MemoryStore) Append(_ context.Context, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append([]*Event(nil), m.events[len(m.events)-m.limit:]...)
	}
	return nil
}

// Recent returns up to limit of the newest events, oldest first.
func (m *MemoryStore) Recent(limit int) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.events) > limit {
		start = len(m.events) - limit
	}
	out := make([]*Event, len(m.events)-start)
	copy(out, m.events[start:])
	return out
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
