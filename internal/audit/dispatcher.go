package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	dispatcherChanSize  = 4096
	dispatcherBatchSize = 100
	dispatcherFlush     = 500 * time.Millisecond
)

var eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tradeguard",
	Subsystem: "audit",
	Name:      "events_dropped_total",
	Help:      "Audit events dropped because the dispatcher queue was full.",
})

var eventsFlushFailed = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tradeguard",
	Subsystem: "audit",
	Name:      "flush_failures_total",
	Help:      "Audit batches that could not be persisted.",
})

func init() {
	prometheus.MustRegister(eventsDropped, eventsFlushFailed)
}

// Dispatcher is the Sink wired into the safety components. LogEvent never
// blocks: events go to a buffered channel and are flushed in batches by
// Start. Every event is also written to the logger so the trail survives a
// dead store.
type Dispatcher struct {
	store   Store
	logger  *slog.Logger
	ch      chan *Event
	stop    chan struct{}
	running atomic.Bool
	dropped atomic.Int64
}

var _ Sink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher flushing to store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		logger: logger,
		ch:     make(chan *Event, dispatcherChanSize),
		stop:   make(chan struct{}, 1),
	}
}

// LogEvent enqueues an event, dropping it if the queue is full.
func (d *Dispatcher) LogEvent(_ context.Context, kind string, severity Severity, payload map[string]any) {
	ev := NewEvent(kind, severity, payload)
	d.logger.Log(context.Background(), slogLevel(severity), "audit event",
		"kind", kind, "severity", string(severity), "event_id", ev.ID)

	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		eventsDropped.Inc()
	}
}

// Dropped returns the number of events dropped due to a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Running reports whether the flush loop is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start drains the queue until ctx is done or Stop is called, flushing what
// is buffered on the way out. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(dispatcherFlush)
	defer ticker.Stop()

	var buf []*Event

	for {
		select {
		case <-ctx.Done():
			d.flush(d.drain(buf))
			return
		case <-d.stop:
			d.flush(d.drain(buf))
			return
		case ev := <-d.ch:
			buf = append(buf, ev)
			if len(buf) >= dispatcherBatchSize {
				d.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				d.flush(buf)
				buf = nil
			}
		}
	}
}

// Stop signals the loop to flush and exit.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) drain(buf []*Event) []*Event {
	for {
		select {
		case ev := <-d.ch:
			buf = append(buf, ev)
		default:
			return buf
		}
	}
}

func (d *Dispatcher) flush(buf []*Event) {
	if len(buf) == 0 || d.store == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in audit flush", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.store.Append(ctx, buf); err != nil {
		eventsFlushFailed.Inc()
		d.logger.Error("audit flush failed", "error", err, "count", len(buf))
	}
}

func slogLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical, SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
