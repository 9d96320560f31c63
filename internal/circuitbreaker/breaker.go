// Package circuitbreaker provides the category breakers that gate trading
// and the manager that owns them together with the system-wide halt.
//
// A breaker moves closed → open when its failure statistics over a sliding
// window cross a threshold, open → half-open once its recovery timeout has
// elapsed, and half-open → closed after enough consecutive successful probes.
package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/audit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: trades flow through
	StateOpen                  // Tripped: trades are rejected
	StateHalfOpen              // Probing: a bounded number of trades allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradeguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by category, from-state, and to-state.",
}, []string{"category", "from_state", "to_state"})

var cbState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tradeguard",
	Subsystem: "circuitbreaker",
	Name:      "state",
	Help:      "Current circuit breaker state (0 closed, 1 open, 2 half-open).",
}, []string{"category"})

func init() {
	prometheus.MustRegister(cbStateTransitions, cbState)
}

// Event is one recorded outcome inside a breaker's window.
type Event struct {
	Category Category       `json:"category"`
	Label    string         `json:"label"`
	At       time.Time      `json:"timestamp"`
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TransitionFunc observes state changes. It runs on its own goroutine.
type TransitionFunc func(category Category, from, to State, reason string)

// Breaker is a single failure-rate state machine. All methods are safe for
// concurrent use; recording is serialized by the breaker's mutex so counters
// and the window stay consistent.
type Breaker struct {
	cfg    Config
	now    func() time.Time
	audit  audit.Sink
	logger *slog.Logger

	mu                  sync.Mutex
	state               State
	events              []Event
	failureCount        int
	consecutiveFailures int
	totalEvents         int64
	totalFailures       int64
	totalOpens          int64
	openedAt            time.Time
	lastSuccess         time.Time
	lastFailure         time.Time
	lastTest            time.Time
	testRequests        int
	recoverySuccesses   int
	onTransition        TransitionFunc
}

// NewBreaker creates a closed breaker for cfg.
func NewBreaker(cfg Config, opts ...Option) *Breaker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	b := &Breaker{
		cfg:    cfg,
		now:    o.now,
		audit:  o.audit,
		logger: o.logger,
	}
	cbState.WithLabelValues(string(cfg.Category)).Set(float64(StateClosed))
	return b
}

// Config returns the breaker's policy.
func (b *Breaker) Config() Config {
	return b.cfg
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordEvent appends an outcome, re-evaluates the trip conditions and
// reports whether the operation is allowed.
func (b *Breaker) RecordEvent(ctx context.Context, label string, success bool, metadata map[string]any) bool {
	return b.record(ctx, label, success, nil, metadata)
}

// RecordMetric is RecordEvent with a numeric observation compared against
// the absolute threshold (volatility percent, slippage percent).
func (b *Breaker) RecordMetric(ctx context.Context, label string, success bool, metric decimal.Decimal, metadata map[string]any) bool {
	return b.record(ctx, label, success, &metric, metadata)
}

func (b *Breaker) record(ctx context.Context, label string, success bool, metric *decimal.Decimal, metadata map[string]any) bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.events = append(b.events, Event{
		Category: b.cfg.Category,
		Label:    label,
		At:       now,
		Success:  success,
		Metadata: metadata,
	})
	b.totalEvents++
	b.prune(now)

	// While open only the window tally moves; streak counters resume when
	// probing starts.
	if b.state == StateOpen {
		return false
	}

	if success {
		b.consecutiveFailures = 0
		b.lastSuccess = now
	} else {
		b.consecutiveFailures++
		b.totalFailures++
		b.lastFailure = now
	}

	switch b.state {
	case StateClosed:
		if reason := b.tripReason(metric); reason != "" {
			b.open(ctx, fmt.Sprintf("triggered_by_%s: %s", label, reason))
			return false
		}
		return true

	case StateHalfOpen:
		if !success {
			b.open(ctx, "half_open_failure")
			return false
		}
		b.testRequests++
		b.recoverySuccesses++
		// Success threshold is checked before the test limit so a probe that
		// both completes recovery and reaches the limit closes the breaker.
		if b.recoverySuccesses >= b.cfg.RecoverySuccessThreshold {
			b.close(ctx, "recovery_successful")
			return true
		}
		if b.testRequests > b.cfg.TestRequestLimit {
			b.open(ctx, "half_open_test_limit_exceeded")
			return false
		}
		return true
	}
	return b.state != StateOpen
}

// tripReason returns why the breaker should open, or "". Caller holds mu.
func (b *Breaker) tripReason(metric *decimal.Decimal) string {
	if b.consecutiveFailures >= b.cfg.ConsecutiveFailureLimit {
		return fmt.Sprintf("consecutive failures %d >= %d", b.consecutiveFailures, b.cfg.ConsecutiveFailureLimit)
	}
	if b.failureCount >= b.cfg.FailureThreshold {
		return fmt.Sprintf("failures in window %d >= %d", b.failureCount, b.cfg.FailureThreshold)
	}
	if b.cfg.PercentageThreshold.Valid && len(b.events) >= b.cfg.minSamples() {
		rate := decimal.NewFromInt(int64(b.failureCount)).
			Div(decimal.NewFromInt(int64(len(b.events)))).
			Mul(decimal.NewFromInt(100))
		if rate.GreaterThanOrEqual(b.cfg.PercentageThreshold.Decimal) {
			return fmt.Sprintf("failure rate %s%% >= %s%%", rate.StringFixed(2), b.cfg.PercentageThreshold.Decimal.String())
		}
	}
	if b.cfg.AbsoluteThreshold.Valid && metric != nil && metric.GreaterThan(b.cfg.AbsoluteThreshold.Decimal) {
		return fmt.Sprintf("metric %s > %s", metric.String(), b.cfg.AbsoluteThreshold.Decimal.String())
	}
	return ""
}

// prune drops events older than the window and recounts failures. Caller
// holds mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.events) && !b.events[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		b.events = append(b.events[:0], b.events[i:]...)
	}
	b.failureCount = 0
	for _, e := range b.events {
		if !e.Success {
			b.failureCount++
		}
	}
}

// AttemptRecovery moves an open breaker to half-open once the recovery
// timeout has elapsed. It returns true when the breaker is not open
// afterwards. Calling it repeatedly is safe.
func (b *Breaker) AttemptRecovery(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	now := b.now()
	elapsed := now.Sub(b.openedAt)
	if elapsed < b.cfg.RecoveryTimeout {
		return false
	}

	b.testRequests = 0
	b.recoverySuccesses = 0
	b.lastTest = now
	b.transition(StateHalfOpen, "recovery_timeout_elapsed")

	b.logger.Info("circuit breaker half-open",
		"category", string(b.cfg.Category),
		"open_for", elapsed.String())
	b.audit.LogEvent(ctx, "circuit_breaker_recovery_attempt", audit.SeverityInfo, map[string]any{
		"category":             string(b.cfg.Category),
		"breaker_name":         b.cfg.Name,
		"time_since_opened_ms": elapsed.Milliseconds(),
	})
	return true
}

func (b *Breaker) forceOpen(ctx context.Context, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		return false
	}
	b.open(ctx, reason)
	return true
}

func (b *Breaker) forceClose(ctx context.Context, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return false
	}
	// An operator close starts from a clean window; otherwise the next
	// failure would re-trip on stale history.
	b.events = b.events[:0]
	b.failureCount = 0
	b.close(ctx, reason)
	return true
}

// open trips the breaker. Caller holds mu.
func (b *Breaker) open(ctx context.Context, reason string) {
	prev := b.state
	b.openedAt = b.now()
	b.totalOpens++
	b.testRequests = 0
	b.recoverySuccesses = 0
	b.transition(StateOpen, reason)

	b.logger.Error("circuit breaker opened",
		"category", string(b.cfg.Category),
		"reason", reason,
		"failure_count", b.failureCount,
		"consecutive_failures", b.consecutiveFailures,
		"previous_state", prev.String())
	b.audit.LogEvent(ctx, "circuit_breaker_opened", audit.SeverityCritical, map[string]any{
		"category":             string(b.cfg.Category),
		"breaker_name":         b.cfg.Name,
		"reason":               reason,
		"failure_count":        b.failureCount,
		"consecutive_failures": b.consecutiveFailures,
		"window_seconds":       int64(b.cfg.Window.Seconds()),
		"recent_events_count":  len(b.events),
		"previous_state":       prev.String(),
	})
}

// close resets the breaker to closed. Caller holds mu.
func (b *Breaker) close(ctx context.Context, reason string) {
	prev := b.state
	successes := b.recoverySuccesses
	b.openedAt = time.Time{}
	b.testRequests = 0
	b.recoverySuccesses = 0
	b.consecutiveFailures = 0
	b.transition(StateClosed, reason)

	b.logger.Info("circuit breaker closed",
		"category", string(b.cfg.Category),
		"reason", reason,
		"previous_state", prev.String())
	b.audit.LogEvent(ctx, "circuit_breaker_closed", audit.SeverityInfo, map[string]any{
		"category":               string(b.cfg.Category),
		"breaker_name":           b.cfg.Name,
		"reason":                 reason,
		"previous_state":         prev.String(),
		"recovery_success_count": successes,
	})
}

// transition changes state and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	cat := string(b.cfg.Category)
	cbStateTransitions.WithLabelValues(cat, from.String(), to.String()).Inc()
	cbState.WithLabelValues(cat).Set(float64(to))
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(b.cfg.Category, from, to, reason)
	}
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Category            Category   `json:"category"`
	Name                string     `json:"name"`
	State               State      `json:"state"`
	Enabled             bool       `json:"enabled"`
	FailureCount        int        `json:"failure_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalEvents         int64      `json:"total_events"`
	TotalFailures       int64      `json:"total_failures"`
	TotalOpens          int64      `json:"total_opens"`
	RecentEvents        int        `json:"recent_events_count"`
	TestRequests        int        `json:"test_request_count"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastFailure         *time.Time `json:"last_failure_time,omitempty"`
	LastSuccess         *time.Time `json:"last_success_time,omitempty"`
	Config              ConfigView `json:"config"`
}

// ConfigView is the policy summary included in Status.
type ConfigView struct {
	FailureThreshold        int    `json:"failure_threshold"`
	WindowSeconds           int64  `json:"time_window_seconds"`
	ConsecutiveFailureLimit int    `json:"consecutive_failure_limit"`
	RecoveryTimeoutSeconds  int64  `json:"recovery_timeout_seconds"`
	PercentageThreshold     string `json:"percentage_threshold,omitempty"`
	AbsoluteThreshold       string `json:"absolute_threshold,omitempty"`
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Category:            b.cfg.Category,
		Name:                b.cfg.Name,
		State:               b.state,
		Enabled:             b.cfg.Enabled,
		FailureCount:        b.failureCount,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalEvents:         b.totalEvents,
		TotalFailures:       b.totalFailures,
		TotalOpens:          b.totalOpens,
		RecentEvents:        len(b.events),
		TestRequests:        b.testRequests,
		OpenedAt:            timePtr(b.openedAt),
		LastFailure:         timePtr(b.lastFailure),
		LastSuccess:         timePtr(b.lastSuccess),
		Config: ConfigView{
			FailureThreshold:        b.cfg.FailureThreshold,
			WindowSeconds:           int64(b.cfg.Window.Seconds()),
			ConsecutiveFailureLimit: b.cfg.ConsecutiveFailureLimit,
			RecoveryTimeoutSeconds:  int64(b.cfg.RecoveryTimeout.Seconds()),
		},
	}
	if b.cfg.PercentageThreshold.Valid {
		st.Config.PercentageThreshold = b.cfg.PercentageThreshold.Decimal.String()
	}
	if b.cfg.AbsoluteThreshold.Valid {
		st.Config.AbsoluteThreshold = b.cfg.AbsoluteThreshold.Decimal.String()
	}
	return st
}

// RecentEvents returns a copy of the events inside the window.
func (b *Breaker) RecentEvents() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
