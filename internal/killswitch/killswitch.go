// Package killswitch is the global emergency stop. Triggering it flips an
// atomic flag first and only then, asynchronously, records the event, halts
// the circuit-breaker manager and drains transaction monitoring. Recovery
// requires an authorized key and a passing safety check.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/audit"
	"github.com/goshtasb/xorj-landing-sub001/internal/circuitbreaker"
	"github.com/goshtasb/xorj-landing-sub001/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "killswitch",
		Name:      "active",
		Help:      "1 while the kill switch is triggered.",
	})

	activationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "killswitch",
		Name:      "activations_total",
		Help:      "Kill switch activations by method.",
	}, []string{"method"})

	unauthorizedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "killswitch",
		Name:      "unauthorized_total",
		Help:      "Kill switch operations rejected for a bad or missing key.",
	})
)

func init() {
	prometheus.MustRegister(activeGauge, activationsTotal, unauthorizedTotal)
}

var (
	ErrUnauthorized      = errors.New("killswitch: unauthorized")
	ErrAlreadyTriggered  = errors.New("killswitch: already triggered")
	ErrNotTriggered      = errors.New("killswitch: not triggered")
	ErrUnsafe            = errors.New("killswitch: safety check failed")
	ErrInvalidTransition = errors.New("killswitch: invalid state transition")
	ErrRetriggered       = errors.New("killswitch: re-triggered during recovery")
)

// State of the switch.
type State string

const (
	StateArmed           State = "armed"
	StateTriggered       State = "triggered"
	StateRecoveryPending State = "recovery_pending"
	StateMaintenance     State = "maintenance"
)

// Method is how an activation arrived.
type Method string

const (
	MethodManualAPI            Method = "manual_api"
	MethodEnvironment          Method = "environment_variable"
	MethodExternalSignal       Method = "external_signal"
	MethodAutomatic            Method = "automatic_trigger"
	MethodEmergencyOverride    Method = "emergency_override"
	MethodScheduledMaintenance Method = "scheduled_maintenance"
)

// Halter is the system-wide halt the switch drives. *circuitbreaker.Manager
// satisfies it.
type Halter interface {
	Halt(ctx context.Context, source, reason string, duration time.Duration)
	LiftHalt(ctx context.Context, source, reason string) bool
	SystemStatus() circuitbreaker.SystemStatus
}

// Drainer is the transaction monitoring the switch cancels.
// *confirmation.Monitor satisfies it.
type Drainer interface {
	ActiveCount() int
	ForceCompleteAll(ctx context.Context, reason string) int
}

// Option configures a Switch.
type Option func(*Switch)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Switch) { s.now = now }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(a audit.Sink) Option {
	return func(s *Switch) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Switch) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithKeys sets the authorized key ring.
func WithKeys(r *KeyRing) Option {
	return func(s *Switch) {
		if r != nil {
			s.keys = r
		}
	}
}

// WithEventStore mirrors the event log to store.
func WithEventStore(store EventStore) Option {
	return func(s *Switch) { s.store = store }
}

// WithHalter wires the system-wide halt.
func WithHalter(h Halter) Option {
	return func(s *Switch) { s.halter = h }
}

// WithDrainer wires transaction monitoring.
func WithDrainer(d Drainer) Option {
	return func(s *Switch) { s.drainer = d }
}

// WithEnvironment names the deployment in captured system state.
func WithEnvironment(env string) Option {
	return func(s *Switch) { s.environment = env }
}

// EventFunc observes every recorded event.
type EventFunc func(Event)

// Switch is the global kill switch.
type Switch struct {
	state atomic.Value // State

	keys        *KeyRing
	store       EventStore
	halter      Halter
	drainer     Drainer
	audit       audit.Sink
	logger      *slog.Logger
	now         func() time.Time
	environment string

	mu          sync.Mutex
	triggeredAt *time.Time
	triggeredBy string
	reason      string
	method      Method
	events      []Event
	observers   []EventFunc
	maintTimer  *time.Timer

	watching atomic.Bool
	signals  atomic.Bool

	// propagation tracks activation side effects; inflight tracks event
	// persistence.
	propagation sync.WaitGroup
	inflight    sync.WaitGroup
}

// New creates an armed switch.
func New(opts ...Option) *Switch {
	s := &Switch{
		keys:   NewKeyRing(),
		audit:  audit.Nop{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.keys.now = s.now
	s.state.Store(StateArmed)
	return s
}

// OnEvent registers fn to observe recorded events. fn must not block.
func (s *Switch) OnEvent(fn EventFunc) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// State returns the current state.
func (s *Switch) State() State {
	return s.state.Load().(State)
}

// IsActive reports whether the switch is triggered. A recovery in progress
// still counts as active.
func (s *Switch) IsActive() bool {
	st := s.State()
	return st == StateTriggered || st == StateRecoveryPending
}

// TradingHalted reports whether the switch blocks trading in any way,
// maintenance included.
func (s *Switch) TradingHalted() bool {
	return s.State() != StateArmed
}

// -----------------------------------------------------------------------------
// Activation
// -----------------------------------------------------------------------------

// Activate triggers the switch. A key is optional; when given it must carry
// the activate permission.
func (s *Switch) Activate(ctx context.Context, reason string, method Method, userID, key string) error {
	var keyID string
	if key != "" {
		id, ok := s.keys.Authorize(key, PermActivate)
		if !ok {
			s.unauthorized(ctx, userID, "activate")
			return ErrUnauthorized
		}
		keyID = id
	}
	if method == "" {
		method = MethodManualAPI
	}
	if userID == "" {
		userID = "unknown"
	}
	if !s.trigger(ctx, reason, method, userID, keyID) {
		return ErrAlreadyTriggered
	}
	return nil
}

// Trigger is the unconditional activation path used by watchers and
// signals. It reports whether this call changed the state.
func (s *Switch) Trigger(ctx context.Context, reason string, method Method, userID string) bool {
	return s.trigger(ctx, reason, method, userID, "")
}

// trigger flips the switch. A trigger that lands while a recovery is being
// checked supersedes it; Deactivate notices and keeps the halt.
func (s *Switch) trigger(ctx context.Context, reason string, method Method, userID, keyID string) bool {
	s.mu.Lock()
	prev := s.State()
	if prev == StateTriggered {
		s.mu.Unlock()
		return false
	}
	s.state.Store(StateTriggered)
	now := s.now()
	s.triggeredAt = &now
	s.triggeredBy = userID
	s.reason = reason
	s.method = method
	if s.maintTimer != nil {
		s.maintTimer.Stop()
		s.maintTimer = nil
	}
	s.propagation.Add(1)
	s.mu.Unlock()

	activeGauge.Set(1)
	activationsTotal.WithLabelValues(string(method)).Inc()
	s.logger.Error("kill switch triggered",
		"reason", reason, "method", string(method), "user_id", userID,
		"previous_state", string(prev))

	go s.propagate(context.WithoutCancel(ctx), now, reason, method, userID, keyID)
	return true
}

// propagate runs after the state flip: log, halt, drain.
func (s *Switch) propagate(ctx context.Context, at time.Time, reason string, method Method, userID, keyID string) {
	defer s.propagation.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in kill switch propagation", "panic", fmt.Sprint(r))
		}
	}()

	ev := s.record(ctx, EventActivated, at, method, userID, reason, keyID)
	s.audit.LogEvent(ctx, "global_kill_switch_activated", audit.SeverityCritical, map[string]any{
		"event_id":          ev.ID,
		"reason":            reason,
		"activation_method": string(method),
		"user_id":           userID,
		"triggered_at":      at.UTC().Format(time.RFC3339),
		"system_state":      ev.SystemState,
	})

	if s.halter != nil {
		s.halter.Halt(ctx, circuitbreaker.SourceKillSwitch, "Global kill switch: "+reason, 0)
	}
	if s.drainer != nil {
		n := s.drainer.ForceCompleteAll(ctx, "Global kill switch: "+reason)
		s.logger.Warn("transaction monitoring drained by kill switch", "monitors", n)
	}
}

// -----------------------------------------------------------------------------
// Recovery
// -----------------------------------------------------------------------------

// DeactivateRequest carries a recovery attempt.
type DeactivateRequest struct {
	Reason string
	Key    string
	UserID string
	// Force skips the safety check. Requires the deactivate permission; the
	// emergency key forces implicitly.
	Force bool
}

// Deactivate re-arms a triggered switch. The key is checked before the
// state so every bad-key attempt is recorded.
func (s *Switch) Deactivate(ctx context.Context, req DeactivateRequest) error {
	force := req.Force
	keyID, ok := s.keys.Authorize(req.Key, PermDeactivate)
	if !ok {
		keyID, ok = s.keys.Authorize(req.Key, PermEmergencyDeactivate)
		force = ok
	}
	if !ok {
		s.logger.Error("kill switch deactivation rejected: invalid authorization key", "user_id", req.UserID)
		s.unauthorized(ctx, req.UserID, "deactivate")
		return ErrUnauthorized
	}
	if s.State() != StateTriggered {
		return ErrNotTriggered
	}

	// Let the activation finish halting and draining before judging safety.
	s.propagation.Wait()

	s.mu.Lock()
	if s.State() != StateTriggered {
		s.mu.Unlock()
		return ErrNotTriggered
	}
	s.state.Store(StateRecoveryPending)
	s.mu.Unlock()

	if !force {
		if safe, reasons := s.SafetyCheck(); !safe {
			s.mu.Lock()
			if s.State() == StateRecoveryPending {
				s.state.Store(StateTriggered)
			}
			s.mu.Unlock()
			s.logger.Error("kill switch deactivation failed safety check", "reasons", reasons)
			return fmt.Errorf("%w: %s", ErrUnsafe, strings.Join(reasons, "; "))
		}
	}

	s.mu.Lock()
	if s.State() != StateRecoveryPending {
		reason := s.reason
		s.mu.Unlock()
		s.logger.Error("kill switch re-triggered during recovery, staying halted",
			"user_id", req.UserID, "key_id", keyID, "trigger_reason", reason)
		return ErrRetriggered
	}
	var downtime time.Duration
	if s.triggeredAt != nil {
		downtime = s.now().Sub(*s.triggeredAt)
	}
	s.state.Store(StateArmed)
	s.triggeredAt = nil
	s.triggeredBy = ""
	s.reason = ""
	s.method = ""
	// Lifted under mu so a concurrent trigger halts again after this.
	if s.halter != nil {
		s.halter.LiftHalt(ctx, circuitbreaker.SourceKillSwitch, "Global kill switch deactivated: "+req.Reason)
	}
	activeGauge.Set(0)
	s.mu.Unlock()

	ev := s.record(ctx, EventDeactivated, s.now(), "", req.UserID, req.Reason, keyID)

	s.logger.Info("kill switch deactivated",
		"reason", req.Reason, "user_id", req.UserID, "key_id", keyID,
		"forced", force, "downtime", downtime.String())
	s.audit.LogEvent(ctx, "global_kill_switch_deactivated", audit.SeverityInfo, map[string]any{
		"event_id":         ev.ID,
		"reason":           req.Reason,
		"user_id":          req.UserID,
		"key_id":           keyID,
		"forced":           force,
		"downtime_minutes": downtime.Minutes(),
	})
	return nil
}

// SafetyCheck reports whether re-arming is safe: no open breaker, no halt
// other than the switch's own, and no active transaction monitors.
func (s *Switch) SafetyCheck() (bool, []string) {
	var reasons []string
	if s.halter != nil {
		st := s.halter.SystemStatus()
		if len(st.OpenBreakers) > 0 {
			names := make([]string, len(st.OpenBreakers))
			for i, c := range st.OpenBreakers {
				names[i] = string(c)
			}
			reasons = append(reasons, "Open circuit breakers: "+strings.Join(names, ", "))
		}
		if st.Halt.Active && st.Halt.Source != circuitbreaker.SourceKillSwitch {
			reasons = append(reasons, "System halt active: "+st.Halt.Reason)
		}
	}
	if s.drainer != nil {
		if n := s.drainer.ActiveCount(); n > 0 {
			reasons = append(reasons, fmt.Sprintf("Active transaction monitors: %d", n))
		}
	}
	return len(reasons) == 0, reasons
}

// -----------------------------------------------------------------------------
// Maintenance
// -----------------------------------------------------------------------------

// EnterMaintenance halts trading for planned work. The key must carry the
// maintenance permission.
func (s *Switch) EnterMaintenance(ctx context.Context, reason, key, userID string) error {
	keyID, ok := s.keys.Authorize(key, PermMaintenance)
	if !ok {
		s.unauthorized(ctx, userID, "maintenance")
		return ErrUnauthorized
	}
	return s.enterMaintenance(ctx, reason, userID, keyID, 0)
}

// ScheduledMaintenance enters maintenance for duration without a key. The
// cron schedule uses it.
func (s *Switch) ScheduledMaintenance(ctx context.Context, reason string, duration time.Duration) error {
	return s.enterMaintenance(ctx, reason, "scheduler", "", duration)
}

func (s *Switch) enterMaintenance(ctx context.Context, reason, userID, keyID string, duration time.Duration) error {
	s.mu.Lock()
	if s.State() != StateArmed {
		st := s.State()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st, StateMaintenance)
	}
	s.state.Store(StateMaintenance)
	if duration > 0 {
		s.maintTimer = time.AfterFunc(duration, func() {
			_ = s.exitMaintenance(context.Background(), "scheduled maintenance window ended", "scheduler", "")
		})
	}
	s.mu.Unlock()

	if s.halter != nil {
		s.halter.Halt(ctx, circuitbreaker.SourceKillSwitch, "Maintenance: "+reason, 0)
	}
	s.record(ctx, EventMaintenanceStarted, s.now(), MethodScheduledMaintenance, userID, reason, keyID)
	s.logger.Warn("kill switch entered maintenance", "reason", reason, "user_id", userID, "duration", duration.String())
	return nil
}

// EndMaintenance returns to Armed. The key must carry the maintenance
// permission.
func (s *Switch) EndMaintenance(ctx context.Context, reason, key, userID string) error {
	keyID, ok := s.keys.Authorize(key, PermMaintenance)
	if !ok {
		s.unauthorized(ctx, userID, "end_maintenance")
		return ErrUnauthorized
	}
	return s.exitMaintenance(ctx, reason, userID, keyID)
}

func (s *Switch) exitMaintenance(ctx context.Context, reason, userID, keyID string) error {
	s.mu.Lock()
	if s.State() != StateMaintenance {
		st := s.State()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st, StateArmed)
	}
	s.state.Store(StateArmed)
	if s.maintTimer != nil {
		s.maintTimer.Stop()
		s.maintTimer = nil
	}
	if s.halter != nil {
		s.halter.LiftHalt(ctx, circuitbreaker.SourceKillSwitch, "Maintenance ended: "+reason)
	}
	s.mu.Unlock()

	s.record(ctx, EventMaintenanceEnded, s.now(), MethodScheduledMaintenance, userID, reason, keyID)
	s.logger.Info("kill switch maintenance ended", "reason", reason, "user_id", userID)
	return nil
}

// -----------------------------------------------------------------------------
// Event log
// -----------------------------------------------------------------------------

func (s *Switch) record(ctx context.Context, typ string, at time.Time, method Method, userID, reason, keyID string) Event {
	ev := newEvent(idgen.Timestamped(eventPrefix(typ), at), at, typ, method, userID, reason, keyID, s.captureState())

	s.mu.Lock()
	var prev string
	if n := len(s.events); n > 0 {
		prev = s.events[n-1].Hash
	}
	ev = ev.seal(prev)
	s.events = append(s.events, ev)
	observers := append([]EventFunc(nil), s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
	if s.store != nil {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.store.Append(ctx, ev); err != nil {
				s.logger.Error("kill switch event persist failed", "event_id", ev.ID, "error", err)
			}
		}()
	}
	return ev
}

func eventPrefix(typ string) string {
	switch typ {
	case EventActivated:
		return "kill"
	case EventDeactivated:
		return "recovery"
	case EventUnauthorizedAttempt:
		return "unauthorized"
	default:
		return "maintenance"
	}
}

// captureState snapshots the surrounding system for forensics.
func (s *Switch) captureState() map[string]any {
	state := map[string]any{
		"timestamp":         s.now().UTC().Format(time.RFC3339),
		"kill_switch_state": string(s.State()),
		"environment":       s.environment,
	}
	if s.halter != nil {
		st := s.halter.SystemStatus()
		open := make([]string, len(st.OpenBreakers))
		for i, c := range st.OpenBreakers {
			open[i] = string(c)
		}
		state["circuit_breakers"] = map[string]any{
			"trading_allowed":    st.TradingAllowed,
			"open_breakers":      open,
			"system_halt_active": st.Halt.Active,
		}
	}
	if s.drainer != nil {
		state["active_transactions"] = s.drainer.ActiveCount()
	}
	return state
}

func (s *Switch) unauthorized(ctx context.Context, userID, operation string) {
	unauthorizedTotal.Inc()
	s.record(ctx, EventUnauthorizedAttempt, s.now(), "", userID, "unauthorized "+operation, "")
	s.audit.LogEvent(ctx, "kill_switch_unauthorized_access", audit.SeverityCritical, map[string]any{
		"operation": operation,
		"user_id":   userID,
	})
}

// Events returns the newest limit events, oldest first. limit <= 0
// returns all of them.
func (s *Switch) Events(limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if limit > 0 && len(s.events) > limit {
		start = len(s.events) - limit
	}
	return append([]Event(nil), s.events[start:]...)
}

// VerifyLog checks every event hash and link and returns the index of the
// first tampered event, or -1. A removed event shows up at the index of its
// successor.
func (s *Switch) VerifyLog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return VerifyChain(s.events)
}

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status is the operator view of the switch.
type Status struct {
	State            State      `json:"state"`
	Active           bool       `json:"is_active"`
	TriggeredAt      *time.Time `json:"triggered_at,omitempty"`
	TriggeredBy      string     `json:"triggered_by,omitempty"`
	Reason           string     `json:"trigger_reason,omitempty"`
	Method           Method     `json:"activation_method,omitempty"`
	AuthorizedKeys   int        `json:"authorized_keys_count"`
	TotalEvents      int        `json:"total_events"`
	Watching         bool       `json:"monitoring_active"`
	SignalsInstalled bool       `json:"signal_handlers_installed"`
	LastEvent        *Event     `json:"last_event,omitempty"`
}

// Status returns a snapshot.
func (s *Switch) Status() Status {
	s.mu.Lock()
	st := Status{
		State:            s.State(),
		TriggeredBy:      s.triggeredBy,
		Reason:           s.reason,
		Method:           s.method,
		TotalEvents:      len(s.events),
		Watching:         s.watching.Load(),
		SignalsInstalled: s.signals.Load(),
	}
	if s.triggeredAt != nil {
		t := *s.triggeredAt
		st.TriggeredAt = &t
	}
	if n := len(s.events); n > 0 {
		last := s.events[n-1]
		st.LastEvent = &last
	}
	s.mu.Unlock()
	st.Active = st.State == StateTriggered || st.State == StateRecoveryPending
	st.AuthorizedKeys = s.keys.ValidCount()
	return st
}

// Close waits for in-flight propagation and persistence.
func (s *Switch) Close() {
	s.mu.Lock()
	if s.maintTimer != nil {
		s.maintTimer.Stop()
		s.maintTimer = nil
	}
	s.mu.Unlock()
	s.propagation.Wait()
	s.inflight.Wait()
}
