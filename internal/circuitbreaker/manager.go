package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/audit"
	"github.com/shopspring/decimal"
)

// HighVolatilityPercent is the 24h volatility above which a volatility
// observation counts as a failure.
var HighVolatilityPercent = decimal.NewFromInt(30)

// DefaultRecoveryInterval is how often the recovery loop probes open
// breakers.
const DefaultRecoveryInterval = 30 * time.Second

// Halt sources. Only the owner of a halt can lift it through LiftHalt.
const (
	SourceOperator   = "operator"
	SourceKillSwitch = "killswitch"
)

type options struct {
	now      func() time.Time
	audit    audit.Sink
	logger   *slog.Logger
	interval time.Duration
	configs  []Config
}

func defaultOptions() options {
	return options{
		now:      time.Now,
		audit:    audit.Nop{},
		logger:   slog.Default(),
		interval: DefaultRecoveryInterval,
	}
}

// Option configures a Manager or a standalone Breaker.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.audit = s
		}
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecoveryInterval sets the recovery loop period.
func WithRecoveryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithConfigs replaces the default category policies. Categories missing
// from cfgs keep their defaults.
func WithConfigs(cfgs ...Config) Option {
	return func(o *options) { o.configs = cfgs }
}

// HaltState describes the system-wide halt.
type HaltState struct {
	Active    bool       `json:"active"`
	Reason    string     `json:"reason,omitempty"`
	Source    string     `json:"source,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Manager owns one breaker per category plus the system-wide halt flag.
type Manager struct {
	breakers map[Category]*Breaker // fixed after New
	order    []Category

	now      func() time.Time
	audit    audit.Sink
	logger   *slog.Logger
	interval time.Duration

	mu         sync.RWMutex
	halt       HaltState
	haltGen    uint64
	haltTimer  *time.Timer
	transition TransitionFunc

	stop    chan struct{}
	running atomic.Bool
}

// New creates a manager with every category closed.
func New(opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cfgs := make(map[Category]Config)
	for _, c := range DefaultConfigs() {
		cfgs[c.Category] = c
	}
	for _, c := range o.configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		cfgs[c.Category] = c
	}

	m := &Manager{
		breakers: make(map[Category]*Breaker, len(cfgs)),
		order:    Categories(),
		now:      o.now,
		audit:    o.audit,
		logger:   o.logger,
		interval: o.interval,
		stop:     make(chan struct{}, 1),
	}
	for _, cat := range m.order {
		b := NewBreaker(cfgs[cat], WithClock(o.now), WithAuditSink(o.audit), WithLogger(o.logger))
		b.OnTransition(m.fireTransition)
		m.breakers[cat] = b
	}
	return m, nil
}

// OnTransition registers a callback for every breaker's state changes.
func (m *Manager) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	m.transition = fn
	m.mu.Unlock()
}

func (m *Manager) fireTransition(cat Category, from, to State, reason string) {
	m.mu.RLock()
	fn := m.transition
	m.mu.RUnlock()
	if fn != nil {
		fn(cat, from, to, reason)
	}
}

// Breaker returns the breaker for cat.
func (m *Manager) Breaker(cat Category) (*Breaker, error) {
	b, ok := m.breakers[cat]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
	}
	return b, nil
}

// -----------------------------------------------------------------------------
// Recording
// -----------------------------------------------------------------------------

func (m *Manager) record(ctx context.Context, cat Category, label string, success bool, metadata map[string]any) bool {
	allowed := m.breakers[cat].RecordEvent(ctx, label, success, metadata)
	return allowed && !m.HaltActive()
}

// RecordTradeEvent records a trade execution outcome.
func (m *Manager) RecordTradeEvent(ctx context.Context, success bool, metadata map[string]any) bool {
	return m.record(ctx, TradeFailureRate, "trade_execution", success, metadata)
}

// RecordNetworkEvent records an RPC connectivity outcome.
func (m *Manager) RecordNetworkEvent(ctx context.Context, success bool, metadata map[string]any) bool {
	return m.record(ctx, NetworkConnectivity, "network_check", success, metadata)
}

// RecordSlippageEvent records a slippage validation outcome.
func (m *Manager) RecordSlippageEvent(ctx context.Context, success bool, metadata map[string]any) bool {
	return m.record(ctx, SlippageRate, "slippage_check", success, metadata)
}

// RecordHSMEvent records a signing operation outcome.
func (m *Manager) RecordHSMEvent(ctx context.Context, success bool, metadata map[string]any) bool {
	return m.record(ctx, HSMFailureRate, "hsm_operation", success, metadata)
}

// RecordSystemError records an internal error. It always counts as a failure.
func (m *Manager) RecordSystemError(ctx context.Context, errorType string, metadata map[string]any) bool {
	return m.record(ctx, SystemErrorRate, "system_error_"+errorType, false, metadata)
}

// RecordConfirmationEvent records whether a transaction confirmed in time.
func (m *Manager) RecordConfirmationEvent(ctx context.Context, success bool, metadata map[string]any) bool {
	return m.record(ctx, ConfirmationTimeoutRate, "confirmation_check", success, metadata)
}

// RecordVolatilityEvent records a 24h volatility observation. Volatility
// above HighVolatilityPercent counts as a failure, and the value itself is
// checked against the category's absolute threshold.
func (m *Manager) RecordVolatilityEvent(ctx context.Context, volatilityPercent decimal.Decimal, metadata map[string]any) bool {
	high := volatilityPercent.GreaterThan(HighVolatilityPercent)
	md := map[string]any{
		"volatility_percent": volatilityPercent.String(),
		"high_volatility":    high,
	}
	for k, v := range metadata {
		md[k] = v
	}
	allowed := m.breakers[MarketVolatility].RecordMetric(ctx, "volatility_check", !high, volatilityPercent, md)
	return allowed && !m.HaltActive()
}

// -----------------------------------------------------------------------------
// Admission
// -----------------------------------------------------------------------------

// IsTradingAllowed reports whether trading may proceed. The reason names the
// halt or the first open category when it may not.
func (m *Manager) IsTradingAllowed() (bool, string) {
	m.mu.RLock()
	halt := m.halt
	m.mu.RUnlock()
	if halt.Active {
		return false, "System halt active: " + halt.Reason
	}
	for _, cat := range m.order {
		if m.breakers[cat].State() == StateOpen {
			return false, "Circuit breaker open: " + string(cat)
		}
	}
	return true, ""
}

// OpenBreakers lists the open categories in evaluation order.
func (m *Manager) OpenBreakers() []Category {
	return m.inState(StateOpen)
}

func (m *Manager) inState(s State) []Category {
	var out []Category
	for _, cat := range m.order {
		if m.breakers[cat].State() == s {
			out = append(out, cat)
		}
	}
	return out
}

// SystemStatus is the aggregate view returned by the admin API.
type SystemStatus struct {
	TradingAllowed   bool                `json:"trading_allowed"`
	BlockReason      string              `json:"block_reason,omitempty"`
	Halt             HaltState           `json:"system_halt"`
	TotalBreakers    int                 `json:"total_breakers"`
	OpenBreakers     []Category          `json:"open_breakers"`
	HalfOpenBreakers []Category          `json:"half_open_breakers"`
	Breakers         map[Category]Status `json:"breaker_details"`
}

// SystemStatus returns a snapshot of every breaker and the halt.
func (m *Manager) SystemStatus() SystemStatus {
	allowed, reason := m.IsTradingAllowed()
	st := SystemStatus{
		TradingAllowed:   allowed,
		BlockReason:      reason,
		Halt:             m.HaltState(),
		TotalBreakers:    len(m.breakers),
		OpenBreakers:     []Category{},
		HalfOpenBreakers: []Category{},
		Breakers:         make(map[Category]Status, len(m.breakers)),
	}
	for _, cat := range m.order {
		bs := m.breakers[cat].Status()
		st.Breakers[cat] = bs
		switch bs.State {
		case StateOpen:
			st.OpenBreakers = append(st.OpenBreakers, cat)
		case StateHalfOpen:
			st.HalfOpenBreakers = append(st.HalfOpenBreakers, cat)
		}
	}
	return st
}

// -----------------------------------------------------------------------------
// System halt
// -----------------------------------------------------------------------------

// HaltActive reports whether the system-wide halt is on.
func (m *Manager) HaltActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halt.Active
}

// HaltState returns a copy of the halt.
func (m *Manager) HaltState() HaltState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halt
}

// ActivateSystemHalt halts all trading on behalf of an operator. A positive
// duration lifts the halt automatically unless it is lifted or replaced
// first.
func (m *Manager) ActivateSystemHalt(ctx context.Context, reason string, duration time.Duration) {
	m.Halt(ctx, SourceOperator, reason, duration)
}

// Halt activates the system-wide halt on behalf of source.
func (m *Manager) Halt(ctx context.Context, source, reason string, duration time.Duration) {
	now := m.now()

	m.mu.Lock()
	m.haltGen++
	gen := m.haltGen
	if m.haltTimer != nil {
		m.haltTimer.Stop()
		m.haltTimer = nil
	}
	m.halt = HaltState{Active: true, Reason: reason, Source: source, Since: &now}
	if duration > 0 {
		expires := now.Add(duration)
		m.halt.ExpiresAt = &expires
		m.haltTimer = time.AfterFunc(duration, func() {
			m.expireHalt(gen, duration)
		})
	}
	m.mu.Unlock()

	open := m.OpenBreakers()
	m.logger.Error("system-wide trading halt activated",
		"reason", reason, "source", source, "duration", duration.String())
	m.audit.LogEvent(ctx, "system_trading_halt", audit.SeverityCritical, map[string]any{
		"reason":           reason,
		"source":           source,
		"duration_seconds": int64(duration.Seconds()),
		"activated_at":     now.UTC().Format(time.RFC3339),
		"open_breakers":    categoryNames(open),
	})
}

func (m *Manager) expireHalt(gen uint64, duration time.Duration) {
	m.mu.RLock()
	current := m.haltGen == gen && m.halt.Active
	m.mu.RUnlock()
	if !current {
		return
	}
	m.deactivate(context.Background(), gen, "", fmt.Sprintf("automatic_after_%s", duration))
}

// DeactivateSystemHalt lifts the halt regardless of who placed it. It returns
// false when no halt was active.
func (m *Manager) DeactivateSystemHalt(ctx context.Context, reason string) bool {
	return m.deactivate(ctx, 0, "", reason)
}

// LiftHalt lifts the halt only if source placed it.
func (m *Manager) LiftHalt(ctx context.Context, source, reason string) bool {
	return m.deactivate(ctx, 0, source, reason)
}

func (m *Manager) deactivate(ctx context.Context, gen uint64, source, reason string) bool {
	m.mu.Lock()
	if !m.halt.Active ||
		(gen != 0 && m.haltGen != gen) ||
		(source != "" && m.halt.Source != source) {
		m.mu.Unlock()
		return false
	}
	prev := m.halt
	if m.haltTimer != nil {
		m.haltTimer.Stop()
		m.haltTimer = nil
	}
	m.haltGen++
	m.halt = HaltState{}
	m.mu.Unlock()

	var held time.Duration
	if prev.Since != nil {
		held = m.now().Sub(*prev.Since)
	}
	m.logger.Info("system-wide trading halt deactivated",
		"reason", reason, "previous_reason", prev.Reason, "held_for", held.String())
	m.audit.LogEvent(ctx, "system_trading_halt_deactivated", audit.SeverityInfo, map[string]any{
		"reason":          reason,
		"previous_reason": prev.Reason,
		"source":          prev.Source,
		"halt_seconds":    int64(held.Seconds()),
	})
	return true
}

// -----------------------------------------------------------------------------
// Operator overrides
// -----------------------------------------------------------------------------

// ForceOpen trips a closed breaker. It returns whether the state changed.
func (m *Manager) ForceOpen(ctx context.Context, cat Category, reason string) (bool, error) {
	b, err := m.Breaker(cat)
	if err != nil {
		return false, err
	}
	changed := b.forceOpen(ctx, "manual: "+reason)
	if changed {
		m.logger.Warn("circuit breaker force opened", "category", string(cat), "reason", reason)
		m.audit.LogEvent(ctx, "circuit_breaker_force_opened", audit.SeverityWarning, map[string]any{
			"category": string(cat),
			"reason":   reason,
		})
	}
	return changed, nil
}

// ForceClose closes an open or half-open breaker. It returns whether the
// state changed.
func (m *Manager) ForceClose(ctx context.Context, cat Category, reason string) (bool, error) {
	b, err := m.Breaker(cat)
	if err != nil {
		return false, err
	}
	changed := b.forceClose(ctx, "manual: "+reason)
	if changed {
		m.logger.Warn("circuit breaker force closed", "category", string(cat), "reason", reason)
		m.audit.LogEvent(ctx, "circuit_breaker_force_closed", audit.SeverityWarning, map[string]any{
			"category": string(cat),
			"reason":   reason,
		})
	}
	return changed, nil
}

// -----------------------------------------------------------------------------
// Recovery loop
// -----------------------------------------------------------------------------

// CheckRecovery probes every open breaker once.
func (m *Manager) CheckRecovery(ctx context.Context) {
	for _, cat := range m.order {
		b := m.breakers[cat]
		if b.State() == StateOpen {
			b.AttemptRecovery(ctx)
		}
	}
}

// Start runs the recovery loop until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	// Discard a token left by a Stop that raced the previous loop's exit.
	select {
	case <-m.stop:
	default:
	}

	m.logger.Info("circuit breaker recovery loop started",
		"interval", m.interval.String(), "breakers", len(m.breakers))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeCheckRecovery(ctx)
		}
	}
}

// Stop signals the recovery loop to exit. It is a no-op when the loop is not
// running.
func (m *Manager) Stop() {
	if !m.running.Load() {
		return
	}
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

// Running reports whether the recovery loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

func (m *Manager) safeCheckRecovery(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in circuit breaker recovery", "panic", fmt.Sprint(r))
		}
	}()
	m.CheckRecovery(ctx)
}

func categoryNames(cats []Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}
