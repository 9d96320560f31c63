package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/audit"
	"github.com/goshtasb/xorj-landing-sub001/internal/chain"
	"github.com/goshtasb/xorj-landing-sub001/internal/traces"
	"github.com/goshtasb/xorj-landing-sub001/internal/trade"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
)

var (
	outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "confirmation",
		Name:      "outcomes_total",
		Help:      "Terminal outcomes of monitored transactions.",
	}, []string{"outcome"})

	activeMonitors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "confirmation",
		Name:      "active_monitors",
		Help:      "Transactions currently being monitored.",
	})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "confirmation",
		Name:      "retries_total",
		Help:      "Scheduled retries by strategy.",
	}, []string{"strategy"})
)

func init() {
	prometheus.MustRegister(outcomesTotal, activeMonitors, retriesTotal)
}

var (
	ErrInvalidSignature = errors.New("confirmation: transaction signature required")
	ErrAlreadyMonitored = errors.New("confirmation: transaction already monitored")
	ErrUnknownMonitor   = errors.New("confirmation: unknown monitor")
)

// ChainError wraps a failed chain interaction for one signature.
type ChainError struct {
	Op        string
	Signature string
	Err       error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("confirmation: %s failed (signature: %s): %v", e.Op, e.Signature, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// StatusQuerier reports the on-chain status of a signature. *chain.Client
// satisfies it.
type StatusQuerier interface {
	TransactionStatus(ctx context.Context, signature string) (chain.TxStatus, error)
}

// BreakerRecorder receives confirmation outcomes. *circuitbreaker.Manager
// satisfies it.
type BreakerRecorder interface {
	RecordTradeEvent(ctx context.Context, success bool, metadata map[string]any) bool
	RecordNetworkEvent(ctx context.Context, success bool, metadata map[string]any) bool
	RecordConfirmationEvent(ctx context.Context, success bool, metadata map[string]any) bool
}

// Replacer re-derives, re-signs and resubmits a transaction, returning the
// new signature. Resubmission needs the signer, so the monitor delegates it.
type Replacer func(ctx context.Context, tx Transaction) (string, error)

// Defaults.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxRetries   = 5
	DefaultWorkers      = 8
	completedCacheSize  = 1024
)

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(m *Monitor) {
		if s != nil {
			m.audit = s
		}
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBreakers reports outcomes to the category breakers.
func WithBreakers(r BreakerRecorder) Option {
	return func(m *Monitor) { m.breakers = r }
}

// WithReplacer sets the resubmission callback used by ReplaceTransaction
// retries. Without one, a replace retry re-polls the original signature.
func WithReplacer(r Replacer) Option {
	return func(m *Monitor) { m.replacer = r }
}

// WithPollInterval sets the poll loop period.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMaxRetries sets the retry budget of new monitors.
func WithMaxRetries(n int) Option {
	return func(m *Monitor) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithWorkers bounds concurrent status queries per pass.
func WithWorkers(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.workers = n
		}
	}
}

// Monitor tracks submitted transactions until they resolve. All monitor
// state sits behind one mutex; chain I/O happens outside it.
type Monitor struct {
	querier    StatusQuerier
	breakers   BreakerRecorder
	replacer   Replacer
	audit      audit.Sink
	logger     *slog.Logger
	now        func() time.Time
	interval   time.Duration
	maxRetries int
	workers    int

	mu        sync.Mutex
	active    map[string]*Transaction
	completed *lru.Cache[string, Transaction]

	// passMu keeps poll passes from overlapping so each transaction has a
	// single owner per tick.
	passMu  sync.Mutex
	running atomic.Bool
	stop    chan struct{}
}

// New creates a Monitor that queries status through q.
func New(q StatusQuerier, opts ...Option) *Monitor {
	completed, _ := lru.New[string, Transaction](completedCacheSize)
	m := &Monitor{
		querier:    q,
		audit:      audit.Nop{},
		logger:     slog.Default(),
		now:        time.Now,
		interval:   DefaultPollInterval,
		maxRetries: DefaultMaxRetries,
		workers:    DefaultWorkers,
		active:     make(map[string]*Transaction),
		completed:  completed,
		stop:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MonitorID derives the monitor key for a trade and signature.
func MonitorID(tradeID, signature string) string {
	return tradeID + ":" + signaturePrefix(signature)
}

// Track starts monitoring a submitted transaction and returns its monitor id.
func (m *Monitor) Track(ctx context.Context, t trade.GeneratedTrade, signature string, valueUSD decimal.Decimal) (string, error) {
	if signature == "" {
		return "", ErrInvalidSignature
	}
	id := MonitorID(t.TradeID, signature)
	now := m.now()
	tx := &Transaction{
		MonitorID:   id,
		TradeID:     t.TradeID,
		UserID:      t.UserID,
		Signature:   signature,
		ValueUSD:    valueUSD,
		SubmittedAt: now,
		State:       StateSubmitted,
		MaxRetries:  m.maxRetries,
		Requirement: ForTradeValue(valueUSD),
	}
	tx.record(now, "submitted", "")

	m.mu.Lock()
	if _, ok := m.active[id]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyMonitored, id)
	}
	m.active[id] = tx
	n := len(m.active)
	m.mu.Unlock()
	activeMonitors.Set(float64(n))

	m.logger.Info("transaction monitoring started",
		"monitor_id", id, "trade_id", t.TradeID,
		"min_confirmations", tx.Requirement.MinConfirmations,
		"max_wait", tx.Requirement.MaxWait.String())
	m.audit.LogEvent(ctx, "transaction_monitoring_started", audit.SeverityInfo, map[string]any{
		"monitor_id":            id,
		"trade_id":              t.TradeID,
		"user_id":               t.UserID,
		"transaction_signature": signature,
		"trade_value_usd":       valueUSD.String(),
		"min_confirmations":     tx.Requirement.MinConfirmations,
		"max_wait_seconds":      int(tx.Requirement.MaxWait.Seconds()),
		"require_finalization":  tx.Requirement.RequireFinalization,
	})
	return id, nil
}

// Status returns the monitor with the given id, active or recently
// completed.
func (m *Monitor) Status(id string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.active[id]; ok {
		return tx.clone(), true
	}
	return m.completed.Get(id)
}

// Active returns a snapshot of every active monitor keyed by id.
func (m *Monitor) Active() map[string]Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Transaction, len(m.active))
	for id, tx := range m.active {
		out[id] = tx.clone()
	}
	return out
}

// ActiveCount returns the number of active monitors.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ForceComplete stops monitoring id without waiting for resolution. It
// returns false when id is not active.
func (m *Monitor) ForceComplete(ctx context.Context, id, reason string) bool {
	m.mu.Lock()
	tx, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	snap := m.finishLocked(tx, "force_completed", reason)
	n := len(m.active)
	m.mu.Unlock()
	activeMonitors.Set(float64(n))

	m.logger.Warn("transaction monitoring force completed",
		"monitor_id", id, "state", string(snap.State), "reason", reason)
	m.audit.LogEvent(ctx, "transaction_monitoring_force_completed", audit.SeverityWarning, map[string]any{
		"monitor_id":    id,
		"trade_id":      snap.TradeID,
		"final_state":   string(snap.State),
		"confirmations": snap.Confirmations,
		"reason":        reason,
	})
	return true
}

// ForceCompleteAll force-completes every active monitor and returns how
// many were removed.
func (m *Monitor) ForceCompleteAll(ctx context.Context, reason string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.ForceComplete(ctx, id, reason) {
			n++
		}
	}
	return n
}

// finishLocked removes tx from the active set and remembers its final
// snapshot. Caller holds m.mu.
func (m *Monitor) finishLocked(tx *Transaction, event, note string) Transaction {
	now := m.now()
	tx.CompletedAt = &now
	tx.NextRetryAt = nil
	tx.record(now, event, note)
	delete(m.active, tx.MonitorID)
	snap := tx.clone()
	m.completed.Add(tx.MonitorID, snap)
	return snap
}

// -----------------------------------------------------------------------------
// Poll pass
// -----------------------------------------------------------------------------

type pollKind int

const (
	pollStatus pollKind = iota
	pollReplace
)

type pollJob struct {
	id        string
	kind      pollKind
	signature string
	stuckDue  bool
	snapshot  Transaction
}

type pollResult struct {
	job       pollJob
	status    chain.TxStatus
	err       error
	newSig    string
	rechecked bool
}

// CheckAll runs one poll pass over every active monitor.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	jobs, effects := m.planPass(ctx)
	ctx, span := traces.StartSpan(ctx, "confirmation.poll", traces.ActiveMonitors(len(jobs)))
	defer span.End()
	runEffects(effects)
	if len(jobs) == 0 {
		return
	}

	p := pool.NewWithResults[pollResult]().WithMaxGoroutines(m.workers)
	for _, job := range jobs {
		p.Go(func() pollResult { return m.execute(ctx, job) })
	}
	results := p.Wait()

	var networkOK bool
	var applied []func()
	m.mu.Lock()
	for _, res := range results {
		if res.err == nil && res.job.kind == pollStatus {
			networkOK = true
		}
		applied = append(applied, m.applyLocked(ctx, res)...)
	}
	n := len(m.active)
	m.mu.Unlock()
	activeMonitors.Set(float64(n))

	if networkOK && m.breakers != nil {
		m.breakers.RecordNetworkEvent(ctx, true, map[string]any{"source": "confirmation_poll"})
	}
	runEffects(applied)
}

func runEffects(effects []func()) {
	for _, fn := range effects {
		fn()
	}
}

// planPass decides what each monitor needs this tick. Expiry of monitors
// waiting on a retry is handled here without I/O.
func (m *Monitor) planPass(ctx context.Context) ([]pollJob, []func()) {
	now := m.now()
	var jobs []pollJob
	var effects []func()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tx := range m.active {
		if tx.State == StateFailed {
			if tx.IsExpired(now) {
				effects = append(effects, m.expireLocked(ctx, tx))
				continue
			}
			if !tx.retryDue(now) {
				continue
			}
			kind := pollStatus
			if tx.RetryStrategy == ReplaceTransaction && m.replacer != nil {
				kind = pollReplace
			}
			jobs = append(jobs, pollJob{id: id, kind: kind, signature: tx.Signature, snapshot: tx.clone()})
			continue
		}
		jobs = append(jobs, pollJob{
			id:        id,
			kind:      pollStatus,
			signature: tx.Signature,
			stuckDue:  !tx.Stuck && tx.IsStuck(now),
			snapshot:  tx.clone(),
		})
	}
	if len(effects) > 0 {
		activeMonitors.Set(float64(len(m.active)))
	}
	return jobs, effects
}

// execute performs the I/O for one job.
func (m *Monitor) execute(ctx context.Context, job pollJob) pollResult {
	res := pollResult{job: job}
	switch job.kind {
	case pollReplace:
		sig, err := m.replacer(ctx, job.snapshot)
		if err != nil {
			res.err = &ChainError{Op: "replace", Signature: job.signature, Err: err}
			return res
		}
		res.newSig = sig
		return res
	default:
		st, err := m.querier.TransactionStatus(ctx, job.signature)
		if err != nil {
			res.err = &ChainError{Op: "status", Signature: job.signature, Err: err}
			return res
		}
		if job.stuckDue && !st.Failed && st.Confirmations == 0 {
			// Re-check before declaring the transaction stuck.
			if again, err := m.querier.TransactionStatus(ctx, job.signature); err == nil {
				st = again
				res.rechecked = true
			}
		}
		res.status = st
		return res
	}
}

// applyLocked folds one result into its monitor and returns the side
// effects to run once the lock is released. Caller holds m.mu.
func (m *Monitor) applyLocked(ctx context.Context, res pollResult) []func() {
	tx, ok := m.active[res.job.id]
	if !ok || tx.Signature != res.job.signature {
		// Force completed or replaced while the query was in flight.
		return nil
	}
	now := m.now()
	checked := now
	tx.LastCheckedAt = &checked

	if res.job.kind == pollReplace {
		return m.applyReplaceLocked(ctx, tx, res, now)
	}

	if res.err != nil {
		tx.ErrorCount++
		tx.LastError = NetworkError
		tx.LastErrorMessage = res.err.Error()
		var effects []func()
		if m.breakers != nil {
			sig := tx.Signature
			effects = append(effects, func() {
				m.breakers.RecordNetworkEvent(ctx, false, map[string]any{
					"source": "confirmation_poll", "signature": sig, "error": res.err.Error(),
				})
			})
		}
		m.logger.Warn("transaction status query failed",
			"monitor_id", tx.MonitorID, "error", res.err)
		if tx.IsExpired(now) {
			effects = append(effects, m.expireLocked(ctx, tx))
		}
		return effects
	}

	st := res.status
	tx.Confirmations = st.Confirmations
	tx.BlockHeight = st.BlockHeight
	tx.Finalized = st.Finalized

	switch {
	case st.Failed:
		msg := st.Error
		if msg == "" {
			msg = "transaction failed"
		}
		return []func(){m.failLocked(ctx, tx, Classify(msg), msg)}
	case tx.IsConfirmed():
		return []func(){m.confirmLocked(ctx, tx)}
	case tx.IsExpired(now):
		return []func(){m.expireLocked(ctx, tx)}
	case res.job.stuckDue && tx.Confirmations == 0:
		tx.Stuck = true
		tx.record(now, "stuck", fmt.Sprintf("no confirmations after %s", StuckThreshold))
		m.logger.Warn("transaction stuck", "monitor_id", tx.MonitorID, "rechecked", res.rechecked)
		return []func(){m.failLocked(ctx, tx, BlockhashExpired, "transaction stuck without confirmations")}
	default:
		if tx.State != StatePending {
			tx.State = StatePending
			tx.record(now, "pending", "")
		}
		if tx.Confirmations > 0 {
			tx.Stuck = false
		}
		tx.NextRetryAt = nil
		return nil
	}
}

func (m *Monitor) applyReplaceLocked(ctx context.Context, tx *Transaction, res pollResult, now time.Time) []func() {
	if res.err != nil {
		msg := res.err.Error()
		return []func(){m.failLocked(ctx, tx, Classify(msg), msg)}
	}
	old := tx.Signature
	tx.Signature = res.newSig
	tx.SubmittedAt = now
	tx.Confirmations = 0
	tx.BlockHeight = 0
	tx.Finalized = false
	tx.Stuck = false
	tx.State = StateSubmitted
	tx.NextRetryAt = nil
	tx.record(now, "replaced", old+" -> "+res.newSig)
	m.logger.Info("transaction replaced",
		"monitor_id", tx.MonitorID, "old_signature", old, "new_signature", res.newSig)
	return nil
}

// failLocked records a failure and either schedules a retry or finishes the
// monitor. Caller holds m.mu.
func (m *Monitor) failLocked(ctx context.Context, tx *Transaction, kind ErrorType, msg string) func() {
	now := m.now()
	tx.State = StateFailed
	tx.ErrorCount++
	tx.LastError = kind
	tx.LastErrorMessage = msg
	strategy := StrategyFor(kind)
	tx.RetryStrategy = strategy

	if strategy != NoRetry && tx.RetryCount < tx.MaxRetries {
		tx.RetryCount++
		next := now.Add(RetryDelay(strategy, kind, tx.RetryCount))
		tx.NextRetryAt = &next
		tx.record(now, "retry_scheduled", string(strategy))
		payload := map[string]any{
			"monitor_id":    tx.MonitorID,
			"trade_id":      tx.TradeID,
			"error_type":    string(kind),
			"error":         msg,
			"strategy":      string(strategy),
			"retry_count":   tx.RetryCount,
			"max_retries":   tx.MaxRetries,
			"next_retry_at": next.UTC().Format(time.RFC3339),
		}
		return func() {
			retriesTotal.WithLabelValues(string(strategy)).Inc()
			m.logger.Warn("transaction retry scheduled",
				"monitor_id", payload["monitor_id"], "error_type", string(kind),
				"strategy", string(strategy), "retry_count", payload["retry_count"])
			m.audit.LogEvent(ctx, "transaction_retry_scheduled", audit.SeverityWarning, payload)
		}
	}

	snap := m.finishLocked(tx, "failed", msg)
	return func() {
		outcomesTotal.WithLabelValues("failed").Inc()
		m.logger.Error("transaction permanently failed",
			"monitor_id", snap.MonitorID, "trade_id", snap.TradeID,
			"error_type", string(kind), "retry_count", snap.RetryCount, "error", msg)
		m.audit.LogEvent(ctx, "transaction_permanent_failure", audit.SeverityError, map[string]any{
			"monitor_id":  snap.MonitorID,
			"trade_id":    snap.TradeID,
			"signature":   snap.Signature,
			"error_type":  string(kind),
			"error":       msg,
			"retry_count": snap.RetryCount,
			"strategy":    string(strategy),
		})
		if m.breakers != nil {
			m.breakers.RecordTradeEvent(ctx, false, map[string]any{
				"monitor_id": snap.MonitorID, "trade_id": snap.TradeID, "error_type": string(kind),
			})
		}
	}
}

func (m *Monitor) confirmLocked(ctx context.Context, tx *Transaction) func() {
	tx.State = StateConfirmed
	tx.Stuck = false
	snap := m.finishLocked(tx, "confirmed", "")
	elapsed := snap.CompletedAt.Sub(snap.SubmittedAt)
	return func() {
		outcomesTotal.WithLabelValues("confirmed").Inc()
		m.logger.Info("transaction confirmed",
			"monitor_id", snap.MonitorID, "confirmations", snap.Confirmations,
			"elapsed", elapsed.String())
		m.audit.LogEvent(ctx, "transaction_confirmed", audit.SeverityInfo, map[string]any{
			"monitor_id":      snap.MonitorID,
			"trade_id":        snap.TradeID,
			"signature":       snap.Signature,
			"confirmations":   snap.Confirmations,
			"block_height":    snap.BlockHeight,
			"finalized":       snap.Finalized,
			"elapsed_seconds": elapsed.Seconds(),
		})
		if m.breakers != nil {
			md := map[string]any{"monitor_id": snap.MonitorID, "trade_id": snap.TradeID}
			m.breakers.RecordTradeEvent(ctx, true, md)
			m.breakers.RecordConfirmationEvent(ctx, true, md)
		}
	}
}

func (m *Monitor) expireLocked(ctx context.Context, tx *Transaction) func() {
	tx.State = StateExpired
	tx.LastError = TimeoutError
	tx.LastErrorMessage = fmt.Sprintf("not confirmed within %s", tx.Requirement.MaxWait)
	snap := m.finishLocked(tx, "expired", tx.LastErrorMessage)
	return func() {
		outcomesTotal.WithLabelValues("expired").Inc()
		m.logger.Error("transaction confirmation timed out",
			"monitor_id", snap.MonitorID, "confirmations", snap.Confirmations,
			"required", snap.Requirement.MinConfirmations)
		m.audit.LogEvent(ctx, "transaction_timeout", audit.SeverityError, map[string]any{
			"monitor_id":        snap.MonitorID,
			"trade_id":          snap.TradeID,
			"signature":         snap.Signature,
			"confirmations":     snap.Confirmations,
			"min_confirmations": snap.Requirement.MinConfirmations,
			"max_wait_seconds":  int(snap.Requirement.MaxWait.Seconds()),
		})
		if m.breakers != nil {
			md := map[string]any{"monitor_id": snap.MonitorID, "trade_id": snap.TradeID, "reason": "timeout"}
			m.breakers.RecordTradeEvent(ctx, false, md)
			m.breakers.RecordConfirmationEvent(ctx, false, md)
		}
	}
}

// -----------------------------------------------------------------------------
// Poll loop
// -----------------------------------------------------------------------------

// Start runs the poll loop until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	// Discard a token left by a Stop that raced the previous loop's exit.
	select {
	case <-m.stop:
	default:
	}

	m.logger.Info("confirmation monitor started", "interval", m.interval.String(), "workers", m.workers)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeCheckAll(ctx)
		}
	}
}

// Stop signals the poll loop to exit. It is a no-op when the loop is not
// running.
func (m *Monitor) Stop() {
	if !m.running.Load() {
		return
	}
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

func (m *Monitor) safeCheckAll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in confirmation monitor", "panic", fmt.Sprint(r))
		}
	}()
	m.CheckAll(ctx)
}
