package slippage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/audit"
	"github.com/goshtasb/xorj-landing-sub001/internal/pricefeed"
	"github.com/goshtasb/xorj-landing-sub001/internal/traces"
	"github.com/goshtasb/xorj-landing-sub001/internal/trade"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	validationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "slippage",
		Name:      "validations_total",
		Help:      "Slippage validations by outcome and violation type.",
	}, []string{"outcome", "violation"})

	estimatePercent = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradeguard",
		Subsystem: "slippage",
		Name:      "estimate_percent",
		Help:      "Estimated slippage percent of validated trades.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(validationsTotal, estimatePercent)
}

const (
	// DefaultMaxRejectionsPerMinute trips the local breaker.
	DefaultMaxRejectionsPerMinute = 10
	rejectionWindow               = time.Minute
)

// BreakerRecorder receives validation outcomes. *circuitbreaker.Manager
// satisfies it.
type BreakerRecorder interface {
	RecordSlippageEvent(ctx context.Context, success bool, metadata map[string]any) bool
	RecordVolatilityEvent(ctx context.Context, volatilityPercent decimal.Decimal, metadata map[string]any) bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(c *Controller) {
		if s != nil {
			c.audit = s
		}
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBreakers reports every validation to the category breakers.
func WithBreakers(r BreakerRecorder) Option {
	return func(c *Controller) { c.breakers = r }
}

// WithMaxRejectionsPerMinute sets the local breaker trip count.
func WithMaxRejectionsPerMinute(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxRejections = n
		}
	}
}

// Controller validates trades against market data. It also runs a local
// breaker that rejects everything once rejections pile up within a minute,
// until an operator resets it.
type Controller struct {
	feed     pricefeed.Feed
	breakers BreakerRecorder
	audit    audit.Sink
	logger   *slog.Logger
	now      func() time.Time

	maxRejections int

	mu          sync.Mutex
	rejections  []time.Time
	active      bool
	activatedAt time.Time
}

// New creates a controller reading from feed.
func New(feed pricefeed.Feed, opts ...Option) *Controller {
	c := &Controller{
		feed:          feed,
		audit:         audit.Nop{},
		logger:        slog.Default(),
		now:           time.Now,
		maxRejections: DefaultMaxRejectionsPerMinute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateTrade analyses t against current market data. It always returns
// an analysis; callers act on Approved.
func (c *Controller) ValidateTrade(ctx context.Context, t *trade.GeneratedTrade, forceRefresh bool) *Analysis {
	ctx, span := traces.StartSpan(ctx, "slippage.validate_trade",
		traces.TradeID(t.TradeID), traces.UserID(t.UserID), traces.Pair(t.Swap.Pair()))
	defer span.End()

	maxSlip := t.Swap.MaxSlippagePercent
	if !maxSlip.IsPositive() {
		maxSlip = DefaultMaxSlippage(t.RiskProfile)
	}
	now := c.now()
	a := &Analysis{
		TradeID:            t.TradeID,
		UserID:             t.UserID,
		FromToken:          t.Swap.FromToken,
		ToToken:            t.Swap.ToToken,
		TradeAmount:        t.Swap.FromAmount,
		MaxAllowedSlippage: maxSlip,
		PassedRules:        []string{},
		FailedRules:        []string{},
		Warnings:           []string{},
		ValidatedAt:        now,
	}

	// A tripped local breaker rejects before touching the feed.
	if c.BreakerActive() {
		a.reject(RuleCircuitBreakerStatus, ViolationCircuitBreakerActive, "Slippage circuit breaker is active")
		a.RiskLevel = RiskExtreme
		c.finish(ctx, a)
		span.SetAttributes(traces.Approved(false))
		return a
	}

	md, err := c.feed.MarketData(ctx, t.Swap.Pair(), forceRefresh)
	if err == nil {
		err = md.Validate()
	}
	if err != nil {
		traces.Fail(span, err)
		return c.failed(ctx, a, t, err)
	}

	est := EstimateSlippage(t.Swap.FromAmount, md)
	impact := MarketImpact(est.TradeUSD, md.Volume24h)

	a.TradeUSD = est.TradeUSD
	a.CurrentPrice = md.Price
	a.ExpectedPrice = est.ExpectedPrice
	a.EstimatedSlippagePercent = est.SlippagePercent
	a.MarketImpactPercent = impact
	a.LiquidityDepth = md.LiquidityDepth
	a.Volatility24h = md.Volatility24h
	a.PriceTimestamp = md.Timestamp
	a.RiskLevel = AssessRisk(est.SlippagePercent, impact, md.Volatility24h)

	c.logger.Debug("slippage estimated",
		"trade_id", t.TradeID,
		"trade_value_usd", est.TradeUSD.String(),
		"price_impact", est.PriceImpact.String(),
		"spread_impact", est.SpreadImpact.String(),
		"volatility_impact", est.VolatilityImpact.String(),
		"estimated_slippage_percent", est.SlippagePercent.String())

	c.applyRules(a, now)
	c.finish(ctx, a)

	if c.breakers != nil {
		c.breakers.RecordVolatilityEvent(ctx, md.Volatility24h, map[string]any{
			"trade_id": t.TradeID,
			"pair":     t.Swap.Pair(),
		})
	}
	span.SetAttributes(traces.Approved(a.Approved))
	return a
}

// applyRules evaluates every rule in order and records each outcome.
func (c *Controller) applyRules(a *Analysis, now time.Time) {
	a.pass(RuleCircuitBreakerStatus)

	if age := now.Sub(a.PriceTimestamp); age < MaxPriceAge {
		a.pass(RulePriceFreshness)
	} else {
		a.reject(RulePriceFreshness, ViolationPriceStaleness,
			fmt.Sprintf("Price data too stale for safe execution (%s old)", age.Truncate(time.Second)))
	}

	if a.Volatility24h.LessThanOrEqual(MaxVolatilityPercent) {
		a.pass(RuleVolatility)
	} else {
		a.reject(RuleVolatility, ViolationVolatilityTooHigh,
			fmt.Sprintf("Market too volatile: %s%% (max %s%%)", a.Volatility24h, MaxVolatilityPercent))
	}

	minLiquidity := a.TradeUSD.Mul(LiquidityMultiple)
	if a.LiquidityDepth.GreaterThanOrEqual(minLiquidity) {
		a.pass(RuleLiquidityDepth)
	} else {
		a.reject(RuleLiquidityDepth, ViolationLiquidityInsufficient,
			fmt.Sprintf("Insufficient liquidity: %s < %s", a.LiquidityDepth, minLiquidity))
	}

	if a.MarketImpactPercent.LessThanOrEqual(MaxMarketImpactPercent) {
		a.pass(RuleMarketImpact)
	} else {
		a.reject(RuleMarketImpact, ViolationMarketImpactTooHigh,
			fmt.Sprintf("Market impact %s%% too high (max %s%%)", a.MarketImpactPercent, MaxMarketImpactPercent))
	}

	if a.EstimatedSlippagePercent.LessThanOrEqual(AbsoluteMaxSlippagePercent) {
		a.pass(RuleAbsoluteSlippage)
	} else {
		a.reject(RuleAbsoluteSlippage, ViolationExcessiveSlippage,
			fmt.Sprintf("Estimated slippage %s%% exceeds absolute maximum %s%%", a.EstimatedSlippagePercent, AbsoluteMaxSlippagePercent))
	}

	if a.EstimatedSlippagePercent.LessThanOrEqual(a.MaxAllowedSlippage) {
		a.pass(RuleUserSlippage)
	} else {
		a.reject(RuleUserSlippage, ViolationExcessiveSlippage,
			fmt.Sprintf("Estimated slippage %s%% exceeds maximum allowed %s%%", a.EstimatedSlippagePercent, a.MaxAllowedSlippage))
	}

	a.Approved = len(a.FailedRules) == 0
	if a.Approved && a.RiskLevel == RiskHigh {
		a.Warnings = append(a.Warnings, WarningHighRiskApproved)
	}
}

// failed builds the worst-case analysis used when market data is missing.
func (c *Controller) failed(ctx context.Context, a *Analysis, t *trade.GeneratedTrade, err error) *Analysis {
	a.CurrentPrice = decimal.Zero
	a.ExpectedPrice = decimal.Zero
	a.EstimatedSlippagePercent = worstCasePercent
	a.MarketImpactPercent = worstCasePercent
	a.LiquidityDepth = decimal.Zero
	a.Volatility24h = worstCasePercent
	a.PriceTimestamp = a.ValidatedAt
	a.RiskLevel = RiskExtreme
	a.Approved = false
	a.Violation = ViolationMarketDataUnavailable
	a.RejectionReason = "Slippage validation error: " + err.Error()

	c.logger.Error("slippage validation failed",
		"trade_id", t.TradeID, "user_id", t.UserID, "error", err)
	c.audit.LogEvent(ctx, "slippage_validation_error", audit.SeverityError, map[string]any{
		"trade_id":       t.TradeID,
		"user_id":        t.UserID,
		"wallet_address": t.VaultAddress,
		"error":          err.Error(),
		"operation":      "slippage_validation",
	})
	validationsTotal.WithLabelValues("error", string(a.Violation)).Inc()

	c.trackRejection(ctx)
	if c.breakers != nil {
		c.breakers.RecordSlippageEvent(ctx, false, map[string]any{
			"trade_id": t.TradeID,
			"error":    err.Error(),
		})
	}
	return a
}

// finish logs, audits, counts and feeds the breakers.
func (c *Controller) finish(ctx context.Context, a *Analysis) {
	outcome := "approved"
	if !a.Approved {
		outcome = "rejected"
	}
	validationsTotal.WithLabelValues(outcome, string(a.Violation)).Inc()
	if a.Violation != ViolationCircuitBreakerActive {
		estimatePercent.Observe(a.EstimatedSlippagePercent.InexactFloat64())
	}

	c.logger.Info("slippage validation complete",
		"trade_id", a.TradeID,
		"user_id", a.UserID,
		"approved", a.Approved,
		"risk_level", string(a.RiskLevel),
		"passed_rules", len(a.PassedRules),
		"failed_rules", len(a.FailedRules),
		"warnings", len(a.Warnings),
		"rejection_reason", a.RejectionReason)

	if a.Approved {
		c.audit.LogEvent(ctx, "slippage_validation_passed", audit.SeverityInfo, a.auditPayload())
	} else {
		kind := string(a.Violation)
		if kind == "" {
			kind = "slippage_violation"
		}
		c.audit.LogEvent(ctx, kind, audit.SeverityWarning, a.auditPayload())
		c.trackRejection(ctx)
	}

	if c.breakers != nil {
		c.breakers.RecordSlippageEvent(ctx, a.Approved, map[string]any{
			"trade_id":                   a.TradeID,
			"estimated_slippage_percent": a.EstimatedSlippagePercent.String(),
			"violation_type":             string(a.Violation),
		})
	}
}

// -----------------------------------------------------------------------------
// Local rejection breaker
// -----------------------------------------------------------------------------

func (c *Controller) trackRejection(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	c.rejections = append(c.rejections, now)
	c.pruneLocked(now)
	count := len(c.rejections)
	trip := !c.active && count >= c.maxRejections
	if trip {
		c.active = true
		c.activatedAt = now
	}
	c.mu.Unlock()

	if trip {
		c.logger.Error("slippage circuit breaker activated",
			"reason", "excessive_slippage_rejections", "rejections_per_minute", count)
		c.audit.LogEvent(ctx, "slippage_circuit_breaker_activated", audit.SeverityCritical, map[string]any{
			"reason":                "excessive_slippage_rejections",
			"rejections_per_minute": count,
			"activation_time":       now.UTC().Format(time.RFC3339),
		})
	}
}

func (c *Controller) pruneLocked(now time.Time) {
	cutoff := now.Add(-rejectionWindow)
	i := 0
	for i < len(c.rejections) && !c.rejections[i].After(cutoff) {
		i++
	}
	c.rejections = c.rejections[i:]
}

// BreakerActive reports whether the local breaker is rejecting everything.
func (c *Controller) BreakerActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// DeactivateBreaker resets the local breaker and its rejection window. It
// returns false when the breaker was not active.
func (c *Controller) DeactivateBreaker(ctx context.Context, reason string) bool {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}
	c.active = false
	c.activatedAt = time.Time{}
	c.rejections = nil
	c.mu.Unlock()

	if reason == "" {
		reason = "manual_override"
	}
	c.logger.Info("slippage circuit breaker deactivated", "reason", reason)
	c.audit.LogEvent(ctx, "slippage_circuit_breaker_deactivated", audit.SeverityInfo, map[string]any{
		"reason":            reason,
		"deactivation_time": c.now().UTC().Format(time.RFC3339),
	})
	return true
}

// BreakerStatus is the local breaker snapshot.
type BreakerStatus struct {
	Active                 bool       `json:"active"`
	ActivatedAt            *time.Time `json:"activated_at,omitempty"`
	RecentRejections       int        `json:"recent_rejections"`
	MaxRejectionsPerMinute int        `json:"max_rejections_per_minute"`
	WindowSeconds          int        `json:"time_window_seconds"`
}

// BreakerStatus returns the local breaker state.
func (c *Controller) BreakerStatus() BreakerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	st := BreakerStatus{
		Active:                 c.active,
		RecentRejections:       len(c.rejections),
		MaxRejectionsPerMinute: c.maxRejections,
		WindowSeconds:          int(rejectionWindow.Seconds()),
	}
	if c.active {
		at := c.activatedAt
		st.ActivatedAt = &at
	}
	return st
}
