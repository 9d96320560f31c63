// Package slippage validates proposed swaps against live market data before
// they are admitted for execution.
package slippage

import (
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/trade"
	"github.com/shopspring/decimal"
)

// RiskLevel buckets the worst of slippage, market impact and scaled
// volatility.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskExtreme  RiskLevel = "extreme"
)

// Violation names the rule family that rejected a trade.
type Violation string

const (
	ViolationExcessiveSlippage     Violation = "excessive_slippage"
	ViolationMarketImpactTooHigh   Violation = "market_impact_too_high"
	ViolationLiquidityInsufficient Violation = "liquidity_insufficient"
	ViolationPriceStaleness        Violation = "price_staleness"
	ViolationVolatilityTooHigh     Violation = "volatility_too_high"
	ViolationCircuitBreakerActive  Violation = "circuit_breaker_active"
	ViolationMarketDataUnavailable Violation = "market_data_unavailable"
)

// Rule names, in evaluation order.
const (
	RuleCircuitBreakerStatus = "circuit_breaker_status"
	RulePriceFreshness       = "price_data_freshness"
	RuleVolatility           = "volatility_threshold"
	RuleLiquidityDepth       = "liquidity_depth_requirement"
	RuleMarketImpact         = "market_impact_limit"
	RuleAbsoluteSlippage     = "absolute_slippage_limit"
	RuleUserSlippage         = "user_slippage_limit"
)

// WarningHighRiskApproved is attached to approved trades assessed at High risk.
const WarningHighRiskApproved = "high_risk_slippage_approved"

var (
	// AbsoluteMaxSlippagePercent is the ceiling no user setting can exceed.
	AbsoluteMaxSlippagePercent = decimal.NewFromInt(5)
	// MaxMarketImpactPercent is the largest tolerated share of 24h volume impact.
	MaxMarketImpactPercent = decimal.NewFromInt(5)
	// MaxVolatilityPercent is the largest tolerated 24h volatility.
	MaxVolatilityPercent = decimal.NewFromInt(30)
	// LiquidityMultiple is the minimum depth as a multiple of trade value.
	LiquidityMultiple = decimal.NewFromInt(10)
	// MaxPriceAge is the oldest market snapshot a decision may use.
	MaxPriceAge = 30 * time.Second
)

// DefaultMaxSlippage returns the slippage limit for a risk profile. Unknown
// or empty profiles get the conservative limit.
func DefaultMaxSlippage(p trade.RiskProfile) decimal.Decimal {
	switch p {
	case trade.RiskModerate:
		return decimal.NewFromInt(1)
	case trade.RiskAggressive:
		return decimal.NewFromInt(2)
	default:
		return decimal.RequireFromString("0.5")
	}
}

// Analysis is the outcome of validating one trade. It is built fresh per
// call; only the decision fields are written after the estimates.
type Analysis struct {
	TradeID     string          `json:"trade_id"`
	UserID      string          `json:"user_id"`
	FromToken   string          `json:"from_token"`
	ToToken     string          `json:"to_token"`
	TradeAmount decimal.Decimal `json:"trade_amount"`
	TradeUSD    decimal.Decimal `json:"trade_value_usd"`

	CurrentPrice             decimal.Decimal `json:"current_price"`
	ExpectedPrice            decimal.Decimal `json:"expected_price"`
	EstimatedSlippagePercent decimal.Decimal `json:"estimated_slippage_percent"`
	MaxAllowedSlippage       decimal.Decimal `json:"max_allowed_slippage"`

	MarketImpactPercent decimal.Decimal `json:"market_impact_percent"`
	LiquidityDepth      decimal.Decimal `json:"liquidity_depth"`
	Volatility24h       decimal.Decimal `json:"price_volatility_24h"`
	PriceTimestamp      time.Time       `json:"last_price_update"`

	RiskLevel RiskLevel `json:"risk_level"`
	Violation Violation `json:"violation_type,omitempty"`

	Approved        bool     `json:"approved"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	PassedRules     []string `json:"passed_rules"`
	FailedRules     []string `json:"failed_rules"`
	Warnings        []string `json:"warnings"`

	ValidatedAt time.Time `json:"validated_at"`
}

// reject records a failed rule. The first failure decides the violation and
// reason.
func (a *Analysis) reject(rule string, v Violation, reason string) {
	a.FailedRules = append(a.FailedRules, rule)
	if a.Violation == "" && a.RejectionReason == "" {
		a.Violation = v
		a.RejectionReason = reason
	}
}

func (a *Analysis) pass(rule string) {
	a.PassedRules = append(a.PassedRules, rule)
}

// auditPayload flattens the analysis for the audit trail.
func (a *Analysis) auditPayload() map[string]any {
	return map[string]any{
		"trade_id":                   a.TradeID,
		"user_id":                    a.UserID,
		"pair":                       a.FromToken + "/" + a.ToToken,
		"trade_amount":               a.TradeAmount.String(),
		"trade_value_usd":            a.TradeUSD.String(),
		"current_price":              a.CurrentPrice.String(),
		"expected_price":             a.ExpectedPrice.String(),
		"estimated_slippage_percent": a.EstimatedSlippagePercent.String(),
		"max_allowed_slippage":       a.MaxAllowedSlippage.String(),
		"market_impact_percent":      a.MarketImpactPercent.String(),
		"liquidity_depth":            a.LiquidityDepth.String(),
		"price_volatility_24h":       a.Volatility24h.String(),
		"risk_level":                 string(a.RiskLevel),
		"violation_type":             string(a.Violation),
		"approved":                   a.Approved,
		"rejection_reason":           a.RejectionReason,
		"passed_rules":               a.PassedRules,
		"failed_rules":               a.FailedRules,
		"warnings":                   a.Warnings,
	}
}
