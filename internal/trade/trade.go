// Package trade defines the trade intents that flow through the safety layer.
package trade

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTrade     = errors.New("trade: invalid trade")
	ErrNonPositiveValue = errors.New("trade: amount must be positive")
)

// RiskProfile selects a default slippage limit when a swap carries none.
type RiskProfile string

const (
	RiskConservative RiskProfile = "conservative"
	RiskModerate     RiskProfile = "moderate"
	RiskAggressive   RiskProfile = "aggressive"
)

// SwapInstruction is a single token swap proposed by trade generation.
type SwapInstruction struct {
	FromToken          string          `json:"from_token" validate:"required,max=32"`
	ToToken            string          `json:"to_token" validate:"required,max=32,nefield=FromToken"`
	FromAmount         decimal.Decimal `json:"from_amount"`
	MaxSlippagePercent decimal.Decimal `json:"max_slippage_percent"`
}

// Pair returns the market pair key used by price feeds ("SOL/USDC").
func (s SwapInstruction) Pair() string {
	return s.FromToken + "/" + s.ToToken
}

// GeneratedTrade is a trade ready for admission.
type GeneratedTrade struct {
	TradeID      string          `json:"trade_id" validate:"required,max=128"`
	UserID       string          `json:"user_id" validate:"required,max=128"`
	VaultAddress string          `json:"vault_address,omitempty" validate:"omitempty,max=128"`
	RiskProfile  RiskProfile     `json:"risk_profile,omitempty" validate:"omitempty,oneof=conservative moderate aggressive"`
	Swap         SwapInstruction `json:"swap" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags plus the decimal fields the tag validator
// cannot see.
func (t *GeneratedTrade) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	if !t.Swap.FromAmount.IsPositive() {
		return fmt.Errorf("%w: %w", ErrInvalidTrade, ErrNonPositiveValue)
	}
	if t.Swap.MaxSlippagePercent.IsNegative() {
		return fmt.Errorf("%w: max slippage must not be negative", ErrInvalidTrade)
	}
	return nil
}
