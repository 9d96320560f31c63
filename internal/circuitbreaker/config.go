package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownCategory is returned for a category outside the fixed set.
var ErrUnknownCategory = errors.New("circuitbreaker: unknown category")

// Category identifies one failure-rate breaker.
type Category string

const (
	TradeFailureRate        Category = "trade_failure_rate"
	NetworkConnectivity     Category = "network_connectivity"
	MarketVolatility        Category = "market_volatility"
	SlippageRate            Category = "slippage_rate"
	HSMFailureRate          Category = "hsm_failure_rate"
	SystemErrorRate         Category = "system_error_rate"
	ConfirmationTimeoutRate Category = "confirmation_timeout_rate"
)

// Categories returns every category in evaluation order.
func Categories() []Category {
	return []Category{
		TradeFailureRate,
		NetworkConnectivity,
		MarketVolatility,
		SlippageRate,
		HSMFailureRate,
		SystemErrorRate,
		ConfirmationTimeoutRate,
	}
}

// ParseCategory validates a category id.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Config is the immutable trip/recovery policy of one breaker.
type Config struct {
	Category    Category
	Name        string
	Description string

	FailureThreshold        int
	Window                  time.Duration
	ConsecutiveFailureLimit int

	// PercentageThreshold trips on failures/events*100 >= threshold once the
	// window holds at least MinSamples events. MinSamples of zero means
	// FailureThreshold.
	PercentageThreshold decimal.NullDecimal
	MinSamples          int

	// AbsoluteThreshold trips when a recorded metric exceeds it.
	AbsoluteThreshold decimal.NullDecimal

	RecoveryTimeout          time.Duration
	RecoverySuccessThreshold int
	TestRequestLimit         int
	Enabled                  bool
}

func (c Config) minSamples() int {
	if c.MinSamples > 0 {
		return c.MinSamples
	}
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 1
}

// Validate rejects configs that could never trip or never recover.
func (c Config) Validate() error {
	if _, err := ParseCategory(string(c.Category)); err != nil {
		return err
	}
	switch {
	case c.FailureThreshold <= 0:
		return fmt.Errorf("circuitbreaker: %s: failure threshold must be positive", c.Category)
	case c.Window <= 0:
		return fmt.Errorf("circuitbreaker: %s: window must be positive", c.Category)
	case c.ConsecutiveFailureLimit <= 0:
		return fmt.Errorf("circuitbreaker: %s: consecutive failure limit must be positive", c.Category)
	case c.RecoveryTimeout <= 0:
		return fmt.Errorf("circuitbreaker: %s: recovery timeout must be positive", c.Category)
	case c.RecoverySuccessThreshold <= 0:
		return fmt.Errorf("circuitbreaker: %s: recovery success threshold must be positive", c.Category)
	case c.TestRequestLimit <= 0:
		return fmt.Errorf("circuitbreaker: %s: test request limit must be positive", c.Category)
	}
	return nil
}

func pct(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

// DefaultConfigs returns the production policy for every category.
func DefaultConfigs() []Config {
	base := func(cat Category, name, desc string, threshold int, window time.Duration, consecutive int, recovery time.Duration) Config {
		return Config{
			Category:                 cat,
			Name:                     name,
			Description:              desc,
			FailureThreshold:         threshold,
			Window:                   window,
			ConsecutiveFailureLimit:  consecutive,
			RecoveryTimeout:          recovery,
			RecoverySuccessThreshold: 3,
			TestRequestLimit:         5,
			Enabled:                  true,
		}
	}

	trade := base(TradeFailureRate, "Trade Failure Rate", "Halts trading when trade executions fail repeatedly", 5, 10*time.Minute, 3, 30*time.Minute)
	trade.PercentageThreshold = pct(80)

	network := base(NetworkConnectivity, "Network Connectivity", "Halts trading when RPC connectivity degrades", 3, 5*time.Minute, 2, 15*time.Minute)
	network.PercentageThreshold = pct(60)

	volatility := base(MarketVolatility, "Market Volatility", "Halts trading during extreme market volatility", 10, 30*time.Minute, 5, 60*time.Minute)
	volatility.AbsoluteThreshold = pct(50)

	slippage := base(SlippageRate, "Slippage Rate", "Halts trading when slippage rejections pile up", 8, 15*time.Minute, 4, 45*time.Minute)
	slippage.PercentageThreshold = pct(70)

	hsm := base(HSMFailureRate, "HSM Failure Rate", "Halts trading when signing operations fail", 3, 10*time.Minute, 2, 60*time.Minute)

	system := base(SystemErrorRate, "System Error Rate", "Halts trading on elevated internal error rates", 10, 20*time.Minute, 5, 30*time.Minute)
	system.PercentageThreshold = pct(40)

	confirmation := base(ConfirmationTimeoutRate, "Confirmation Timeout Rate", "Halts trading when transactions stop confirming", 5, 30*time.Minute, 3, 60*time.Minute)
	confirmation.PercentageThreshold = pct(50)

	return []Config{trade, network, volatility, slippage, hsm, system, confirmation}
}
