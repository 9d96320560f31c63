// Package confirmation tracks submitted transactions until they confirm,
// fail permanently or expire, retrying according to the failure class and
// reporting every outcome to the circuit breakers.
package confirmation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Requirement is how deep a transaction must be before the trade counts as
// executed.
type Requirement struct {
	MinConfirmations    int           `json:"min_confirmations"`
	MaxWait             time.Duration `json:"max_wait_time"`
	RequireFinalization bool          `json:"require_finalization"`
}

var (
	tierLarge  = decimal.NewFromInt(10_000)
	tierMedium = decimal.NewFromInt(1_000)
	tierSmall  = decimal.NewFromInt(100)
)

// ForTradeValue derives the requirement from the trade's USD value.
func ForTradeValue(valueUSD decimal.Decimal) Requirement {
	switch {
	case valueUSD.GreaterThanOrEqual(tierLarge):
		return Requirement{MinConfirmations: 3, MaxWait: 300 * time.Second, RequireFinalization: true}
	case valueUSD.GreaterThanOrEqual(tierMedium):
		return Requirement{MinConfirmations: 2, MaxWait: 180 * time.Second}
	case valueUSD.GreaterThanOrEqual(tierSmall):
		return Requirement{MinConfirmations: 1, MaxWait: 120 * time.Second}
	default:
		return Requirement{MinConfirmations: 1, MaxWait: 60 * time.Second}
	}
}

// ErrorType classifies an on-chain or RPC failure.
type ErrorType string

const (
	InsufficientFunds     ErrorType = "insufficient_funds"
	SlippageExceeded      ErrorType = "slippage_exceeded"
	ProgramError          ErrorType = "program_error"
	ComputeBudgetExceeded ErrorType = "compute_budget_exceeded"
	BlockhashExpired      ErrorType = "blockhash_expired"
	NetworkError          ErrorType = "network_error"
	RateLimited           ErrorType = "rate_limited"
	TimeoutError          ErrorType = "timeout_error"
	UnknownError          ErrorType = "unknown_error"
)

// classifier keywords, checked in order against the lower-cased message.
var classifiers = []struct {
	keywords []string
	kind     ErrorType
}{
	{[]string{"insufficient", "funds"}, InsufficientFunds},
	{[]string{"slippage"}, SlippageExceeded},
	{[]string{"program"}, ProgramError},
	{[]string{"compute", "budget"}, ComputeBudgetExceeded},
	{[]string{"blockhash"}, BlockhashExpired},
	{[]string{"network", "connection"}, NetworkError},
	{[]string{"rate", "limit"}, RateLimited},
	{[]string{"timeout"}, TimeoutError},
}

// Classify maps an error message to an ErrorType by keyword.
func Classify(message string) ErrorType {
	msg := strings.ToLower(message)
	for _, c := range classifiers {
		for _, kw := range c.keywords {
			if strings.Contains(msg, kw) {
				return c.kind
			}
		}
	}
	return UnknownError
}

// Strategy is how a failure is retried.
type Strategy string

const (
	NoRetry            Strategy = "no_retry"
	ExponentialBackoff Strategy = "exponential_backoff"
	LinearBackoff      Strategy = "linear_backoff"
	ReplaceTransaction Strategy = "replace_transaction"
)

// StrategyFor returns the retry strategy for an error class.
func StrategyFor(t ErrorType) Strategy {
	switch t {
	case InsufficientFunds, SlippageExceeded:
		return NoRetry
	case ProgramError:
		return LinearBackoff
	case BlockhashExpired, ComputeBudgetExceeded:
		return ReplaceTransaction
	default:
		return ExponentialBackoff
	}
}

// Backoff parameters.
const (
	InitialRetryDelay    = 5 * time.Second
	BackoffMultiplier    = 2.0
	MaxRetryDelay        = 300 * time.Second
	conservativeMaxDelay = 60 * time.Second
)
