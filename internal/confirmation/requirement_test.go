package confirmation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestForTradeValue_Tiers(t *testing.T) {
	tests := []struct {
		value    string
		min      int
		wait     time.Duration
		finalize bool
	}{
		{"15000", 3, 300 * time.Second, true},
		{"10000", 3, 300 * time.Second, true},
		{"9999.99", 2, 180 * time.Second, false},
		{"2500", 2, 180 * time.Second, false},
		{"1000", 2, 180 * time.Second, false},
		{"500", 1, 120 * time.Second, false},
		{"100", 1, 120 * time.Second, false},
		{"99.99", 1, 60 * time.Second, false},
		{"50", 1, 60 * time.Second, false},
		{"0", 1, 60 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			r := ForTradeValue(decimal.RequireFromString(tt.value))
			if r.MinConfirmations != tt.min || r.MaxWait != tt.wait || r.RequireFinalization != tt.finalize {
				t.Errorf("ForTradeValue(%s) = %+v, want {%d %s %v}", tt.value, r, tt.min, tt.wait, tt.finalize)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorType
	}{
		{"Insufficient funds for fee", InsufficientFunds},
		{"slippage tolerance exceeded", SlippageExceeded},
		{"chain: program execution reverted", ProgramError},
		{"exceeded compute units", ComputeBudgetExceeded},
		{"Blockhash not found", BlockhashExpired},
		{"connection reset by peer", NetworkError},
		{"429 rate limit", RateLimited},
		{"request timeout", TimeoutError},
		{"something odd", UnknownError},
		{"", UnknownError},
	}
	for _, tt := range tests {
		if got := Classify(tt.msg); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestStrategyFor(t *testing.T) {
	tests := map[ErrorType]Strategy{
		InsufficientFunds:     NoRetry,
		SlippageExceeded:      NoRetry,
		ProgramError:          LinearBackoff,
		BlockhashExpired:      ReplaceTransaction,
		ComputeBudgetExceeded: ReplaceTransaction,
		NetworkError:          ExponentialBackoff,
		RateLimited:           ExponentialBackoff,
		TimeoutError:          ExponentialBackoff,
		UnknownError:          ExponentialBackoff,
	}
	for kind, want := range tests {
		if got := StrategyFor(kind); got != want {
			t.Errorf("StrategyFor(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		kind     ErrorType
		retry    int
		want     time.Duration
	}{
		{"exponential first", ExponentialBackoff, NetworkError, 1, 10 * time.Second},
		{"exponential third", ExponentialBackoff, NetworkError, 3, 40 * time.Second},
		{"exponential capped", ExponentialBackoff, NetworkError, 10, MaxRetryDelay},
		{"timeout capped tighter", ExponentialBackoff, TimeoutError, 5, 60 * time.Second},
		{"linear", LinearBackoff, ProgramError, 3, 15 * time.Second},
		{"replace", ReplaceTransaction, BlockhashExpired, 4, InitialRetryDelay},
		{"no retry", NoRetry, InsufficientFunds, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryDelay(tt.strategy, tt.kind, tt.retry); got != tt.want {
				t.Errorf("RetryDelay = %s, want %s", got, tt.want)
			}
		})
	}
}
