package confirmation

import (
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/retry"
	"github.com/shopspring/decimal"
)

// State is the lifecycle position of a monitored transaction.
type State string

const (
	StateSubmitted State = "submitted"
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateExpired
}

// StuckThreshold is how long a transaction may sit without confirmations
// before it is treated as stuck.
const StuckThreshold = 2 * time.Minute

// HistoryEntry records one notable step of a transaction.
type HistoryEntry struct {
	At    time.Time `json:"at"`
	Event string    `json:"event"`
	State State     `json:"state"`
	Note  string    `json:"note,omitempty"`
}

// Transaction is the monitored record of one submitted transaction. The
// Monitor owns it; callers only ever receive copies.
type Transaction struct {
	MonitorID   string          `json:"monitor_id"`
	TradeID     string          `json:"trade_id"`
	UserID      string          `json:"user_id"`
	Signature   string          `json:"transaction_signature"`
	ValueUSD    decimal.Decimal `json:"trade_value_usd"`
	SubmittedAt time.Time       `json:"submitted_at"`
	State       State           `json:"current_state"`

	Confirmations int    `json:"confirmations"`
	BlockHeight   uint64 `json:"block_height,omitempty"`
	Finalized     bool   `json:"finalized"`
	Stuck         bool   `json:"is_stuck"`

	ErrorCount       int       `json:"error_count"`
	LastError        ErrorType `json:"last_error,omitempty"`
	LastErrorMessage string    `json:"last_error_message,omitempty"`

	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	RetryStrategy Strategy   `json:"retry_strategy,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`

	LastCheckedAt *time.Time  `json:"last_checked_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	Requirement   Requirement `json:"confirmation_requirement"`

	History []HistoryEntry `json:"history"`
}

// IsConfirmed reports whether the requirement is met.
func (t *Transaction) IsConfirmed() bool {
	return t.Confirmations >= t.Requirement.MinConfirmations &&
		(t.Finalized || !t.Requirement.RequireFinalization)
}

// IsExpired reports whether the wait budget is spent without confirmation.
func (t *Transaction) IsExpired(now time.Time) bool {
	return !t.IsConfirmed() && now.Sub(t.SubmittedAt) >= t.Requirement.MaxWait
}

// IsStuck reports a pending transaction that has not picked up a single
// confirmation within StuckThreshold.
func (t *Transaction) IsStuck(now time.Time) bool {
	if t.State == StateConfirmed || t.State == StateFailed || t.State == StateExpired {
		return false
	}
	return t.Confirmations == 0 && now.Sub(t.SubmittedAt) > StuckThreshold
}

// ShouldRetry reports whether a failed transaction has retries left.
func (t *Transaction) ShouldRetry() bool {
	return t.State == StateFailed && t.RetryCount < t.MaxRetries
}

// retryDue reports whether a scheduled retry may run now.
func (t *Transaction) retryDue(now time.Time) bool {
	return t.NextRetryAt != nil && !now.Before(*t.NextRetryAt)
}

func (t *Transaction) record(now time.Time, event, note string) {
	t.History = append(t.History, HistoryEntry{At: now, Event: event, State: t.State, Note: note})
}

// clone returns a deep copy safe to hand out.
func (t *Transaction) clone() Transaction {
	c := *t
	c.History = append([]HistoryEntry(nil), t.History...)
	if t.NextRetryAt != nil {
		v := *t.NextRetryAt
		c.NextRetryAt = &v
	}
	if t.LastCheckedAt != nil {
		v := *t.LastCheckedAt
		c.LastCheckedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return c
}

// RetryDelay returns how long to wait before retry number retryCount.
// Timeout and unknown failures back off exponentially under a tighter cap.
func RetryDelay(s Strategy, kind ErrorType, retryCount int) time.Duration {
	switch s {
	case LinearBackoff:
		return retry.Linear(InitialRetryDelay, retryCount, MaxRetryDelay)
	case ReplaceTransaction:
		return InitialRetryDelay
	case ExponentialBackoff:
		limit := MaxRetryDelay
		if kind == TimeoutError || kind == UnknownError {
			limit = conservativeMaxDelay
		}
		return retry.Exponential(InitialRetryDelay, BackoffMultiplier, retryCount, limit)
	default:
		return 0
	}
}

func signaturePrefix(sig string) string {
	if len(sig) > 8 {
		return sig[:8]
	}
	return sig
}
