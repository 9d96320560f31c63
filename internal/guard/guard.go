// Package guard is the trade-execution entry point. Admit runs the
// pre-trade checks in order; Submit signs, broadcasts and registers the
// transaction for confirmation tracking.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goshtasb/xorj-landing-sub001/internal/confirmation"
	"github.com/goshtasb/xorj-landing-sub001/internal/killswitch"
	"github.com/goshtasb/xorj-landing-sub001/internal/metrics"
	"github.com/goshtasb/xorj-landing-sub001/internal/signer"
	"github.com/goshtasb/xorj-landing-sub001/internal/slippage"
	"github.com/goshtasb/xorj-landing-sub001/internal/traces"
	"github.com/goshtasb/xorj-landing-sub001/internal/trade"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTrade      = errors.New("guard: invalid trade")
	ErrUnknownSubmission = errors.New("guard: no submission recorded for trade")
)

// AdmissionError explains why a trade was not admitted. Halted separates
// a halt that needs authorized recovery from a temporary degradation.
type AdmissionError struct {
	Reason   string
	Halted   bool
	Analysis *slippage.Analysis
}

func (e *AdmissionError) Error() string {
	if e.Halted {
		return "guard: trading halted: " + e.Reason
	}
	return "guard: trade rejected: " + e.Reason
}

// ----- Collaborators -----

// Validator scores a trade for slippage. *slippage.Controller satisfies it.
type Validator interface {
	ValidateTrade(ctx context.Context, t *trade.GeneratedTrade, forceRefresh bool) *slippage.Analysis
}

// Breakers is the admission and reporting surface of the circuit-breaker
// manager.
type Breakers interface {
	IsTradingAllowed() (bool, string)
	HaltActive() bool
	RecordNetworkEvent(ctx context.Context, success bool, metadata map[string]any) bool
}

// KillSwitch is the emergency stop. *killswitch.Switch satisfies it.
type KillSwitch interface {
	TradingHalted() bool
	Status() killswitch.Status
}

// Chain broadcasts transactions. *chain.Client satisfies it.
type Chain interface {
	SubmitTransaction(ctx context.Context, tx *types.Transaction) (string, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Tracker registers transactions for confirmation. *confirmation.Monitor
// satisfies it.
type Tracker interface {
	Track(ctx context.Context, t trade.GeneratedTrade, signature string, valueUSD decimal.Decimal) (string, error)
}

// Deps bundles the collaborators.
type Deps struct {
	Validator  Validator
	Breakers   Breakers
	KillSwitch KillSwitch
	Chain      Chain
	Signer     signer.Signer
	Tracker    Tracker
	Logger     *slog.Logger
}

type submission struct {
	trade trade.GeneratedTrade
	tx    *types.Transaction
}

// Guard wires the safety layer together.
type Guard struct {
	deps        Deps
	logger      *slog.Logger
	submissions *lru.Cache[string, submission]
}

const submissionCacheSize = 4096

// New creates a Guard.
func New(deps Deps) *Guard {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	subs, _ := lru.New[string, submission](submissionCacheSize)
	return &Guard{deps: deps, logger: logger, submissions: subs}
}

// Admit runs kill switch, slippage and breaker checks in that order. The
// analysis is returned whenever validation ran.
func (g *Guard) Admit(ctx context.Context, t *trade.GeneratedTrade) (*slippage.Analysis, error) {
	ctx, span := traces.StartSpan(ctx, "guard.admit", traces.TradeID(t.TradeID), traces.UserID(t.UserID))
	defer span.End()

	if err := t.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidTrade, err)
		traces.Fail(span, err)
		metrics.AdmissionsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if g.deps.KillSwitch != nil && g.deps.KillSwitch.TradingHalted() {
		st := g.deps.KillSwitch.Status()
		err := &AdmissionError{Reason: killSwitchReason(st), Halted: true}
		traces.Fail(span, err)
		metrics.AdmissionsTotal.WithLabelValues("halted").Inc()
		return nil, err
	}

	analysis := g.deps.Validator.ValidateTrade(ctx, t, false)
	if !analysis.Approved {
		err := &AdmissionError{Reason: analysis.RejectionReason, Analysis: analysis}
		span.SetAttributes(traces.Approved(false))
		metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
		return analysis, err
	}

	if allowed, reason := g.deps.Breakers.IsTradingAllowed(); !allowed {
		err := &AdmissionError{Reason: reason, Halted: g.deps.Breakers.HaltActive(), Analysis: analysis}
		span.SetAttributes(traces.Approved(false))
		metrics.AdmissionsTotal.WithLabelValues(outcome(err)).Inc()
		return analysis, err
	}

	span.SetAttributes(traces.Approved(true))
	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	return analysis, nil
}

func outcome(err *AdmissionError) string {
	if err.Halted {
		return "halted"
	}
	return "rejected"
}

func killSwitchReason(st killswitch.Status) string {
	if st.State == killswitch.StateMaintenance {
		return "Kill switch in maintenance mode"
	}
	if st.Reason != "" {
		return "Kill switch active: " + st.Reason
	}
	return "Kill switch active"
}

// Submit signs and broadcasts tx for an admitted trade and starts
// confirmation tracking. It returns the monitor id.
func (g *Guard) Submit(ctx context.Context, t *trade.GeneratedTrade, tx *types.Transaction, valueUSD decimal.Decimal) (string, error) {
	ctx, span := traces.StartSpan(ctx, "guard.submit", traces.TradeID(t.TradeID), traces.Amount(valueUSD.String()))
	defer span.End()

	sig, err := g.signAndSend(ctx, *t, tx)
	if err != nil {
		traces.Fail(span, err)
		return "", err
	}

	id, err := g.deps.Tracker.Track(ctx, *t, sig, valueUSD)
	if err != nil {
		traces.Fail(span, err)
		return "", fmt.Errorf("guard: track %s: %w", sig, err)
	}
	span.SetAttributes(traces.MonitorID(id))
	metrics.SubmissionsTotal.WithLabelValues("submitted").Inc()
	g.logger.Info("trade submitted", "trade_id", t.TradeID, "signature", sig, "monitor_id", id)
	return id, nil
}

func (g *Guard) signAndSend(ctx context.Context, t trade.GeneratedTrade, tx *types.Transaction) (string, error) {
	if g.deps.KillSwitch != nil && g.deps.KillSwitch.TradingHalted() {
		return "", &AdmissionError{Reason: killSwitchReason(g.deps.KillSwitch.Status()), Halted: true}
	}

	signed, err := g.deps.Signer.Sign(ctx, tx, signer.Request{TradeID: t.TradeID, UserID: t.UserID})
	if err != nil {
		return "", fmt.Errorf("guard: sign: %w", err)
	}

	sig, err := g.deps.Chain.SubmitTransaction(ctx, signed)
	g.deps.Breakers.RecordNetworkEvent(ctx, err == nil, map[string]any{
		"source": "submit", "trade_id": t.TradeID,
	})
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("guard: submit: %w", err)
	}
	g.submissions.Add(t.TradeID, submission{trade: t, tx: tx})
	return sig, nil
}

// Replace re-prices, re-signs and resubmits the transaction behind a
// stuck or expired-blockhash monitor. It is the confirmation Replacer.
func (g *Guard) Replace(ctx context.Context, mt confirmation.Transaction) (string, error) {
	sub, ok := g.submissions.Get(mt.TradeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSubmission, mt.TradeID)
	}
	suggested, err := g.deps.Chain.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("guard: gas price: %w", err)
	}
	next := BumpFees(sub.tx, suggested)
	sig, err := g.signAndSend(ctx, sub.trade, next)
	if err != nil {
		return "", err
	}
	metrics.SubmissionsTotal.WithLabelValues("replaced").Inc()
	g.logger.Warn("transaction replaced with higher fees",
		"trade_id", mt.TradeID, "old_signature", mt.Signature, "new_signature", sig)
	return sig, nil
}

var _ confirmation.Replacer = (*Guard)(nil).Replace
