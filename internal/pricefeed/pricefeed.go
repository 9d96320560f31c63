// Package pricefeed supplies the market snapshots the slippage controller
// validates trades against.
package pricefeed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownPair  = errors.New("pricefeed: unknown pair")
	ErrInvalidQuote = errors.New("pricefeed: invalid quote")
)

// MarketData is a point-in-time market snapshot for one pair. Prices and
// depth are in USD; spread and volatility are percents.
type MarketData struct {
	Pair           string              `json:"pair"`
	Price          decimal.Decimal     `json:"price"`
	Bid            decimal.Decimal     `json:"bid"`
	Ask            decimal.Decimal     `json:"ask"`
	SpreadPercent  decimal.NullDecimal `json:"spread_percent"`
	LiquidityDepth decimal.Decimal     `json:"liquidity_depth"`
	Volume24h      decimal.Decimal     `json:"volume_24h"`
	Volatility24h  decimal.Decimal     `json:"volatility_24h"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Spread returns the quoted spread percent, deriving it from bid and ask
// when the source omitted it.
func (m MarketData) Spread() decimal.Decimal {
	if m.SpreadPercent.Valid {
		return m.SpreadPercent.Decimal
	}
	if !m.Price.IsPositive() || m.Ask.LessThan(m.Bid) {
		return decimal.Zero
	}
	return m.Ask.Sub(m.Bid).Div(m.Price).Mul(decimal.NewFromInt(100))
}

// Validate rejects snapshots no decision can be based on.
func (m MarketData) Validate() error {
	if !m.Price.IsPositive() {
		return ErrInvalidQuote
	}
	if m.LiquidityDepth.IsNegative() || m.Volume24h.IsNegative() || m.Volatility24h.IsNegative() {
		return ErrInvalidQuote
	}
	if m.Timestamp.IsZero() {
		return ErrInvalidQuote
	}
	return nil
}

// Feed returns market data for a pair such as "SOL/USDC". forceRefresh
// bypasses any cache.
type Feed interface {
	MarketData(ctx context.Context, pair string, forceRefresh bool) (MarketData, error)
}

// StaticFeed serves fixed snapshots. Used in development and tests.
type StaticFeed struct {
	mu    sync.RWMutex
	data  map[string]MarketData
	now   func() time.Time
	fresh bool
}

var _ Feed = (*StaticFeed)(nil)

// NewStaticFeed creates an empty static feed. When fresh is true every
// returned snapshot is stamped with the current time.
func NewStaticFeed(fresh bool) *StaticFeed {
	return &StaticFeed{data: make(map[string]MarketData), now: time.Now, fresh: fresh}
}

// Set stores the snapshot for its pair.
func (f *StaticFeed) Set(md MarketData) {
	f.mu.Lock()
	f.data[md.Pair] = md
	f.mu.Unlock()
}

// MarketData implements Feed.
func (f *StaticFeed) MarketData(_ context.Context, pair string, _ bool) (MarketData, error) {
	f.mu.RLock()
	md, ok := f.data[pair]
	f.mu.RUnlock()
	if !ok {
		return MarketData{}, ErrUnknownPair
	}
	if f.fresh {
		md.Timestamp = f.now()
	}
	return md, nil
}

// DefaultStaticFeed returns a feed preloaded with deep, calm markets for the
// pairs the dev environment trades.
func DefaultStaticFeed() *StaticFeed {
	f := NewStaticFeed(true)
	for _, q := range []struct {
		pair, price, bid, ask string
	}{
		{"SOL/USDC", "150", "149.95", "150.05"},
		{"ETH/USDC", "3000", "2999.5", "3000.5"},
		{"USDC/SOL", "0.0066667", "0.0066650", "0.0066684"},
	} {
		f.Set(MarketData{
			Pair:           q.pair,
			Price:          decimal.RequireFromString(q.price),
			Bid:            decimal.RequireFromString(q.bid),
			Ask:            decimal.RequireFromString(q.ask),
			LiquidityDepth: decimal.NewFromInt(5_000_000),
			Volume24h:      decimal.NewFromInt(50_000_000),
			Volatility24h:  decimal.NewFromInt(3),
		})
	}
	return f
}
