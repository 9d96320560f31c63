package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpread_DerivedFromBidAsk(t *testing.T) {
	md := MarketData{
		Price: decimal.NewFromInt(100),
		Bid:   decimal.RequireFromString("99.9"),
		Ask:   decimal.RequireFromString("100.1"),
	}
	assert.True(t, md.Spread().Equal(decimal.RequireFromString("0.2")), md.Spread().String())

	md.SpreadPercent = decimal.NewNullDecimal(decimal.RequireFromString("0.05"))
	assert.True(t, md.Spread().Equal(decimal.RequireFromString("0.05")))
}

func TestStaticFeed(t *testing.T) {
	f := DefaultStaticFeed()
	md, err := f.MarketData(context.Background(), "SOL/USDC", false)
	require.NoError(t, err)
	assert.Equal(t, "SOL/USDC", md.Pair)
	assert.WithinDuration(t, time.Now(), md.Timestamp, time.Second)

	_, err = f.MarketData(context.Background(), "DOGE/USDC", false)
	assert.ErrorIs(t, err, ErrUnknownPair)
}

func quoteServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/v1/markets/SOL-USDC" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"price":"150","bid":"149.9","ask":"150.1","liquidity_depth":"1000000","volume_24h":"9000000","volatility_24h":"4.5","timestamp":%d}`,
			time.Now().Unix())
	}))
}

func TestHTTPFeed_CachesUntilForced(t *testing.T) {
	var hits atomic.Int32
	srv := quoteServer(t, &hits)
	defer srv.Close()

	f := NewHTTPFeed(srv.URL, time.Minute)
	ctx := context.Background()

	md, err := f.MarketData(ctx, "SOL/USDC", false)
	require.NoError(t, err)
	assert.True(t, md.Price.Equal(decimal.NewFromInt(150)))
	assert.True(t, md.Volatility24h.Equal(decimal.RequireFromString("4.5")))

	_, err = f.MarketData(ctx, "SOL/USDC", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = f.MarketData(ctx, "SOL/USDC", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPFeed_UnknownPair(t *testing.T) {
	var hits atomic.Int32
	srv := quoteServer(t, &hits)
	defer srv.Close()

	f := NewHTTPFeed(srv.URL, time.Minute)
	_, err := f.MarketData(context.Background(), "BONK/USDC", false)
	assert.ErrorIs(t, err, ErrUnknownPair)
}

func TestHTTPFeed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFeed(srv.URL, time.Minute)
	_, err := f.MarketData(context.Background(), "SOL/USDC", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
