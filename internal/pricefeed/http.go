package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
)

const cacheSize = 256

// HTTPFeed fetches market snapshots from a JSON endpoint and caches them for
// a short TTL.
//
//	GET {base}/v1/markets/{FROM-TO}
type HTTPFeed struct {
	base   string
	client *http.Client
	cache  *expirable.LRU[string, MarketData]
}

var _ Feed = (*HTTPFeed)(nil)

// NewHTTPFeed creates a feed against baseURL with a cache TTL.
func NewHTTPFeed(baseURL string, cacheTTL time.Duration) *HTTPFeed {
	return &HTTPFeed{
		base: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		cache: expirable.NewLRU[string, MarketData](cacheSize, nil, cacheTTL),
	}
}

// MarketData returns the cached snapshot unless it expired or forceRefresh
// is set.
func (f *HTTPFeed) MarketData(ctx context.Context, pair string, forceRefresh bool) (MarketData, error) {
	if !forceRefresh {
		if md, ok := f.cache.Get(pair); ok {
			return md, nil
		}
	}

	md, err := f.fetch(ctx, pair)
	if err != nil {
		// Drop whatever is cached so the next call does not serve a snapshot
		// the source can no longer confirm.
		f.cache.Remove(pair)
		return MarketData{}, err
	}
	f.cache.Add(pair, md)
	return md, nil
}

type quoteResponse struct {
	Price          decimal.Decimal     `json:"price"`
	Bid            decimal.Decimal     `json:"bid"`
	Ask            decimal.Decimal     `json:"ask"`
	SpreadPercent  decimal.NullDecimal `json:"spread_percent"`
	LiquidityDepth decimal.Decimal     `json:"liquidity_depth"`
	Volume24h      decimal.Decimal     `json:"volume_24h"`
	Volatility24h  decimal.Decimal     `json:"volatility_24h"`
	Timestamp      int64               `json:"timestamp"`
}

func (f *HTTPFeed) fetch(ctx context.Context, pair string) (MarketData, error) {
	endpoint := fmt.Sprintf("%s/v1/markets/%s", f.base, url.PathEscape(strings.ReplaceAll(pair, "/", "-")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return MarketData{}, fmt.Errorf("pricefeed: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return MarketData{}, fmt.Errorf("pricefeed: fetch %s: %w", pair, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return MarketData{}, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	case resp.StatusCode != http.StatusOK:
		return MarketData{}, fmt.Errorf("pricefeed: %s returned status %d", pair, resp.StatusCode)
	}

	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return MarketData{}, fmt.Errorf("pricefeed: decode %s: %w", pair, err)
	}

	md := MarketData{
		Pair:           pair,
		Price:          q.Price,
		Bid:            q.Bid,
		Ask:            q.Ask,
		SpreadPercent:  q.SpreadPercent,
		LiquidityDepth: q.LiquidityDepth,
		Volume24h:      q.Volume24h,
		Volatility24h:  q.Volatility24h,
		Timestamp:      time.Unix(q.Timestamp, 0).UTC(),
	}
	if err := md.Validate(); err != nil {
		return MarketData{}, fmt.Errorf("%w: %s", err, pair)
	}
	return md, nil
}
