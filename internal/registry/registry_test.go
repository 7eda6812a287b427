package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketfeed-gateway/internal/market"
)

type fakeFetcher struct {
	spot  []market.Symbol
	deriv []market.Symbol
	err   error
}

func (f *fakeFetcher) FetchSpotSymbols(ctx context.Context) ([]market.Symbol, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.spot, nil
}

func (f *fakeFetcher) FetchDerivSymbols(ctx context.Context) ([]market.Symbol, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.deriv, nil
}

// Scenario A from spec.md §8: spot={BTCUSDT, ETHUSDT}, deriv={XAUUSDT, BTCUSDT}.
func TestRefreshClassifyAndSearch(t *testing.T) {
	fetcher := &fakeFetcher{
		spot: []market.Symbol{
			{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
			{Symbol: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT"},
		},
		deriv: []market.Symbol{
			{Symbol: "XAUUSDT", BaseAsset: "XAU", QuoteAsset: "USDT"},
			{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
		},
	}
	r := New(fetcher, time.Hour, 25)
	ctx := context.Background()

	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if v := r.Classify(ctx, "BTCUSDT"); v != market.VenueSpot {
		t.Fatalf("classify(BTCUSDT) = %v, want SPOT", v)
	}
	if v := r.Classify(ctx, "XAUUSDT"); v != market.VenueDeriv {
		t.Fatalf("classify(XAUUSDT) = %v, want DERIV", v)
	}
	if v := r.Classify(ctx, "NOPE"); v != market.VenueUnknown {
		t.Fatalf("classify(NOPE) = %v, want UNKNOWN", v)
	}

	results := r.Search(ctx, "BTC", 10)
	if len(results) != 1 || results[0].Symbol != "BTCUSDT" || results[0].Venue != market.VenueSpot {
		t.Fatalf("search(BTC) = %+v, want only the spot entry", results)
	}
}

func TestClassifyDisjointness(t *testing.T) {
	fetcher := &fakeFetcher{
		spot:  []market.Symbol{{Symbol: "BTCUSDT", BaseAsset: "BTC"}},
		deriv: []market.Symbol{{Symbol: "BTCUSDT", BaseAsset: "BTC"}, {Symbol: "XAUUSDT", BaseAsset: "XAU"}},
	}
	r := New(fetcher, time.Hour, 25)
	ctx := context.Background()
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// BTCUSDT is in both upstream lists; the registry must keep it SPOT only.
	if v := r.Classify(ctx, "BTCUSDT"); v != market.VenueSpot {
		t.Fatalf("classify(BTCUSDT) = %v, want SPOT (disjointness)", v)
	}
	if v := r.Classify(ctx, "XAUUSDT"); v != market.VenueDeriv {
		t.Fatalf("classify(XAUUSDT) = %v, want DERIV", v)
	}
}

func TestRefreshFailureKeepsPriorSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{spot: []market.Symbol{{Symbol: "BTCUSDT"}}}
	r := New(fetcher, time.Hour, 25)
	ctx := context.Background()

	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	fetcher.err = errors.New("upstream down")
	if err := r.Refresh(ctx); err == nil {
		t.Fatalf("expected refresh error")
	}

	if v := r.Classify(ctx, "BTCUSDT"); v != market.VenueSpot {
		t.Fatalf("classify(BTCUSDT) after failed refresh = %v, want SPOT (stale snapshot kept)", v)
	}
}

func TestPopularAppendsFixedDerivSymbols(t *testing.T) {
	fetcher := &fakeFetcher{spot: []market.Symbol{{Symbol: "BTCUSDT", QuoteVolume24h: 100}}}
	r := New(fetcher, time.Hour, 25)
	ctx := context.Background()
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	popular := r.Popular(ctx)
	last2 := popular[len(popular)-2:]
	if last2[0].Symbol != "XAUUSDT" || last2[1].Symbol != "XAGUSDT" {
		t.Fatalf("popular() tail = %+v, want XAUUSDT, XAGUSDT appended", last2)
	}
}
