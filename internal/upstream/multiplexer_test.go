package upstream

import (
	"context"
	"testing"

	"marketfeed-gateway/internal/market"
)

type fakeBus struct {
	klines  []market.KlineEvent
	tickers []market.TickerBatch
}

func (f *fakeBus) PublishKline(ctx context.Context, evt market.KlineEvent) error {
	f.klines = append(f.klines, evt)
	return nil
}

func (f *fakeBus) PublishTicker(ctx context.Context, batch market.TickerBatch) error {
	f.tickers = append(f.tickers, batch)
	return nil
}

type fakeWatchlist struct{ symbols map[string]bool }

func (f *fakeWatchlist) TickerWatchlist() map[string]bool { return f.symbols }

type fakeClassifier struct{ venues map[string]market.Venue }

func (f *fakeClassifier) Classify(ctx context.Context, symbol string) market.Venue {
	if v, ok := f.venues[symbol]; ok {
		return v
	}
	return market.VenueUnknown
}

// Scenario F from spec.md §8: kline normalization (ms->s truncation,
// string->float casts).
func TestHandleKlineNormalization(t *testing.T) {
	bus := &fakeBus{}
	s := newVenueSession("SPOT", "wss://example/stream?streams=", bus, &fakeWatchlist{symbols: map[string]bool{}})

	frame := []byte(`{"stream":"btcusdt@kline_1m","data":{"s":"BTCUSDT","k":{"t":1700000000000,"i":"1m","o":"27000.5","h":"27010","l":"26990","c":"27005","v":"12.3"}}}`)
	if err := s.handleFrame(context.Background(), frame); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}

	if len(bus.klines) != 1 {
		t.Fatalf("expected one kline event, got %d", len(bus.klines))
	}
	evt := bus.klines[0]
	if evt.Symbol != "btcusdt" || evt.Interval != "1m" {
		t.Fatalf("kline event identity = %+v", evt)
	}
	if evt.Data.Time != 1700000000 {
		t.Fatalf("time = %d, want 1700000000 (ms truncated to s)", evt.Data.Time)
	}
	if evt.Data.Open != 27000.5 {
		t.Fatalf("open = %v, want 27000.5", evt.Data.Open)
	}
}

func TestHandleTickerFiltersByWatchlist(t *testing.T) {
	bus := &fakeBus{}
	s := newVenueSession("SPOT", "wss://example/stream?streams=", bus, &fakeWatchlist{symbols: map[string]bool{"BTCUSDT": true}})

	frame := []byte(`{"stream":"!ticker@arr","data":[{"s":"BTCUSDT","c":"27000","p":"100","P":"0.5"},{"s":"ETHUSDT","c":"1800","p":"10","P":"0.1"}]}`)
	if err := s.handleFrame(context.Background(), frame); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}

	if len(bus.tickers) != 1 {
		t.Fatalf("expected one ticker batch, got %d", len(bus.tickers))
	}
	batch := bus.tickers[0]
	if _, ok := batch["ETHUSDT"]; ok {
		t.Fatalf("ETHUSDT should have been filtered out: %+v", batch)
	}
	if fields, ok := batch["BTCUSDT"]; !ok || fields.LastPrice != 27000 {
		t.Fatalf("BTCUSDT missing or wrong: %+v", batch)
	}
}

func TestHandleFrameUnrecognizedStreamIsDropped(t *testing.T) {
	bus := &fakeBus{}
	s := newVenueSession("SPOT", "wss://example/stream?streams=", bus, &fakeWatchlist{symbols: map[string]bool{}})
	err := s.handleFrame(context.Background(), []byte(`{"stream":"unknown@thing","data":{}}`))
	if err == nil {
		t.Fatalf("expected an error for an unrecognized stream name")
	}
	if len(bus.klines) != 0 || len(bus.tickers) != 0 {
		t.Fatalf("unrecognized frame must not publish anything")
	}
}

// Routing rule from spec.md §4.3: UNKNOWN defaults to SPOT.
func TestRouteVenueDefaultsUnknownToSpot(t *testing.T) {
	reg := &fakeClassifier{venues: map[string]market.Venue{"XAUUSDT": market.VenueDeriv}}
	m := &Multiplexer{
		spot:  newVenueSession("SPOT", "wss://spot/", &fakeBus{}, &fakeWatchlist{}),
		deriv: newVenueSession("DERIV", "wss://deriv/", &fakeBus{}, &fakeWatchlist{}),
		reg:   reg,
	}

	if got := m.routeVenue(context.Background(), "xauusdt@kline_1h"); got != m.deriv {
		t.Fatalf("XAUUSDT must route to the derivatives venue")
	}
	if got := m.routeVenue(context.Background(), "whatusdt@kline_1m"); got != m.spot {
		t.Fatalf("an UNKNOWN symbol must default to SPOT")
	}
}
