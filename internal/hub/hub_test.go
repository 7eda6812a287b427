package hub

import (
	"context"
	"testing"
)

type fakeBus struct {
	klineSubs  []string
	tickerSubs [][]string
}

func (f *fakeBus) PublishKlineSub(ctx context.Context, streamName string) error {
	f.klineSubs = append(f.klineSubs, streamName)
	return nil
}

func (f *fakeBus) PublishTickerSub(ctx context.Context, symbols []string) error {
	f.tickerSubs = append(f.tickerSubs, symbols)
	return nil
}

type fakeMultiplexer struct {
	unsubscribed []string
}

func (f *fakeMultiplexer) UnsubscribeLocal(ctx context.Context, streamName string) {
	f.unsubscribed = append(f.unsubscribed, streamName)
}

// Scenario C from spec.md §8: subscribe then disconnect returns the
// watchlist to defaults only.
func TestTickerWatchlistDefaultsAndSubscribeDisconnect(t *testing.T) {
	bus := &fakeBus{}
	h := New(bus, &fakeMultiplexer{}, []string{"btcusdt", "ethusdt", "solusdt"})

	c := &TickerClient{symbols: make(map[string]bool)}
	h.mu.Lock()
	h.tickerClients[c] = struct{}{}
	h.mu.Unlock()

	wl := h.TickerWatchlist()
	for _, s := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if !wl[s] {
			t.Fatalf("default anchor %s missing from watchlist", s)
		}
	}

	h.SubscribeTicker(context.Background(), c, []string{"ADAUSDT"})
	wl = h.TickerWatchlist()
	if !wl["ADAUSDT"] {
		t.Fatalf("watchlist after subscribe = %v, want ADAUSDT included", wl)
	}
	if len(bus.tickerSubs) != 1 || bus.tickerSubs[0][0] != "ADAUSDT" {
		t.Fatalf("expected a single cmd.ticker.sub announcing ADAUSDT, got %v", bus.tickerSubs)
	}

	h.DisconnectTicker(c)
	wl = h.TickerWatchlist()
	if wl["ADAUSDT"] {
		t.Fatalf("watchlist after disconnect still contains ADAUSDT: %v", wl)
	}
	for _, s := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if !wl[s] {
			t.Fatalf("default anchor %s dropped after disconnect", s)
		}
	}
}

// DisconnectKline must be safe to call twice for the same client
// (the slow-client eviction path in trySend and a client's own
// readPump exit can both race to call it) and must only release the
// ref-count once.
func TestDisconnectKlineIdempotent(t *testing.T) {
	bus := &fakeBus{}
	mux := &fakeMultiplexer{}
	h := New(bus, mux, nil)

	stream := "btcusdt@kline_1m"
	c := &KlineClient{symbol: "btcusdt", interval: "1m"}

	h.mu.Lock()
	h.klineIndex[stream] = map[*KlineClient]struct{}{c: {}}
	h.refs.Acquire(stream)
	h.mu.Unlock()

	h.DisconnectKline(context.Background(), c)
	h.DisconnectKline(context.Background(), c)

	if len(mux.unsubscribed) != 1 || mux.unsubscribed[0] != stream {
		t.Fatalf("expected exactly one local unsubscribe despite two disconnects, got %v", mux.unsubscribed)
	}
	if _, ok := h.klineIndex[stream]; ok {
		t.Fatalf("expected empty stream entry removed from klineIndex")
	}
}

// Testable property 3: a client's declared set replaces, not
// accumulates.
func TestSubscribeTickerReplacesNotAccumulates(t *testing.T) {
	bus := &fakeBus{}
	h := New(bus, &fakeMultiplexer{}, nil)

	c := &TickerClient{symbols: make(map[string]bool)}
	h.mu.Lock()
	h.tickerClients[c] = struct{}{}
	h.mu.Unlock()

	h.SubscribeTicker(context.Background(), c, []string{"BTCUSDT"})
	h.SubscribeTicker(context.Background(), c, []string{"ETHUSDT"})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.symbols["BTCUSDT"] {
		t.Fatalf("client still declares BTCUSDT after replacing with ETHUSDT: %v", c.symbols)
	}
	if !c.symbols["ETHUSDT"] {
		t.Fatalf("client does not declare ETHUSDT: %v", c.symbols)
	}
}

// Testable properties 1 and 2: ref-count correctness and at-most-one
// SUBSCRIBE, exercised through the Hub's kline index directly (no
// real socket needed for the accounting half of ConnectKline).
func TestKlineRefCountAcrossTwoClients(t *testing.T) {
	bus := &fakeBus{}
	mux := &fakeMultiplexer{}
	h := New(bus, mux, nil)

	stream := "btcusdt@kline_1m"
	a := &KlineClient{symbol: "btcusdt", interval: "1m"}
	b := &KlineClient{symbol: "btcusdt", interval: "1m"}

	h.mu.Lock()
	h.klineIndex[stream] = map[*KlineClient]struct{}{}
	h.klineIndex[stream][a] = struct{}{}
	transitionedA := h.refs.Acquire(stream)
	h.mu.Unlock()
	if transitionedA {
		if err := bus.PublishKlineSub(context.Background(), stream); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	h.mu.Lock()
	h.klineIndex[stream][b] = struct{}{}
	transitionedB := h.refs.Acquire(stream)
	h.mu.Unlock()
	if transitionedB {
		t.Fatalf("second connect on the same stream must not transition 0->1")
	}

	if len(bus.klineSubs) != 1 || bus.klineSubs[0] != stream {
		t.Fatalf("expected exactly one cmd.kline.sub for %s, got %v", stream, bus.klineSubs)
	}

	// A disconnects: no unsubscribe yet (B still holds it).
	h.mu.Lock()
	delete(h.klineIndex[stream], a)
	transitioned := h.refs.Release(stream)
	h.mu.Unlock()
	if transitioned {
		t.Fatalf("releasing while B still holds the stream must not transition to 0")
	}

	// B disconnects: now the stream drops to zero.
	h.mu.Lock()
	delete(h.klineIndex[stream], b)
	transitioned = h.refs.Release(stream)
	h.mu.Unlock()
	if !transitioned {
		t.Fatalf("releasing the last holder must transition 1->0")
	}
	mux.UnsubscribeLocal(context.Background(), stream)

	if len(mux.unsubscribed) != 1 || mux.unsubscribed[0] != stream {
		t.Fatalf("expected exactly one local unsubscribe for %s, got %v", stream, mux.unsubscribed)
	}
}
