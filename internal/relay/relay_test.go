package relay

import (
	"context"
	"testing"
	"time"

	"marketfeed-gateway/internal/bus"
	"marketfeed-gateway/internal/market"
)

type fakeSubscriber struct {
	ch chan bus.Message
}

func (f *fakeSubscriber) Subscribe(ctx context.Context) (<-chan bus.Message, error) {
	return f.ch, nil
}

type fakeHub struct {
	klines  []market.KlineEvent
	tickers []market.TickerBatch
	remote  []string
}

func (f *fakeHub) BroadcastKline(ctx context.Context, symbol, interval string, update market.KlineUpdate) {
	f.klines = append(f.klines, market.KlineEvent{Symbol: symbol, Interval: interval, Data: update})
}

func (f *fakeHub) BroadcastTicker(ctx context.Context, batch market.TickerBatch) {
	f.tickers = append(f.tickers, batch)
}

func (f *fakeHub) AddRemoteTickerSymbols(symbols []string) {
	f.remote = append(f.remote, symbols...)
}

type fakeMultiplexer struct {
	subscribed []string
}

func (f *fakeMultiplexer) SubscribeDynamic(ctx context.Context, streamName string) {
	f.subscribed = append(f.subscribed, streamName)
}

func TestDispatchRoutesByChannelOnly(t *testing.T) {
	hub := &fakeHub{}
	mux := &fakeMultiplexer{}
	r := New(&fakeSubscriber{}, hub, mux)

	r.dispatch(context.Background(), bus.Message{
		Channel: bus.ChannelKline,
		Kline:   &market.KlineEvent{Symbol: "btcusdt", Interval: "1m", Data: market.KlineUpdate{Open: 1}},
	})
	if len(hub.klines) != 1 {
		t.Fatalf("expected one kline broadcast, got %d", len(hub.klines))
	}

	r.dispatch(context.Background(), bus.Message{
		Channel: bus.ChannelKlineSub,
		KlineSub: &bus.KlineSubCommand{Stream: "btcusdt@kline_1m"},
	})
	if len(mux.subscribed) != 1 || mux.subscribed[0] != "btcusdt@kline_1m" {
		t.Fatalf("expected forward to multiplexer, got %v", mux.subscribed)
	}

	r.dispatch(context.Background(), bus.Message{
		Channel: bus.ChannelTicker,
		Ticker:  market.TickerBatch{"BTCUSDT": market.TickerFields{LastPrice: 1}},
	})
	if len(hub.tickers) != 1 {
		t.Fatalf("expected one ticker broadcast, got %d", len(hub.tickers))
	}

	r.dispatch(context.Background(), bus.Message{
		Channel:   bus.ChannelTickerSub,
		TickerSub: &bus.TickerSubCommand{Symbols: []string{"SOLUSDT", "DOGEUSDT"}},
	})
	if len(hub.remote) != 2 || hub.remote[0] != "SOLUSDT" || hub.remote[1] != "DOGEUSDT" {
		t.Fatalf("expected ticker sub symbols folded into remote watchlist, got %v", hub.remote)
	}
}

func TestRunDispatchesUntilContextCancelled(t *testing.T) {
	ch := make(chan bus.Message, 1)
	hub := &fakeHub{}
	mux := &fakeMultiplexer{}
	r := New(&fakeSubscriber{ch: ch}, hub, mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	ch <- bus.Message{Channel: bus.ChannelKline, Kline: &market.KlineEvent{Symbol: "ethusdt", Interval: "5m"}}

	deadline := time.After(time.Second)
	for {
		if len(hub.klines) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("relay did not dispatch the kline message in time")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not exit after context cancellation")
	}
}
