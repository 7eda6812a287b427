// Package relay implements the Bus Relay (spec.md §4.4): a single
// long-running subscriber per instance that converts bus events into
// local Client Hub broadcasts and forwards subscription commands to
// the Upstream Multiplexer.
//
// Grounded on the original websocket_manager.py's redis_listener,
// whose dispatch is already keyed by channel name (a direct,
// low-risk transliteration rather than the payload-shape redesign
// spec.md §9 flags for the upstream frame decoder, which lives in
// internal/upstream instead).
package relay

import (
	"context"
	"time"

	"marketfeed-gateway/internal/bus"
	"marketfeed-gateway/internal/logging"
	"marketfeed-gateway/internal/market"
)

// Subscriber is the Relay's dependency on the Pub/Sub Bus.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan bus.Message, error)
}

// Hub is the Relay's non-owning reference to the Client Hub (design
// note §9: "the Bus Relay holds a non-owning reference to the Hub").
type Hub interface {
	BroadcastKline(ctx context.Context, symbol, interval string, update market.KlineUpdate)
	BroadcastTicker(ctx context.Context, batch market.TickerBatch)
	AddRemoteTickerSymbols(symbols []string)
}

// Multiplexer is the Relay's non-owning reference to the Upstream
// Multiplexer.
type Multiplexer interface {
	SubscribeDynamic(ctx context.Context, streamName string)
}

const restartBackoff = 2 * time.Second

// Relay owns the dispatch loop.
type Relay struct {
	subscriber  Subscriber
	hub         Hub
	multiplexer Multiplexer
}

// New constructs a Relay.
func New(subscriber Subscriber, hub Hub, multiplexer Multiplexer) *Relay {
	return &Relay{subscriber: subscriber, hub: hub, multiplexer: multiplexer}
}

// Run subscribes to the bus and dispatches messages until ctx is
// cancelled. On a bus disconnect the bus package's subscription
// goroutine closes its pub/sub connection and the message channel, the
// dispatch loop returns, and this same supervisor loop subscribes
// again after restartBackoff, per spec.md §4.4's failure semantics.
func (r *Relay) Run(ctx context.Context) {
	log := logging.BusContext("relay")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := r.subscriber.Subscribe(ctx)
		if err != nil {
			log.WithError(err).Warn("bus relay failed to subscribe, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartBackoff):
			}
			continue
		}

		r.dispatchLoop(ctx, msgs)

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartBackoff):
		}
	}
}

// dispatchLoop drains msgs until the channel closes (bus disconnect)
// or ctx is cancelled, dispatching purely by the tagged Channel field
// — never by which payload field happens to be populated.
func (r *Relay) dispatchLoop(ctx context.Context, msgs <-chan bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, msg bus.Message) {
	switch msg.Channel {
	case bus.ChannelKline:
		if msg.Kline == nil {
			return
		}
		r.hub.BroadcastKline(ctx, msg.Kline.Symbol, msg.Kline.Interval, msg.Kline.Data)
	case bus.ChannelTicker:
		if msg.Ticker == nil {
			return
		}
		r.hub.BroadcastTicker(ctx, msg.Ticker)
	case bus.ChannelKlineSub:
		if msg.KlineSub == nil {
			return
		}
		r.multiplexer.SubscribeDynamic(ctx, msg.KlineSub.Stream)
	case bus.ChannelTickerSub:
		if msg.TickerSub == nil {
			return
		}
		// Folds another instance's newly declared symbols into this
		// Hub's ticker watchlist, so Hub.TickerWatchlist (read live by
		// internal/upstream on every frame) reflects every instance's
		// interest, not just this one's connected clients.
		r.hub.AddRemoteTickerSymbols(msg.TickerSub.Symbols)
	}
}
