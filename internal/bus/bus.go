// Package bus implements the cross-process Pub/Sub Bus: four logical
// channels over Redis, JSON-encoded, at-most-once, no persistence.
// Grounded on github.com/redis/go-redis/v9's Publish/Subscribe API and
// the original websocket_manager.py's redis_listener, whose dispatch
// is already keyed by channel name — carried forward as a tagged
// union of Message kinds rather than payload-shape probing, per
// SPEC_FULL.md §10/spec.md §9.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"marketfeed-gateway/internal/gatewayerr"
	"marketfeed-gateway/internal/logging"
	"marketfeed-gateway/internal/market"
)

// Channel names, per spec.md §6 "Pub/sub channel names."
const (
	ChannelKline     = "market:kline"
	ChannelTicker    = "market:ticker"
	ChannelKlineSub  = "market:cmd_kline_sub"
	ChannelTickerSub = "market:cmd_ticker_sub"
)

// KlineSubCommand carries {stream: <stream name>}.
type KlineSubCommand struct {
	Stream string `json:"stream"`
}

// TickerSubCommand carries {symbols: [...]}.
type TickerSubCommand struct {
	Symbols []string `json:"symbols"`
}

// Message is the tagged union of everything the Bus Relay can receive.
// Exactly one of the typed fields is populated, selected by Channel —
// the dispatcher in internal/relay switches on Channel, never on which
// field happens to be non-nil.
type Message struct {
	Channel string

	Kline     *market.KlineEvent
	Ticker    market.TickerBatch
	KlineSub  *KlineSubCommand
	TickerSub *TickerSubCommand
}

// Bus wraps a Redis client to provide the four gateway channels.
type Bus struct {
	rdb *redis.Client
}

// New constructs a Bus over an existing Redis client.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

func (b *Bus) publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return gatewayerr.New(gatewayerr.BusTransportError, "", channel, err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return gatewayerr.New(gatewayerr.BusTransportError, "", channel, err)
	}
	return nil
}

// PublishKline publishes a normalized kline update.
func (b *Bus) PublishKline(ctx context.Context, evt market.KlineEvent) error {
	return b.publish(ctx, ChannelKline, evt)
}

// PublishTicker publishes a batch of ticker fields.
func (b *Bus) PublishTicker(ctx context.Context, batch market.TickerBatch) error {
	return b.publish(ctx, ChannelTicker, batch)
}

// PublishKlineSub announces a stream that just transitioned 0->1.
func (b *Bus) PublishKlineSub(ctx context.Context, streamName string) error {
	return b.publish(ctx, ChannelKlineSub, KlineSubCommand{Stream: streamName})
}

// PublishTickerSub announces new symbols added to the global watchlist.
func (b *Bus) PublishTickerSub(ctx context.Context, symbols []string) error {
	return b.publish(ctx, ChannelTickerSub, TickerSubCommand{Symbols: symbols})
}

// Subscribe subscribes to all four channels and returns a channel of
// decoded Messages. On malformed payloads the message is dropped
// silently (spec.md §4.4 "on decode error, the message is dropped").
// The returned goroutine exits when ctx is cancelled or the
// underlying pub/sub connection errors, closing the output channel;
// the caller (internal/relay) is responsible for supervised restart.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Message, error) {
	pubsub := b.rdb.Subscribe(ctx, ChannelKline, ChannelTicker, ChannelKlineSub, ChannelTickerSub)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, gatewayerr.New(gatewayerr.BusTransportError, "", "", err)
	}

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()
		log := logging.BusContext("subscribe")
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				decoded, err := decode(msg.Channel, []byte(msg.Payload))
				if err != nil {
					log.WithField("channel", msg.Channel).WithError(err).Warn("dropping malformed bus message")
					continue
				}
				select {
				case out <- decoded:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decode(channel string, payload []byte) (Message, error) {
	switch channel {
	case ChannelKline:
		var evt market.KlineEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return Message{}, err
		}
		return Message{Channel: channel, Kline: &evt}, nil
	case ChannelTicker:
		var batch market.TickerBatch
		if err := json.Unmarshal(payload, &batch); err != nil {
			return Message{}, err
		}
		return Message{Channel: channel, Ticker: batch}, nil
	case ChannelKlineSub:
		var cmd KlineSubCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Message{}, err
		}
		return Message{Channel: channel, KlineSub: &cmd}, nil
	case ChannelTickerSub:
		var cmd TickerSubCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Message{}, err
		}
		return Message{Channel: channel, TickerSub: &cmd}, nil
	default:
		return Message{}, fmt.Errorf("unknown channel %q", channel)
	}
}
