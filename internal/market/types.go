// Package market holds the domain types shared by every component of
// the fan-out gateway: symbols, klines, tickers and stream names.
package market

import (
	"fmt"
	"strings"
)

// Venue is the upstream WS/REST endpoint a stream or symbol is carried on.
type Venue string

const (
	VenueSpot    Venue = "SPOT"
	VenueDeriv   Venue = "DERIV"
	VenueUnknown Venue = "UNKNOWN"
)

// Symbol is a single tradable pair as loaded from the exchange's
// exchangeInfo endpoint. Identity is Symbol itself; instances are
// never mutated after construction.
type Symbol struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Venue      Venue  `json:"venue"`
	// QuoteVolume24h is used only to rank the popular() list; it is not
	// part of the identity of a Symbol.
	QuoteVolume24h float64 `json:"-"`
}

// KlineUpdate is one candlestick bucket. Time is truncated to whole
// seconds; a later update with the same (Symbol, Interval, Time)
// supersedes an earlier one and must be treated as an in-place replace
// downstream.
type KlineUpdate struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// KlineEvent is the bus-carried envelope for a KlineUpdate, keyed by
// lowercase symbol and the interval it belongs to.
type KlineEvent struct {
	Symbol   string      `json:"symbol"`
	Interval string      `json:"interval"`
	Data     KlineUpdate `json:"data"`
}

// TickerFields is the compact 24h snapshot for one symbol.
type TickerFields struct {
	LastPrice           float64 `json:"lastPrice"`
	PriceChange         float64 `json:"priceChange"`
	PriceChangePercent  float64 `json:"priceChangePercent"`
}

// TickerBatch is a map of uppercase symbol to its fields, the unit
// published on market.ticker and sent to every ticker client verbatim.
type TickerBatch map[string]TickerFields

// StreamName returns the canonical kline stream name, e.g.
// "btcusdt@kline_1m".
func StreamName(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// TickerStreamName is the sentinel stream carrying the ticker firehose.
const TickerStreamName = "!ticker@arr"

// BaseSymbol extracts the symbol portion from a kline stream name,
// e.g. "btcusdt@kline_1m" -> "btcusdt". Returns the input unchanged if
// it does not contain the kline separator.
func BaseSymbol(streamName string) string {
	i := strings.Index(streamName, "@kline_")
	if i < 0 {
		return streamName
	}
	return streamName[:i]
}

// IntervalOf extracts the interval portion from a kline stream name,
// e.g. "btcusdt@kline_1m" -> "1m". Returns "" if absent.
func IntervalOf(streamName string) string {
	i := strings.Index(streamName, "@kline_")
	if i < 0 {
		return ""
	}
	return streamName[i+len("@kline_"):]
}
