package bus

import (
	"testing"
)

func TestDecodeDispatchesByChannelName(t *testing.T) {
	klinePayload := []byte(`{"symbol":"btcusdt","interval":"1m","data":{"time":1700000000,"open":27000.5,"high":27001,"low":26999,"close":27000.8,"volume":12.5}}`)
	msg, err := decode(ChannelKline, klinePayload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kline == nil || msg.Kline.Symbol != "btcusdt" || msg.Kline.Data.Open != 27000.5 {
		t.Fatalf("decoded kline message = %+v", msg)
	}
	if msg.Ticker != nil || msg.KlineSub != nil || msg.TickerSub != nil {
		t.Fatalf("decode(ChannelKline) populated unrelated fields: %+v", msg)
	}

	tickerPayload := []byte(`{"BTCUSDT":{"lastPrice":27000.5,"priceChange":100,"priceChangePercent":0.5}}`)
	msg, err = decode(ChannelTicker, tickerPayload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Ticker == nil {
		t.Fatalf("expected ticker batch")
	}
	fields, ok := msg.Ticker["BTCUSDT"]
	if !ok || fields.LastPrice != 27000.5 {
		t.Fatalf("decoded ticker batch = %+v", msg.Ticker)
	}

	subPayload := []byte(`{"stream":"btcusdt@kline_1m"}`)
	msg, err = decode(ChannelKlineSub, subPayload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.KlineSub == nil || msg.KlineSub.Stream != "btcusdt@kline_1m" {
		t.Fatalf("decoded kline sub = %+v", msg)
	}
}

func TestDecodeUnknownChannel(t *testing.T) {
	if _, err := decode("market:unknown", []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}
