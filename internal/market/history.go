package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// intervalFallback maps intervals a charting client might request but
// the upstream venue does not support onto the closest interval it
// does, mirroring the original service's get_klines fallback table
// (spec.md §12 supplement).
var intervalFallback = map[string]string{
	"60m": "1h",
	"90m": "1h",
	"2m":  "1m",
	"5d":  "1w",
	"1wk": "1w",
	"1mo": "1M",
	"3mo": "1M",
}

// ResolveInterval maps interval onto a venue-supported interval,
// passing it through unchanged if no fallback entry applies.
func ResolveInterval(interval string) string {
	if mapped, ok := intervalFallback[interval]; ok {
		return mapped
	}
	return interval
}

// HistoryClient fetches historical klines over REST, used to backfill
// a chart before its WebSocket subscription starts delivering live
// updates.
type HistoryClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHistoryClient builds a HistoryClient against a venue's REST base
// URL (spot or derivatives).
func NewHistoryClient(baseURL string) *HistoryClient {
	return &HistoryClient{httpClient: http.DefaultClient, baseURL: baseURL}
}

// Klines fetches up to limit historical klines for symbol at
// interval, oldest first.
func (c *HistoryClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]KlineUpdate, error) {
	resolved := ResolveInterval(interval)

	q := url.Values{}
	q.Set("symbol", symbolUpper(symbol))
	q.Set("interval", resolved)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: fetch klines: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: venue returned status %d", resp.StatusCode)
	}

	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("history: decode klines: %w", err)
	}

	updates := make([]KlineUpdate, 0, len(raw))
	for _, candle := range raw {
		if len(candle) < 6 {
			continue
		}
		update, err := decodeCandle(candle)
		if err != nil {
			continue
		}
		updates = append(updates, update)
	}
	return updates, nil
}

func decodeCandle(candle []json.RawMessage) (KlineUpdate, error) {
	var openTimeMs int64
	var open, high, low, close, volume string
	if err := json.Unmarshal(candle[0], &openTimeMs); err != nil {
		return KlineUpdate{}, err
	}
	if err := json.Unmarshal(candle[1], &open); err != nil {
		return KlineUpdate{}, err
	}
	if err := json.Unmarshal(candle[2], &high); err != nil {
		return KlineUpdate{}, err
	}
	if err := json.Unmarshal(candle[3], &low); err != nil {
		return KlineUpdate{}, err
	}
	if err := json.Unmarshal(candle[4], &close); err != nil {
		return KlineUpdate{}, err
	}
	if err := json.Unmarshal(candle[5], &volume); err != nil {
		return KlineUpdate{}, err
	}

	return KlineUpdate{
		Time:   openTimeMs / 1000,
		Open:   mustFloat(open),
		High:   mustFloat(high),
		Low:    mustFloat(low),
		Close:  mustFloat(close),
		Volume: mustFloat(volume),
	}, nil
}

func symbolUpper(symbol string) string {
	return strings.ToUpper(symbol)
}

// mustFloat parses a venue's string-encoded decimal field, returning
// 0 on a malformed value rather than failing the whole frame.
func mustFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
