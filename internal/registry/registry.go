// Package registry implements the Symbol Registry: a TTL-bounded
// snapshot of the tradable universe, partitioned into SPOT and
// DERIV-only membership sets, that drives routing decisions for every
// other component.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketfeed-gateway/internal/gatewayerr"
	"marketfeed-gateway/internal/logging"
	"marketfeed-gateway/internal/market"
)

func decodeJSON(resp *http.Response, v interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// defaultSeedSymbols is the hardcoded fallback used when a REST fetch
// fails and no prior snapshot exists to fall back to (see
// SPEC_FULL.md §12, grounded on the original's _load_symbols retry
// fallback).
var (
	defaultSeedSpot  = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	defaultSeedDeriv = []string{"XAUUSDT", "XAGUSDT"}
)

// ExchangeInfoFetcher abstracts the two REST calls the registry needs:
// spot exchangeInfo and derivatives exchangeInfo. Implemented by this
// package's httpExchangeInfoFetcher (see NewHTTPFetcher) and faked in
// tests.
type ExchangeInfoFetcher interface {
	FetchSpotSymbols(ctx context.Context) ([]market.Symbol, error)
	FetchDerivSymbols(ctx context.Context) ([]market.Symbol, error)
}

// VolumeFetcher is optionally implemented by an ExchangeInfoFetcher to
// supply the 24hr quote volume Popular() ranks by (spec.md §4.1).
// Grounded on the teacher's internal/binance/client.go's
// Get24hrTickers()/Ticker24hr.QuoteVolume. Fakes used in tests need not
// implement it; Refresh skips volume enrichment when they don't.
type VolumeFetcher interface {
	FetchQuoteVolumes(ctx context.Context) (map[string]float64, error)
}

// snapshot is the immutable point-in-time view published on refresh.
// A pointer to one of these is swapped atomically under Registry.mu so
// that classify/search/popular never interleave with a refresh.
type snapshot struct {
	all     []market.Symbol // spot first, then derivatives-only (insertion order)
	spot    map[string]market.Symbol
	deriv   map[string]market.Symbol
	popular []market.Symbol
	loadedAt time.Time
}

// Registry exposes the current snapshot of tradable symbols and
// classify/search/popular queries over it.
type Registry struct {
	mu       sync.Mutex
	fetcher  ExchangeInfoFetcher
	ttl      time.Duration
	snap     *snapshot
	popularN int
}

// New constructs a Registry. ttl is the shared TTL for the snapshot
// (spec.md §4.1: "all four keys share a single TTL").
func New(fetcher ExchangeInfoFetcher, ttl time.Duration, popularN int) *Registry {
	if popularN <= 0 {
		popularN = 25
	}
	return &Registry{fetcher: fetcher, ttl: ttl, popularN: popularN}
}

func (r *Registry) stale(s *snapshot) bool {
	return s == nil || time.Since(s.loadedAt) >= r.ttl
}

// Refresh fetches spot and derivatives universes, filters to TRADING
// status (done by the fetcher), builds the two disjoint sets, and
// atomically replaces the snapshot. On failure the previous snapshot
// remains valid until its natural TTL — there is no partial replace.
func (r *Registry) Refresh(ctx context.Context) error {
	log := logging.RegistryContext("refresh")

	spot, err := r.fetcher.FetchSpotSymbols(ctx)
	if err != nil {
		return r.refreshFailed(gatewayerr.New(gatewayerr.UpstreamFetchError, "spot", "", err))
	}
	deriv, err := r.fetcher.FetchDerivSymbols(ctx)
	if err != nil {
		return r.refreshFailed(gatewayerr.New(gatewayerr.UpstreamFetchError, "deriv", "", err))
	}

	if vf, ok := r.fetcher.(VolumeFetcher); ok {
		volumes, err := vf.FetchQuoteVolumes(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to fetch 24hr quote volumes, popular() ranking degraded")
		} else {
			applyQuoteVolumes(spot, volumes)
			applyQuoteVolumes(deriv, volumes)
		}
	}

	spotSet := make(map[string]market.Symbol, len(spot))
	all := make([]market.Symbol, 0, len(spot)+len(deriv))
	for _, s := range spot {
		s.Venue = market.VenueSpot
		spotSet[s.Symbol] = s
		all = append(all, s)
	}

	derivSet := make(map[string]market.Symbol, len(deriv))
	for _, s := range deriv {
		// DERIV set only contains symbols absent from SPOT.
		if _, inSpot := spotSet[s.Symbol]; inSpot {
			continue
		}
		s.Venue = market.VenueDeriv
		derivSet[s.Symbol] = s
		all = append(all, s)
	}

	popular := popularByVolume(all, r.popularN)

	next := &snapshot{
		all:      all,
		spot:     spotSet,
		deriv:    derivSet,
		popular:  popular,
		loadedAt: time.Now(),
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()

	log.WithField("spot_count", len(spotSet)).WithField("deriv_count", len(derivSet)).Info("symbol registry refreshed")
	return nil
}

// refreshFailed is invoked when a REST fetch errors. If a prior
// snapshot exists it remains valid (the error is just returned for
// logging by the caller). On a cold start with no prior snapshot, the
// hardcoded seed set is installed so the gateway can still serve
// traffic (SPEC_FULL.md §12).
func (r *Registry) refreshFailed(err *gatewayerr.Error) error {
	r.mu.Lock()
	hasSnapshot := r.snap != nil
	r.mu.Unlock()

	if hasSnapshot {
		logging.RegistryContext("refresh").WithError(err).Warn("refresh failed, keeping prior snapshot")
		return err
	}

	logging.RegistryContext("refresh").WithError(err).Warn("refresh failed on cold start, installing seed snapshot")
	r.installSeedSnapshot()
	return err
}

func (r *Registry) installSeedSnapshot() {
	spotSet := make(map[string]market.Symbol, len(defaultSeedSpot))
	all := make([]market.Symbol, 0, len(defaultSeedSpot)+len(defaultSeedDeriv))
	for _, sym := range defaultSeedSpot {
		s := market.Symbol{Symbol: sym, Venue: market.VenueSpot}
		spotSet[sym] = s
		all = append(all, s)
	}
	derivSet := make(map[string]market.Symbol, len(defaultSeedDeriv))
	for _, sym := range defaultSeedDeriv {
		s := market.Symbol{Symbol: sym, Venue: market.VenueDeriv}
		derivSet[sym] = s
		all = append(all, s)
	}

	r.mu.Lock()
	r.snap = &snapshot{all: all, spot: spotSet, deriv: derivSet, popular: all, loadedAt: time.Now()}
	r.mu.Unlock()
}

// applyQuoteVolumes merges fetched 24hr quote volumes into symbols
// in place, keyed by ticker symbol.
func applyQuoteVolumes(symbols []market.Symbol, volumes map[string]float64) {
	for i := range symbols {
		if v, ok := volumes[symbols[i].Symbol]; ok {
			symbols[i].QuoteVolume24h = v
		}
	}
}

func popularByVolume(all []market.Symbol, n int) []market.Symbol {
	ranked := make([]market.Symbol, len(all))
	copy(ranked, all)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].QuoteVolume24h > ranked[j].QuoteVolume24h
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// ensureSnapshot triggers a refresh if the snapshot is absent or
// past its TTL, per classify()'s "triggers refresh() if the snapshot
// is absent" rule (extended here to also cover expiry, which is the
// natural reading of a TTL cache).
func (r *Registry) ensureSnapshot(ctx context.Context) *snapshot {
	r.mu.Lock()
	snap := r.snap
	r.mu.Unlock()

	if !r.stale(snap) {
		return snap
	}
	_ = r.Refresh(ctx) // errors keep the previous snapshot, or install the seed snapshot on a cold start

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Classify returns SPOT, DERIV or UNKNOWN for a symbol.
//
// UNKNOWN is returned for a symbol in neither set; Classify itself never
// maps UNKNOWN to SPOT. Callers that need a routing decision apply the
// "default to SPOT when UNKNOWN" rule themselves: internal/upstream's
// routeVenue and internal/api's handleKlines both send anything that
// is not DERIV to the spot venue.
func (r *Registry) Classify(ctx context.Context, symbol string) market.Venue {
	snap := r.ensureSnapshot(ctx)
	if snap == nil {
		return market.VenueUnknown
	}
	symbol = strings.ToUpper(symbol)
	if _, ok := snap.spot[symbol]; ok {
		return market.VenueSpot
	}
	if _, ok := snap.deriv[symbol]; ok {
		return market.VenueDeriv
	}
	return market.VenueUnknown
}

// Search performs a case-insensitive substring match on symbol and an
// exact match on baseAsset, preserving the snapshot's insertion order
// (spot first, then derivatives-only), truncated to limit.
func (r *Registry) Search(ctx context.Context, query string, limit int) []market.Symbol {
	snap := r.ensureSnapshot(ctx)
	if snap == nil || limit <= 0 {
		return nil
	}
	if query == "" {
		if len(snap.all) > limit {
			return append([]market.Symbol{}, snap.all[:limit]...)
		}
		return append([]market.Symbol{}, snap.all...)
	}

	query = strings.ToUpper(query)
	results := make([]market.Symbol, 0, limit)
	for _, s := range snap.all {
		if strings.Contains(strings.ToUpper(s.Symbol), query) || strings.ToUpper(s.BaseAsset) == query {
			results = append(results, s)
		}
		if len(results) >= limit {
			break
		}
	}
	return results
}

// fixedPopularAppend is appended verbatim to popular(), per spec.md
// §4.1: "two fixed derivative symbols (XAUUSDT, XAGUSDT) appended."
var fixedPopularAppend = []market.Symbol{
	{Symbol: "XAUUSDT", Venue: market.VenueDeriv},
	{Symbol: "XAGUSDT", Venue: market.VenueDeriv},
}

// Popular returns the precomputed crypto popular list, the static
// popular-equities list (spec.md §12 supplement — crypto ∪ stock), and
// finally the two fixed derivative symbols appended.
func (r *Registry) Popular(ctx context.Context) []market.Symbol {
	equities := market.PopularEquities()

	snap := r.ensureSnapshot(ctx)
	if snap == nil {
		out := make([]market.Symbol, 0, len(equities)+len(fixedPopularAppend))
		out = append(out, equities...)
		out = append(out, fixedPopularAppend...)
		return out
	}
	out := make([]market.Symbol, 0, len(snap.popular)+len(equities)+len(fixedPopularAppend))
	out = append(out, snap.popular...)
	out = append(out, equities...)
	out = append(out, fixedPopularAppend...)
	return out
}

// httpExchangeInfoFetcher is the production ExchangeInfoFetcher,
// grounded on internal/binance/client.go's REST-call shape: build URL,
// httpClient.Do, decode JSON, filter TRADING status.
type httpExchangeInfoFetcher struct {
	httpClient  *http.Client
	spotBase    string
	derivBase   string
}

// NewHTTPFetcher builds the production REST-backed ExchangeInfoFetcher.
func NewHTTPFetcher(spotBaseURL, derivBaseURL string) ExchangeInfoFetcher {
	return &httpExchangeInfoFetcher{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		spotBase:   spotBaseURL,
		derivBase:  derivBaseURL,
	}
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

func (f *httpExchangeInfoFetcher) fetch(ctx context.Context, baseURL string) ([]market.Symbol, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchangeInfo: unexpected status %d", resp.StatusCode)
	}

	var decoded exchangeInfoResponse
	if err := decodeJSON(resp, &decoded); err != nil {
		return nil, err
	}

	out := make([]market.Symbol, 0, len(decoded.Symbols))
	for _, s := range decoded.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		out = append(out, market.Symbol{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		})
	}
	return out, nil
}

func (f *httpExchangeInfoFetcher) FetchSpotSymbols(ctx context.Context) ([]market.Symbol, error) {
	return f.fetch(ctx, f.spotBase)
}

func (f *httpExchangeInfoFetcher) FetchDerivSymbols(ctx context.Context) ([]market.Symbol, error) {
	return f.fetch(ctx, f.derivBase)
}

type ticker24hrEntry struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

// FetchQuoteVolumes fetches /ticker/24hr from the spot venue, the same
// endpoint the teacher's Get24hrTickers hits, and returns quote volume
// keyed by symbol. Binance's /ticker/24hr (unlike /exchangeInfo) isn't
// offered by the derivatives venue used here, so DERIV symbols keep
// whatever volume spot already reports for them (0 if absent).
func (f *httpExchangeInfoFetcher) FetchQuoteVolumes(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.spotBase+"/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ticker/24hr: unexpected status %d", resp.StatusCode)
	}

	var decoded []ticker24hrEntry
	if err := decodeJSON(resp, &decoded); err != nil {
		return nil, err
	}

	volumes := make(map[string]float64, len(decoded))
	for _, t := range decoded {
		volumes[t.Symbol] = parseFloatOr0(t.QuoteVolume)
	}
	return volumes, nil
}

// RunTTLRefresh runs Refresh once immediately, then on every TTL tick,
// until ctx is cancelled. Spawned as a top-level task from the Gateway
// per spec.md §9 (all long-lived tasks spawned from startup).
func (r *Registry) RunTTLRefresh(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		logging.RegistryContext("refresh").WithError(err).Warn("initial refresh failed")
	}
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logging.RegistryContext("refresh").WithError(err).Warn("periodic refresh failed")
			}
		}
	}
}

// parseFloatOr0 mirrors internal/binance/client.go's permissive
// string-to-float helper used when decoding upstream numeric strings.
func parseFloatOr0(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
