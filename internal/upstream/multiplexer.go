// Package upstream implements the Upstream Multiplexer (spec.md §4.3):
// two independent, reconnecting WS sessions against the exchange
// (spot and derivatives), each carrying a dynamically maintained
// subscription set plus the always-on ticker firehose.
//
// Grounded on internal/binance/user_data_stream.go's connect()/readLoop
// reconnect-with-sleep shape and kline_subscription_manager.go's
// SyncSubscriptions re-announce idiom, and on the original
// websocket_manager.py._run_stream_loop (ping_interval=20,
// ping_timeout=20, 5s backoff). Frame dispatch is by the combined
// stream envelope's "stream" name, never by payload shape — the
// tagged-union redesign spec.md §9 calls for.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"marketfeed-gateway/internal/gatewayerr"
	"marketfeed-gateway/internal/logging"
	"marketfeed-gateway/internal/market"
)

const (
	pingInterval   = 20 * time.Second
	pingTimeout    = 20 * time.Second
	reconnectDelay = 5 * time.Second
)

// BusPublisher is the Multiplexer's outbound dependency on the bus.
type BusPublisher interface {
	PublishKline(ctx context.Context, evt market.KlineEvent) error
	PublishTicker(ctx context.Context, batch market.TickerBatch) error
}

// Classifier is the Multiplexer's dependency on the Symbol Registry
// for dynamic-SUBSCRIBE routing.
type Classifier interface {
	Classify(ctx context.Context, symbol string) market.Venue
}

// WatchlistProvider supplies the current global watchlist used to
// filter the ticker firehose before it is republished.
type WatchlistProvider interface {
	TickerWatchlist() map[string]bool
}

// Multiplexer owns the two venue sessions and routes dynamic
// SUBSCRIBE/UNSUBSCRIBE calls to the correct one.
type Multiplexer struct {
	spot   *venueSession
	deriv  *venueSession
	reg    Classifier
}

// Config carries the two venues' combined-stream WS base URLs.
type Config struct {
	SpotWSBaseURL  string
	DerivWSBaseURL string
}

// New constructs a Multiplexer with its two venue sessions. Neither
// session dials until Run is called — per spec.md §9, all long-lived
// tasks are spawned from the top-level startup routine.
func New(cfg Config, bus BusPublisher, reg Classifier, watchlist WatchlistProvider) *Multiplexer {
	return &Multiplexer{
		spot:  newVenueSession(string(market.VenueSpot), cfg.SpotWSBaseURL, bus, watchlist),
		deriv: newVenueSession(string(market.VenueDeriv), cfg.DerivWSBaseURL, bus, watchlist),
		reg:   reg,
	}
}

// Run starts both venue sessions' supervised reconnect loops and
// blocks until ctx is cancelled.
func (m *Multiplexer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.spot.run(ctx) }()
	go func() { defer wg.Done(); m.deriv.run(ctx) }()
	wg.Wait()
}

// routeVenue implements spec.md §4.3's routing rule: look up the base
// symbol, send on the matching venue's socket; UNKNOWN defaults to
// SPOT — the ambiguous-in-source default documented at spec.md §9
// Open Questions and flagged here, not applied silently.
func (m *Multiplexer) routeVenue(ctx context.Context, streamName string) *venueSession {
	base := strings.ToUpper(market.BaseSymbol(streamName))
	switch m.reg.Classify(ctx, base) {
	case market.VenueDeriv:
		return m.deriv
	default:
		// SPOT and the UNKNOWN default both land here.
		return m.spot
	}
}

// SubscribeDynamic forwards a live SUBSCRIBE to the correctly-routed
// venue. Called by the Bus Relay on cmd.kline.sub.
func (m *Multiplexer) SubscribeDynamic(ctx context.Context, streamName string) {
	m.routeVenue(ctx, streamName).subscribe(streamName)
}

// UnsubscribeLocal forwards a local-only UNSUBSCRIBE to the
// correctly-routed venue. Called by the Client Hub on a stream's
// >=1->0 ref-count transition. Implements hub.LocalUnsubscriber.
func (m *Multiplexer) UnsubscribeLocal(ctx context.Context, streamName string) {
	m.routeVenue(ctx, streamName).unsubscribe(streamName)
}

// venueSession is one of the two independent supervised tasks.
type venueSession struct {
	venue     string
	wsBaseURL string
	bus       BusPublisher
	watchlist WatchlistProvider

	mu          sync.Mutex
	conn        *websocket.Conn
	writeMu     sync.Mutex
	liveStreams map[string]bool // kline streams only; ticker sentinel is implicit

	nextID int64
}

func newVenueSession(venue, wsBaseURL string, bus BusPublisher, watchlist WatchlistProvider) *venueSession {
	return &venueSession{
		venue:       venue,
		wsBaseURL:   wsBaseURL,
		bus:         bus,
		watchlist:   watchlist,
		liveStreams: make(map[string]bool),
	}
}

// run is the supervised reconnect loop: dial, serve frames until
// error, log, back off 5s, retry. The other venue is unaffected by a
// failure here (spec.md §4.3 step 4).
func (s *venueSession) run(ctx context.Context) {
	log := logging.VenueContext(s.venue, "")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectAndServe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(gatewayerr.New(gatewayerr.UpstreamStreamError, s.venue, "", err)).Warn("upstream session failed, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *venueSession) streamListURL() string {
	s.mu.Lock()
	streams := make([]string, 0, len(s.liveStreams)+1)
	streams = append(streams, market.TickerStreamName)
	for stream := range s.liveStreams {
		streams = append(streams, stream)
	}
	s.mu.Unlock()

	return fmt.Sprintf("%s%s", s.wsBaseURL, url.QueryEscape(strings.Join(streams, "/")))
}

func (s *venueSession) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamListURL(), nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	// Reconnect re-announces every currently ref-counted stream before
	// entering the read loop — satisfied here because streamListURL()
	// already baked the live set into the connection URL above
	// (testable property 6 / scenario E).
	conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		return nil
	})

	stopHeartbeat := make(chan struct{})
	go s.heartbeat(conn, stopHeartbeat)
	defer close(stopHeartbeat)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleFrame(ctx, raw); err != nil {
			logging.VenueContext(s.venue, "").WithError(err).Warn("dropping malformed upstream frame")
		}
	}
}

func (s *venueSession) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klinePayload struct {
	Symbol string `json:"s"`
	K      struct {
		OpenTimeMs int64  `json:"t"`
		Interval   string `json:"i"`
		Open       string `json:"o"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Close      string `json:"c"`
		Volume     string `json:"v"`
	} `json:"k"`
}

type tickerPayload struct {
	Symbol              string `json:"s"`
	LastPrice           string `json:"c"`
	PriceChange         string `json:"p"`
	PriceChangePercent  string `json:"P"`
}

// handleFrame dispatches strictly by the envelope's stream name — a
// known kline stream suffix or the ticker sentinel — never by probing
// which JSON keys happen to be present in the payload.
func (s *venueSession) handleFrame(ctx context.Context, raw []byte) error {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}

	switch {
	case env.Stream == market.TickerStreamName:
		return s.handleTicker(ctx, env.Data)
	case strings.Contains(env.Stream, "@kline_"):
		return s.handleKline(ctx, env.Data)
	default:
		return fmt.Errorf("unrecognized stream %q", env.Stream)
	}
}

func (s *venueSession) handleKline(ctx context.Context, data json.RawMessage) error {
	var p klinePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	evt := market.KlineEvent{
		Symbol:   strings.ToLower(p.Symbol),
		Interval: p.K.Interval,
		Data: market.KlineUpdate{
			Time:   p.K.OpenTimeMs / 1000,
			Open:   mustFloat(p.K.Open),
			High:   mustFloat(p.K.High),
			Low:    mustFloat(p.K.Low),
			Close:  mustFloat(p.K.Close),
			Volume: mustFloat(p.K.Volume),
		},
	}
	if err := s.bus.PublishKline(ctx, evt); err != nil {
		return err
	}
	return nil
}

func (s *venueSession) handleTicker(ctx context.Context, data json.RawMessage) error {
	var arr []tickerPayload
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}

	watchlist := s.watchlist.TickerWatchlist()
	batch := make(market.TickerBatch)
	for _, t := range arr {
		symbol := strings.ToUpper(t.Symbol)
		if !watchlist[symbol] {
			continue
		}
		batch[symbol] = market.TickerFields{
			LastPrice:          mustFloat(t.LastPrice),
			PriceChange:        mustFloat(t.PriceChange),
			PriceChangePercent: mustFloat(t.PriceChangePercent),
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return s.bus.PublishTicker(ctx, batch)
}

func mustFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// subscribe adds streamName to the live set and, if connected, pushes
// a live SUBSCRIBE frame. A stream already in the live set is a no-op
// (spec.md §4.4: "if the stream is not already in this instance's
// live subscription set, forward a SUBSCRIBE"). IDs are opaque
// monotonic integers; acks are ignored (spec.md §4.3).
func (s *venueSession) subscribe(streamName string) {
	s.mu.Lock()
	if s.liveStreams[streamName] {
		s.mu.Unlock()
		return
	}
	s.liveStreams[streamName] = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}
	s.sendControl(conn, "SUBSCRIBE", streamName)
}

// unsubscribe removes streamName from the live set and, if connected,
// pushes a live UNSUBSCRIBE frame.
func (s *venueSession) unsubscribe(streamName string) {
	s.mu.Lock()
	delete(s.liveStreams, streamName)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}
	s.sendControl(conn, "UNSUBSCRIBE", streamName)
}

func (s *venueSession) sendControl(conn *websocket.Conn, method, streamName string) {
	msg := subscribeMessage{Method: method, Params: []string{streamName}, ID: atomic.AddInt64(&s.nextID, 1)}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.VenueContext(s.venue, streamName).WithError(err).Warn("failed to send control frame")
	}
}
