// Package hub implements the Client Hub (spec.md §4.5) and hosts the
// Subscription Ref-Counter (spec.md §4.6) under the Hub's own mutex,
// per design note §9 ("the Ref-Counter is a plain value inside the
// Hub"). Grounded on internal/api/websocket.go's WSHub/WSClient
// pattern (buffered send channel, writePump/readPump, non-blocking
// broadcast) and _examples/other_examples/.../internal-pubsub-broker.go.go's
// per-subscriber drop-on-full fan-out for slow-client isolation.
package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketfeed-gateway/internal/logging"
	"marketfeed-gateway/internal/market"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// BusPublisher is the Hub's outbound dependency on the Pub/Sub Bus.
// Only the commands the Hub needs to emit are exposed.
type BusPublisher interface {
	PublishKlineSub(ctx context.Context, streamName string) error
	PublishTickerSub(ctx context.Context, symbols []string) error
}

// LocalUnsubscriber is the Hub's outbound dependency on the Upstream
// Multiplexer for the local-only UNSUBSCRIBE spec.md §4.5 describes
// ("no bus command — unsubscribe is local").
type LocalUnsubscriber interface {
	UnsubscribeLocal(ctx context.Context, streamName string)
}

// KlineClient is one connected /ws/<symbol>/<interval> client.
type KlineClient struct {
	conn     *websocket.Conn
	send     chan []byte
	symbol   string
	interval string
	closed   bool
	mu       sync.Mutex
}

// TickerClient is one connected /ws/tickers client.
type TickerClient struct {
	conn     *websocket.Conn
	send     chan []byte
	symbols  map[string]bool
	closed   bool
	mu       sync.Mutex
}

// Hub owns every connected client, the kline/ticker indices, and the
// ref-counter. All index mutation happens under mu; I/O (conn writes)
// happens off the lock, in each client's writePump goroutine.
type Hub struct {
	mu sync.Mutex

	klineIndex    map[string]map[*KlineClient]struct{} // stream name -> clients
	tickerClients map[*TickerClient]struct{}

	refs *RefCounter

	bus         BusPublisher
	multiplexer LocalUnsubscriber

	defaults []string        // fixed anchors, always in the watchlist
	remote   map[string]bool // symbols announced by cmd.ticker.sub from other instances

	latestTicker market.TickerBatch // most recent batch, served to GET /market/tickers
}

// New constructs an empty Hub. defaultSymbols are the anchors that
// must never be dropped from the ticker watchlist (spec.md §3).
func New(bus BusPublisher, multiplexer LocalUnsubscriber, defaultSymbols []string) *Hub {
	upper := make([]string, len(defaultSymbols))
	for i, s := range defaultSymbols {
		upper[i] = strings.ToUpper(s)
	}
	return &Hub{
		klineIndex:    make(map[string]map[*KlineClient]struct{}),
		tickerClients: make(map[*TickerClient]struct{}),
		refs:          NewRefCounter(),
		bus:           bus,
		multiplexer:   multiplexer,
		defaults:      upper,
		remote:        make(map[string]bool),
	}
}

// AddRemoteTickerSymbols folds symbols announced by another instance's
// cmd.ticker.sub into this Hub's ticker watchlist (spec.md §4.4's
// cross-instance fan-out: the global watchlist is defaults union every
// connected ticker-client's set union every remote instance's
// announced symbols). The accumulator only ever grows, matching
// spec.md §9's "ticker firehose is never unsubscribed."
func (h *Hub) AddRemoteTickerSymbols(symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range symbols {
		h.remote[strings.ToUpper(s)] = true
	}
}

// ConnectKline accepts a kline client, registers it, and increments
// the stream's ref-count. On a 0->1 transition it publishes
// cmd.kline.sub. The client's read/write pumps are started; reads are
// discarded (keep-alive only), per spec.md §4.5/§6.
func (h *Hub) ConnectKline(ctx context.Context, conn *websocket.Conn, symbol, interval string) *KlineClient {
	c := &KlineClient{conn: conn, send: make(chan []byte, sendBufferSize), symbol: strings.ToLower(symbol), interval: interval}
	stream := market.StreamName(symbol, interval)

	h.mu.Lock()
	clients, ok := h.klineIndex[stream]
	if !ok {
		clients = make(map[*KlineClient]struct{})
		h.klineIndex[stream] = clients
	}
	clients[c] = struct{}{}
	transitioned := h.refs.Acquire(stream)
	h.mu.Unlock()

	if transitioned {
		if err := h.bus.PublishKlineSub(ctx, stream); err != nil {
			logging.BusContext(stream).WithError(err).Error("failed to publish cmd.kline.sub")
		}
	}

	go c.writePump()
	go c.readPump(h)
	return c
}

// DisconnectKline removes a kline client's record and decrements its
// stream's ref-count. On a >=1->0 transition it schedules a local
// UNSUBSCRIBE on the Upstream Multiplexer — no bus command, since
// other instances may still have interest in the stream. Safe to call
// more than once for the same client (slow-client eviction during a
// broadcast and the client's own readPump exit can both race to call
// this) — only the call that actually closes the client touches the
// index and ref-counter.
func (h *Hub) DisconnectKline(ctx context.Context, c *KlineClient) {
	if !c.close() {
		return
	}

	stream := market.StreamName(c.symbol, c.interval)

	h.mu.Lock()
	if clients, ok := h.klineIndex[stream]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.klineIndex, stream)
		}
	}
	transitioned := h.refs.Release(stream)
	h.mu.Unlock()

	if transitioned {
		h.multiplexer.UnsubscribeLocal(ctx, stream)
	}
}

// ConnectTicker accepts a ticker client with an empty declared set.
func (h *Hub) ConnectTicker(conn *websocket.Conn) *TickerClient {
	c := &TickerClient{conn: conn, send: make(chan []byte, sendBufferSize), symbols: make(map[string]bool)}
	h.mu.Lock()
	h.tickerClients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump(h)
	return c
}

// SubscribeTicker replaces the client's declared set (monotonicity per
// client — testable property 3), rebuilds the Hub-local watchlist, and
// publishes cmd.ticker.sub with the newly added symbols so other
// instances can fold them in.
func (h *Hub) SubscribeTicker(ctx context.Context, c *TickerClient, symbols []string) {
	next := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		next[strings.ToUpper(s)] = true
	}

	h.mu.Lock()
	before := h.tickerWatchlistLocked()
	c.mu.Lock()
	c.symbols = next
	c.mu.Unlock()
	after := h.tickerWatchlistLocked()
	h.mu.Unlock()

	delta := make([]string, 0, len(after))
	for s := range after {
		if !before[s] {
			delta = append(delta, s)
		}
	}
	if len(delta) == 0 {
		return
	}
	if err := h.bus.PublishTickerSub(ctx, delta); err != nil {
		logging.BusContext("market:cmd_ticker_sub").WithError(err).Error("failed to publish cmd.ticker.sub")
	}
}

// DisconnectTicker removes a ticker client. The default symbols always
// remain in the watchlist even if no client is subscribed. No bus
// command is published — the watchlist only ever grows across the
// bus, per spec.md §9's "ticker firehose is never unsubscribed." Safe
// to call more than once for the same client, for the same reason as
// DisconnectKline.
func (h *Hub) DisconnectTicker(c *TickerClient) {
	if !c.close() {
		return
	}
	h.mu.Lock()
	delete(h.tickerClients, c)
	h.mu.Unlock()
}

// TickerWatchlist returns defaults union every symbol announced by
// other instances (AddRemoteTickerSymbols) union every currently
// connected ticker client's declared set. This is the live view the
// Upstream Multiplexer filters the ticker firehose against; a local
// client's symbols leave it on disconnect, remote symbols never do.
func (h *Hub) TickerWatchlist() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tickerWatchlistLocked()
}

func (h *Hub) tickerWatchlistLocked() map[string]bool {
	out := make(map[string]bool, len(h.defaults)+len(h.remote))
	for _, s := range h.defaults {
		out[s] = true
	}
	for s := range h.remote {
		out[s] = true
	}
	for c := range h.tickerClients {
		c.mu.Lock()
		for s := range c.symbols {
			out[s] = true
		}
		c.mu.Unlock()
	}
	return out
}

// LatestTickers returns the most recent ticker batch broadcast, for
// GET /market/tickers's one-shot snapshot. Returns an empty batch
// before the first ticker frame arrives.
func (h *Hub) LatestTickers() market.TickerBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latestTicker == nil {
		return market.TickerBatch{}
	}
	return h.latestTicker
}

// BroadcastKline sends an update to every client registered for
// (symbol, interval). Iteration uses a snapshot copy so that
// disconnections triggered by send failures mid-broadcast cannot
// invalidate the loop (spec.md §4.5).
func (h *Hub) BroadcastKline(ctx context.Context, symbol, interval string, update market.KlineUpdate) {
	stream := market.StreamName(symbol, interval)

	h.mu.Lock()
	clients := h.klineIndex[stream]
	snapshot := make([]*KlineClient, 0, len(clients))
	for c := range clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	payload, err := json.Marshal(update)
	if err != nil {
		logging.WebSocketContext(symbol, stream).WithError(err).Error("failed to marshal kline update")
		return
	}

	for _, c := range snapshot {
		c.trySend(payload, func() { h.DisconnectKline(ctx, c) })
	}
}

// BroadcastTicker sends the whole batch to every ticker client. No
// per-client filtering is applied — clients display only what they
// asked for (spec.md §4.5).
func (h *Hub) BroadcastTicker(ctx context.Context, batch market.TickerBatch) {
	h.mu.Lock()
	h.latestTicker = batch
	snapshot := make([]*TickerClient, 0, len(h.tickerClients))
	for c := range h.tickerClients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		logging.WebSocketContext("", market.TickerStreamName).WithError(err).Error("failed to marshal ticker batch")
		return
	}

	for _, c := range snapshot {
		c.trySend(payload, func() { h.DisconnectTicker(c) })
	}
}

// trySend delivers payload to the client's buffered send channel.
// Non-blocking: a full channel (a send that failed to keep up) evicts
// the client immediately rather than delaying the broadcast loop —
// this is the slow-client isolation property (spec.md §8 property 8).
func (c *KlineClient) trySend(payload []byte, evict func()) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		evict()
	}
}

func (c *TickerClient) trySend(payload []byte, evict func()) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		evict()
	}
}

// close tears down the connection and send channel, returning true
// only for the call that performed the transition — callers use this
// to guard against running their own unregister logic more than once.
func (c *KlineClient) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	if c.send != nil {
		close(c.send)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return true
}

func (c *TickerClient) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	if c.send != nil {
		close(c.send)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return true
}

func (c *KlineClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards arbitrary client frames — used purely as
// keep-alive, per spec.md §6. On exit (remote close, read error, or
// eviction) it tells the Hub to disconnect this client, releasing its
// ref-count and removing it from klineIndex, the way the teacher's
// websocket.go ties ReadMessage failures back into wsHub.unregister.
func (c *KlineClient) readPump(h *Hub) {
	defer h.DisconnectKline(context.Background(), c)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *TickerClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type tickerControlFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// readPump parses {"action":"subscribe","symbols":[...]} control
// frames; anything else is a ProtocolError (spec.md §7) — dropped,
// connection stays open. On exit it tells the Hub to disconnect this
// client, the same unregister wiring KlineClient.readPump uses.
func (c *TickerClient) readPump(h *Hub) {
	defer h.DisconnectTicker(c)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame tickerControlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.WebSocketContext("", market.TickerStreamName).WithError(err).Warn("dropping malformed ticker control frame")
			continue
		}
		if frame.Action != "subscribe" {
			continue
		}
		h.SubscribeTicker(context.Background(), c, frame.Symbols)
	}
}
