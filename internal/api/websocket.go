package api

import (
	"net/http"

	"marketfeed-gateway/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleKlineWS upgrades to a WebSocket and hands the connection to
// the Client Hub as a kline subscriber for /ws/:symbol/:interval.
func (s *Server) handleKlineWS(c *gin.Context) {
	symbol := c.Param("symbol")
	interval := c.Param("interval")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.WebSocketContext(symbol, interval).WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.clientHub.ConnectKline(c.Request.Context(), conn, symbol, interval)
}

// handleTickerWS upgrades to a WebSocket and hands the connection to
// the Client Hub as a ticker subscriber for /ws/tickers. Clients then
// send {"action":"subscribe","symbols":[...]} control frames to
// declare interest, per spec.md §4.5.
func (s *Server) handleTickerWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.WebSocketContext("*", "ticker").WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.clientHub.ConnectTicker(conn)
}
