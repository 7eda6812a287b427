package api

import (
	"net/http"
	"strconv"
	"strings"

	"marketfeed-gateway/internal/auth"
	"marketfeed-gateway/internal/logging"
	"marketfeed-gateway/internal/market"

	"github.com/gin-gonic/gin"
)

// handleSearch backs the symbol search box:
// GET /market/search?query=&asset_type=&limit=.
func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("query")
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	if c.Query("asset_type") == "stock" {
		c.JSON(http.StatusOK, gin.H{"symbols": searchEquities(query, limit)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": s.registry.Search(c.Request.Context(), query, limit)})
}

// searchEquities substring-matches the static popular-equities list
// (spec.md §12 supplement — stocks are out of the live Registry).
func searchEquities(query string, limit int) []market.Symbol {
	equities := market.PopularEquities()
	if query == "" {
		if len(equities) > limit {
			return equities[:limit]
		}
		return equities
	}
	query = strings.ToUpper(query)
	results := make([]market.Symbol, 0, limit)
	for _, s := range equities {
		if strings.Contains(s.Symbol, query) {
			results = append(results, s)
		}
		if len(results) >= limit {
			break
		}
	}
	return results
}

// handlePopular backs the default watchlist view: GET /market/popular.
func (s *Server) handlePopular(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.registry.Popular(c.Request.Context())})
}

// handleKlines backs historical chart backfill:
// GET /market/klines/:symbol?interval=&asset_type=&limit=.
func (s *Server) handleKlines(c *gin.Context) {
	symbol := c.Param("symbol")
	interval := c.DefaultQuery("interval", "1m")
	assetType := c.Query("asset_type")
	limit := 500
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	venue := s.registry.Classify(c.Request.Context(), symbol)
	if venue == market.VenueUnknown && assetType == "stock" {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "equity historical klines are not implemented"})
		return
	}

	client := s.spotHistory
	if venue == market.VenueDeriv {
		client = s.derivHistory
	}
	if client == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "historical klines unavailable"})
		return
	}

	klines, err := client.Klines(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		logging.Default().WithComponent("api").WithError(err).Warn("historical klines fetch failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch historical klines"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "interval": interval, "klines": klines})
}

// handleTickers backs a one-shot ticker snapshot:
// GET /market/tickers?crypto_symbols=&stock_symbols=. stock_symbols is
// accepted for contract parity but never matches — live equity
// quoting is out of core (spec.md §12 supplement).
func (s *Server) handleTickers(c *gin.Context) {
	latest := s.clientHub.LatestTickers()

	requested := splitCSV(c.Query("crypto_symbols"))
	requested = append(requested, splitCSV(c.Query("stock_symbols"))...)

	if len(requested) == 0 {
		c.JSON(http.StatusOK, gin.H{"tickers": latest})
		return
	}

	out := make(market.TickerBatch, len(requested))
	for _, sym := range requested {
		if fields, ok := latest[sym]; ok {
			out[sym] = fields
		}
	}
	c.JSON(http.StatusOK, gin.H{"tickers": out})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleWatchlistList(c *gin.Context) {
	userID := auth.GetUserID(c)
	entries, err := s.watchlist.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load watchlist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watchlist": entries})
}

func (s *Server) handleWatchlistAdd(c *gin.Context) {
	userID := auth.GetUserID(c)
	symbol := c.Param("symbol")
	if err := s.watchlist.Add(c.Request.Context(), userID, symbol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add symbol"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWatchlistRemove(c *gin.Context) {
	userID := auth.GetUserID(c)
	symbol := c.Param("symbol")
	if err := s.watchlist.Remove(c.Request.Context(), userID, symbol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove symbol"})
		return
	}
	c.Status(http.StatusNoContent)
}

type chatCompleteRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// handleChatComplete proxies a single prompt to the configured LLM
// provider: POST /chat/complete {"prompt": "..."}.
func (s *Server) handleChatComplete(c *gin.Context) {
	var req chatCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	reply, err := s.chatClient.Complete(c.Request.Context(), req.Prompt)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "chat provider request failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

// handleNewsHeadlines backs the news sidebar: GET /news/headlines.
func (s *Server) handleNewsHeadlines(c *gin.Context) {
	headlines, err := s.news.Headlines(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load headlines"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"headlines": headlines})
}
