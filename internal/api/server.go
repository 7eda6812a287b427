// Package api is the gateway's HTTP/WebSocket edge: the downstream
// WebSocket endpoints clients connect to for kline and ticker feeds,
// plus the REST surface for symbol search/popular lists and the
// per-user watchlist. Grounded on the source project's internal/api
// server.go (gin.Engine + gin-contrib/cors + graceful http.Server
// shutdown) and websocket.go (gorilla/websocket upgrader + hub).
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"marketfeed-gateway/config"
	"marketfeed-gateway/internal/auth"
	"marketfeed-gateway/internal/chat"
	"marketfeed-gateway/internal/database"
	"marketfeed-gateway/internal/hub"
	"marketfeed-gateway/internal/logging"
	"marketfeed-gateway/internal/market"
	"marketfeed-gateway/internal/news"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Registry is the subset of the Symbol Universe Registry the REST
// routes need.
type Registry interface {
	Search(ctx context.Context, query string, limit int) []market.Symbol
	Popular(ctx context.Context) []market.Symbol
	Classify(ctx context.Context, symbol string) market.Venue
}

// Server is the gateway's HTTP server.
type Server struct {
	router       *gin.Engine
	httpServer   *http.Server
	cfg          config.ServerConfig
	registry     Registry
	clientHub    *hub.Hub
	watchlist    *database.WatchlistRepository // nil when the database is disabled
	jwtManager   *auth.JWTManager               // nil when auth is disabled
	chatClient   *chat.Client                   // nil when the AI collaborator is disabled
	news         *news.Aggregator               // nil when the news collaborator is disabled
	spotHistory  *market.HistoryClient
	derivHistory *market.HistoryClient
}

// NewServer builds the gin engine and registers every route.
func NewServer(cfg config.ServerConfig, reg Registry, clientHub *hub.Hub, watchlist *database.WatchlistRepository, jwtManager *auth.JWTManager, chatClient *chat.Client, newsAggregator *news.Aggregator, spotHistory, derivHistory *market.HistoryClient) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOriginFunc = func(origin string) bool {
		return cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == origin
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:       router,
		cfg:          cfg,
		registry:     reg,
		clientHub:    clientHub,
		watchlist:    watchlist,
		jwtManager:   jwtManager,
		chatClient:   chatClient,
		news:         newsAggregator,
		spotHistory:  spotHistory,
		derivHistory: derivHistory,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	marketGroup := s.router.Group("/market")
	marketGroup.GET("/search", s.handleSearch)
	marketGroup.GET("/popular", s.handlePopular)
	marketGroup.GET("/klines/:symbol", s.handleKlines)
	marketGroup.GET("/tickers", s.handleTickers)

	s.router.GET("/ws/:symbol/:interval", s.handleKlineWS)
	s.router.GET("/ws/tickers", s.handleTickerWS)

	if s.jwtManager != nil && s.watchlist != nil {
		watchlistGroup := s.router.Group("/watchlist")
		watchlistGroup.Use(auth.Middleware(s.jwtManager))
		watchlistGroup.GET("", s.handleWatchlistList)
		watchlistGroup.POST("/:symbol", s.handleWatchlistAdd)
		watchlistGroup.DELETE("/:symbol", s.handleWatchlistRemove)
	}

	if s.chatClient != nil {
		s.router.POST("/chat/complete", s.handleChatComplete)
	}

	if s.news != nil {
		s.router.GET("/news/headlines", s.handleNewsHeadlines)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC().Format(time.RFC3339)})
}

// Start serves HTTP until Shutdown is called, blocking like
// http.Server.ListenAndServe.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	logging.Default().WithComponent("api").WithField("addr", addr).Info("starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
