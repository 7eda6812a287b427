// Package gateway is the composition root: it owns every long-lived
// component and spawns every long-lived task from one place, per
// spec.md §9's "module-level singletons... re-architect as explicit
// dependencies" and "background task spawning... all long-lived tasks
// spawned from the top-level startup routine."
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketfeed-gateway/config"
	"marketfeed-gateway/internal/api"
	"marketfeed-gateway/internal/auth"
	"marketfeed-gateway/internal/bus"
	"marketfeed-gateway/internal/chat"
	"marketfeed-gateway/internal/database"
	"marketfeed-gateway/internal/hub"
	"marketfeed-gateway/internal/logging"
	"marketfeed-gateway/internal/market"
	"marketfeed-gateway/internal/news"
	"marketfeed-gateway/internal/registry"
	"marketfeed-gateway/internal/relay"
	"marketfeed-gateway/internal/upstream"
	"marketfeed-gateway/internal/vault"
)

// Gateway composes Registry, Bus, Multiplexer, Relay and Hub. Each
// subcomponent receives its collaborators at construction; Gateway
// itself holds no business logic, only lifecycle.
type Gateway struct {
	cfg *config.Config

	rdb         *redis.Client
	Bus         *bus.Bus
	Registry    *registry.Registry
	Hub         *hub.Hub
	Multiplexer *upstream.Multiplexer
	Relay       *relay.Relay

	db         *database.DB // nil when cfg.Database.Enabled is false
	Watchlist  *database.WatchlistRepository
	JWTManager *auth.JWTManager
	Vault      *vault.Client
	Chat       *chat.Client     // nil when the AI collaborator is disabled
	News       *news.Aggregator // nil when the news collaborator is disabled
	API        *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every subcomponent. Order matters: later components
// depend on earlier ones' interfaces, never the reverse, so there is
// no cycle of ownership (spec.md §9).
func New(cfg *config.Config) *Gateway {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Bus.RedisAddr,
		Password: cfg.Bus.RedisPassword,
		DB:       cfg.Bus.RedisDB,
	})

	b := bus.New(rdb)

	fetcher := registry.NewHTTPFetcher(cfg.Upstream.SpotRESTBaseURL, cfg.Upstream.DerivRESTBaseURL)
	reg := registry.New(fetcher, cfg.Registry.TTL, cfg.Registry.PopularListSize)

	// Hub needs the Multiplexer to issue local unsubscribes, and the
	// Multiplexer needs the Hub's live watchlist — both are satisfied
	// through the small interfaces each package declares, so neither
	// package imports the other's concrete type. The one genuine
	// wiring knot (Hub -> Multiplexer, Multiplexer -> Hub) is resolved
	// here in the composition root via a late-bound indirection.
	muxHolder := &multiplexerHolder{}
	h := hub.New(b, muxHolder, cfg.Registry.DefaultWatchlistSymbols)

	mux := upstream.New(upstream.Config{
		SpotWSBaseURL:  cfg.Upstream.SpotWSBaseURL,
		DerivWSBaseURL: cfg.Upstream.DerivWSBaseURL,
	}, b, reg, h)
	muxHolder.set(mux)

	r := relay.New(b, h, mux)

	g := &Gateway{
		cfg:         cfg,
		rdb:         rdb,
		Bus:         b,
		Registry:    reg,
		Hub:         h,
		Multiplexer: mux,
		Relay:       r,
	}

	if cfg.Database.Enabled {
		db, err := database.NewDB(cfg.Database.DSN)
		if err != nil {
			logging.Default().WithComponent("gateway").WithError(err).Error("database disabled: connection failed")
		} else {
			g.db = db
			g.Watchlist = database.NewWatchlistRepository(db)
		}
	}

	if cfg.Auth.Enabled {
		g.JWTManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenDuration)
	}

	vc, err := vault.NewClient(cfg.Vault)
	if err != nil {
		logging.Default().WithComponent("gateway").WithError(err).Error("vault disabled: connection failed")
		vc, _ = vault.NewClient(config.VaultConfig{})
	}
	g.Vault = vc

	if cfg.AI.Enabled {
		aiCfg := cfg.AI
		if secret, err := g.Vault.GetSecret(context.Background(), "ai"); err == nil {
			if key := secret["api_key"]; key != "" {
				switch aiCfg.LLMProvider {
				case "claude":
					aiCfg.ClaudeAPIKey = key
				case "openai":
					aiCfg.OpenAIAPIKey = key
				case "deepseek":
					aiCfg.DeepSeekAPIKey = key
				}
			}
		}
		g.Chat = chat.NewClient(aiCfg)
	}

	if cfg.News.Enabled {
		g.News = news.NewAggregator(cfg.News.Feeds, cfg.News.TTL)
	}

	spotHistory := market.NewHistoryClient(cfg.Upstream.SpotRESTBaseURL)
	derivHistory := market.NewHistoryClient(cfg.Upstream.DerivRESTBaseURL)
	g.API = api.NewServer(cfg.Server, reg, h, g.Watchlist, g.JWTManager, g.Chat, g.News, spotHistory, derivHistory)

	return g
}

// multiplexerHolder breaks the Hub<->Multiplexer construction-order
// knot: Hub is built before Multiplexer exists, but only needs
// UnsubscribeLocal, which this holder forwards once set.
type multiplexerHolder struct {
	mu  sync.Mutex
	mux *upstream.Multiplexer
}

func (h *multiplexerHolder) set(mux *upstream.Multiplexer) {
	h.mu.Lock()
	h.mux = mux
	h.mu.Unlock()
}

func (h *multiplexerHolder) UnsubscribeLocal(ctx context.Context, streamName string) {
	h.mu.Lock()
	mux := h.mux
	h.mu.Unlock()
	if mux != nil {
		mux.UnsubscribeLocal(ctx, streamName)
	}
}

// Start spawns every long-lived task: the registry's TTL refresh
// timer, the two upstream venue sessions, and the bus relay.
// Lifetimes are the process lifetime until Shutdown is called.
func (g *Gateway) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	if g.db != nil {
		if err := g.db.RunMigrations(ctx); err != nil {
			logging.Default().WithComponent("gateway").WithError(err).Error("watchlist migrations failed")
		}
	}

	g.spawn(func(ctx context.Context) { g.Registry.RunTTLRefresh(ctx) }, runCtx)
	g.spawn(func(ctx context.Context) { g.Multiplexer.Run(ctx) }, runCtx)
	g.spawn(func(ctx context.Context) { g.Relay.Run(ctx) }, runCtx)
	g.spawn(func(ctx context.Context) {
		if err := g.API.Start(); err != nil {
			logging.Default().WithComponent("gateway").WithError(err).Error("api server exited")
		}
	}, runCtx)

	logging.Default().WithComponent("gateway").Info("gateway started")
}

func (g *Gateway) spawn(fn func(context.Context), ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(ctx)
	}()
}

// Shutdown cancels every spawned task and closes the bus connection.
// Tasks are cancelled together (there is no strict ordering
// requirement among Registry/Multiplexer/Relay once all three read
// from the same context), then awaited, then the Redis client itself
// is closed last since the Bus and Relay both depend on it being
// alive while they wind down.
func (g *Gateway) Shutdown(timeout time.Duration) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := g.API.Shutdown(shutdownCtx); err != nil {
		logging.Default().WithComponent("gateway").WithError(err).Warn("api server shutdown error")
	}

	if g.cancel != nil {
		g.cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logging.Default().WithComponent("gateway").Warn("shutdown timed out waiting for tasks to exit")
	}

	if g.db != nil {
		g.db.Close()
	}
	g.rdb.Close()
	logging.Default().WithComponent("gateway").Info("gateway shut down")
}
