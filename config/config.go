package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Upstream UpstreamConfig `json:"upstream"`
	Bus      BusConfig      `json:"bus"`
	Registry RegistryConfig `json:"registry"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	AI       AIConfig       `json:"ai"`
	News     NewsConfig     `json:"news"`
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Vault    VaultConfig    `json:"vault"`
}

// UpstreamConfig holds the REST and WebSocket base URLs for the two
// venue sessions the Upstream Multiplexer maintains.
type UpstreamConfig struct {
	SpotRESTBaseURL  string `json:"spot_rest_base_url"`
	SpotWSBaseURL    string `json:"spot_ws_base_url"`
	DerivRESTBaseURL string `json:"deriv_rest_base_url"`
	DerivWSBaseURL   string `json:"deriv_ws_base_url"`
}

// BusConfig holds the Redis connection used as the cross-process
// Pub/Sub Bus.
type BusConfig struct {
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// RegistryConfig holds the Symbol Universe Registry's refresh cadence
// and seed data.
type RegistryConfig struct {
	TTL                     time.Duration `json:"ttl"`
	PopularListSize         int           `json:"popular_list_size"`
	DefaultWatchlistSymbols []string      `json:"default_watchlist_symbols"`
}

// DatabaseConfig holds the Postgres connection used by the watchlist
// repository.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// AIConfig backs the chat assistant's LLM proxy.
type AIConfig struct {
	Enabled        bool   `json:"enabled"`
	LLMProvider    string `json:"llm_provider"` // "claude", "openai", or "deepseek"
	ClaudeAPIKey   string `json:"claude_api_key"`
	OpenAIAPIKey   string `json:"openai_api_key"`
	DeepSeekAPIKey string `json:"deepseek_api_key"`
	LLMModel       string `json:"llm_model"`
}

// NewsConfig backs the RSS news aggregator.
type NewsConfig struct {
	Enabled bool              `json:"enabled"`
	TTL     time.Duration     `json:"ttl"`
	Feeds   map[string]string `json:"feeds"` // source name -> RSS feed URL
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	TLSEnabled      bool   `json:"tls_enabled"`
	TLSCertFile     string `json:"tls_cert_file"`
	TLSKeyFile      string `json:"tls_key_file"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix under the mount for every secret the gateway reads or writes
	TLSEnabled bool   `json:"tls_enabled"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Upstream config
	cfg.Upstream.SpotRESTBaseURL = getEnvOrDefault("UPSTREAM_SPOT_REST_BASE_URL", orDefault(cfg.Upstream.SpotRESTBaseURL, "https://api.binance.com"))
	cfg.Upstream.SpotWSBaseURL = getEnvOrDefault("UPSTREAM_SPOT_WS_BASE_URL", orDefault(cfg.Upstream.SpotWSBaseURL, "wss://stream.binance.com:9443"))
	cfg.Upstream.DerivRESTBaseURL = getEnvOrDefault("UPSTREAM_DERIV_REST_BASE_URL", orDefault(cfg.Upstream.DerivRESTBaseURL, "https://fapi.binance.com"))
	cfg.Upstream.DerivWSBaseURL = getEnvOrDefault("UPSTREAM_DERIV_WS_BASE_URL", orDefault(cfg.Upstream.DerivWSBaseURL, "wss://fstream.binance.com"))

	// Bus config
	cfg.Bus.RedisAddr = getEnvOrDefault("BUS_REDIS_ADDR", orDefault(cfg.Bus.RedisAddr, "localhost:6379"))
	cfg.Bus.RedisPassword = getEnvOrDefault("BUS_REDIS_PASSWORD", cfg.Bus.RedisPassword)
	cfg.Bus.RedisDB = getEnvIntOrDefault("BUS_REDIS_DB", cfg.Bus.RedisDB)

	// Registry config
	cfg.Registry.TTL = getEnvDurationOrDefault("REGISTRY_TTL", 5*time.Minute)
	cfg.Registry.PopularListSize = getEnvIntOrDefault("REGISTRY_POPULAR_LIST_SIZE", 20)
	if len(cfg.Registry.DefaultWatchlistSymbols) == 0 {
		cfg.Registry.DefaultWatchlistSymbols = []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT"}
	}

	// Database config
	cfg.Database.Enabled = getEnvOrDefault("DATABASE_ENABLED", "false") == "true"
	cfg.Database.DSN = getEnvOrDefault("DATABASE_DSN", cfg.Database.DSN)

	// Logging config
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.Logging.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.Logging.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// AI config
	cfg.AI.Enabled = getEnvOrDefault("AI_ENABLED", "false") == "true"
	cfg.AI.LLMProvider = getEnvOrDefault("AI_LLM_PROVIDER", "claude")
	cfg.AI.ClaudeAPIKey = getEnvOrDefault("AI_CLAUDE_API_KEY", cfg.AI.ClaudeAPIKey)
	cfg.AI.OpenAIAPIKey = getEnvOrDefault("AI_OPENAI_API_KEY", cfg.AI.OpenAIAPIKey)
	cfg.AI.DeepSeekAPIKey = getEnvOrDefault("AI_DEEPSEEK_API_KEY", cfg.AI.DeepSeekAPIKey)
	cfg.AI.LLMModel = getEnvOrDefault("AI_LLM_MODEL", "claude-3-haiku-20240307")

	// News config
	cfg.News.Enabled = getEnvOrDefault("NEWS_ENABLED", "false") == "true"
	cfg.News.TTL = getEnvDurationOrDefault("NEWS_TTL", 5*time.Minute)
	if len(cfg.News.Feeds) == 0 {
		cfg.News.Feeds = map[string]string{
			"coindesk":      "https://www.coindesk.com/arc/outboundfeeds/rss/",
			"cointelegraph": "https://cointelegraph.com/rss",
		}
	}

	// Server config
	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.Server.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.Server.TLSEnabled = getEnvOrDefault("SERVER_TLS_ENABLED", "false") == "true"
	cfg.Server.TLSCertFile = getEnvOrDefault("SERVER_TLS_CERT", "")
	cfg.Server.TLSKeyFile = getEnvOrDefault("SERVER_TLS_KEY", "")
	cfg.Server.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.Server.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.Server.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Auth config
	cfg.Auth.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 15*time.Minute)

	// Vault config
	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "marketfeed-gateway")
	cfg.Vault.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		Upstream: UpstreamConfig{
			SpotRESTBaseURL:  "https://api.binance.com",
			SpotWSBaseURL:    "wss://stream.binance.com:9443",
			DerivRESTBaseURL: "https://fapi.binance.com",
			DerivWSBaseURL:   "wss://fstream.binance.com",
		},
		Bus: BusConfig{
			RedisAddr: "localhost:6379",
			RedisDB:   0,
		},
		Registry: RegistryConfig{
			TTL:                     5 * time.Minute,
			PopularListSize:         20,
			DefaultWatchlistSymbols: []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT"},
		},
		Logging: LoggingConfig{
			Level:       "INFO",
			Output:      "stdout",
			JSONFormat:  true,
			IncludeFile: false,
		},
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
