package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Platform provider keys, only those that are set.
	Providers map[string]ProviderConfig

	// Credentials
	CredentialKey []byte // 32 bytes, from 64 hex chars

	// Optional YAML override of the model catalog
	ModelsFile string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Logging
	LogLevel  string
	LogFormat string // "json" or "text"
	LogFile   string

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Coins given to the seeded caller
	SeedBalance int64
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		Providers:            map[string]ProviderConfig{},
		ModelsFile:           os.Getenv("MODELS_FILE"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		LogFile:              os.Getenv("LOG_FILE"),
	}

	for name, prefix := range map[string]string{
		provider.Anthropic:  "ANTHROPIC",
		provider.OpenAI:     "OPENAI",
		provider.OpenRouter: "OPENROUTER",
	} {
		key := strings.TrimSpace(os.Getenv(prefix + "_API_KEY"))
		if key == "" {
			continue
		}
		cfg.Providers[name] = ProviderConfig{
			APIKey:  key,
			BaseURL: os.Getenv(prefix + "_BASE_URL"),
		}
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = getInt("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}
	if cfg.SeedBalance, err = getInt("SEED_BALANCE", 500); err != nil {
		return nil, err
	}
	if cfg.CredentialKey, err = parseKey(os.Getenv("CREDENTIAL_ENCRYPTION_KEY")); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

// ConfiguredProviders lists the providers that have a platform key.
func (c *Config) ConfiguredProviders() []string {
	var out []string
	for _, name := range []string{provider.Anthropic, provider.OpenAI, provider.OpenRouter} {
		if _, ok := c.Providers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// ClientConfig configures the chat command.
type ClientConfig struct {
	GatewayURL string
	APIKey     string
	HistoryDB  string // empty means the default location
	CoinCost   int64
	LogLevel   string
}

func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		GatewayURL: getEnv("GATEWAY_URL", "http://localhost:8080"),
		APIKey:     os.Getenv("GATEWAY_API_KEY"),
		HistoryDB:  os.Getenv("CHAT_HISTORY_DB"),
		LogLevel:   getEnv("LOG_LEVEL", "warn"),
	}

	var err error
	if cfg.CoinCost, err = getInt("CHAT_COIN_COST", 5); err != nil {
		return nil, err
	}
	if cfg.CoinCost <= 0 {
		return nil, fmt.Errorf("CHAT_COIN_COST must be positive")
	}
	return cfg, nil
}

func parseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is required")
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid CREDENTIAL_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must be 64 hex characters, got %d", len(s))
	}
	return key, nil
}

func getInt(key string, fallback int64) (int64, error) {
	v, err := strconv.ParseInt(getEnv(key, strconv.FormatInt(fallback, 10)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
