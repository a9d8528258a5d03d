package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port     string // default: 8080
	LogLevel string // default: info

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Web search
	BraveAPIKey    string
	SearchCacheTTL time.Duration // default: 10m

	// Runtime settings file edited through /v1/settings
	SettingsPath string // default: settings.yaml

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Background jobs
	WorkerCount int // default: 4

	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         getEnv("GEMINI_API_KEY", os.Getenv("GOOGLE_API_KEY")),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		BraveAPIKey:          os.Getenv("BRAVE_API_KEY"),
		SettingsPath:         getEnv("SETTINGS_PATH", "settings.yaml"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		RunSeed:              os.Getenv("RUN_SEED") == "true",
	}

	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	ttl, err := time.ParseDuration(getEnv("SEARCH_CACHE_TTL", "10m"))
	if err != nil {
		return nil, fmt.Errorf("invalid SEARCH_CACHE_TTL: %w", err)
	}
	cfg.SearchCacheTTL = ttl

	workers, err := strconv.Atoi(getEnv("WORKER_COUNT", "4"))
	if err != nil || workers < 1 {
		return nil, fmt.Errorf("invalid WORKER_COUNT: %q", os.Getenv("WORKER_COUNT"))
	}
	cfg.WorkerCount = workers

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
