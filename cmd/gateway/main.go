package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/chat-gateway/config"
	"github.com/vnmchuo/chat-gateway/internal/api"
	"github.com/vnmchuo/chat-gateway/internal/auth"
	"github.com/vnmchuo/chat-gateway/internal/chat"
	"github.com/vnmchuo/chat-gateway/internal/cost"
	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/internal/provider/claude"
	"github.com/vnmchuo/chat-gateway/internal/provider/gemini"
	"github.com/vnmchuo/chat-gateway/internal/provider/openai"
	"github.com/vnmchuo/chat-gateway/internal/search"
	"github.com/vnmchuo/chat-gateway/internal/seeder"
	"github.com/vnmchuo/chat-gateway/internal/session"
	"github.com/vnmchuo/chat-gateway/internal/settings"
	"github.com/vnmchuo/chat-gateway/internal/telemetry"
	"github.com/vnmchuo/chat-gateway/internal/worker"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
	"github.com/vnmchuo/chat-gateway/pkg/ratelimit"
)

const (
	serviceName     = "chat-gateway"
	workerQueueSize = 256
	cleanupInterval = 24 * time.Hour
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		logger.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatalf("failed to ping postgres: %v", err)
	}
	logger.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf("failed to ping redis: %v", err)
	}
	logger.Info("Redis connected")

	// 5. Background jobs
	jobs := worker.NewPool(cfg.WorkerCount, workerQueueSize)

	// 6. Runtime settings
	settingsManager, err := settings.NewManager(settings.NewFileStore(cfg.SettingsPath))
	if err != nil {
		logger.Warn("settings file unusable, running with defaults", "path", cfg.SettingsPath, "error", err)
	}

	// 7. Auth and rate limiting
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	if cfg.RunSeed {
		seeder.SeedDevAPIKey(ctx, authStore, cfg.DefaultRateLimitTPM)
	}

	// 8. Cost tracking and web search
	costs := cost.NewTracker(cost.NewPostgresStore(pool), jobs)
	searcher := search.NewClient(
		search.WithBraveAPIKey(cfg.BraveAPIKey),
		search.WithCache(search.NewRedisCache(rdb, cfg.SearchCacheTTL)),
	)

	// 9. Providers and orchestrator
	factories := map[provider.ID]chat.Factory{
		provider.OpenAI: func() (provider.Provider, error) {
			return openai.New(cfg.OpenAIAPIKey)
		},
		provider.Google: func() (provider.Provider, error) {
			return gemini.New(cfg.GeminiAPIKey)
		},
		provider.Anthropic: func() (provider.Provider, error) {
			return claude.New(cfg.AnthropicAPIKey)
		},
	}
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	orchestrator := chat.New(settingsManager.Snapshot(), factories,
		chat.WithSearcher(searcher),
		chat.WithCostEstimator(costs),
		chat.WithTracer(tracer),
	)
	if len(orchestrator.Available()) == 0 {
		logger.Warn("no providers initialized, every chat will fail until API keys are configured")
	}
	settingsManager.OnChange(orchestrator.UpdateSettings)

	// 10. Conversation memory
	memory := session.NewMemory(session.NewPostgresStore(pool), jobs)

	// 11. HTTP
	handler := api.NewHandler(orchestrator, settingsManager, memory, costs, limiter, tracer)
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     api.NewRouter(handler, authMiddleware),
		ReadTimeout: 30 * time.Second,
		// streams stay open for the whole generation
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	go runCleanup(cleanupCtx, settingsManager, costs, memory)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("chat gateway starting", "port", cfg.Port, "providers", orchestrator.Available())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")
	stopCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.Warn("background jobs abandoned", "error", err, "stats", jobs.Stats())
	} else {
		logger.Info("background jobs drained", "stats", jobs.Stats())
	}
	logger.Info("server stopped")
}

// runCleanup prunes cost records and conversations past the retention
// window once at startup and then daily.
func runCleanup(ctx context.Context, sm *settings.Manager, costs *cost.Tracker, memory *session.Memory) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		days := sm.Snapshot().Memory.RetentionDays
		if days > 0 {
			if n, err := costs.Cleanup(ctx, days); err != nil {
				logger.Warn("cost cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("cost records pruned", "count", n)
			}
			if n, err := memory.Cleanup(ctx, days); err != nil {
				logger.Warn("conversation cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("conversations pruned", "count", n)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
