package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/chatico/mapper/internal/adapters/rediscache"
	"github.com/chatico/mapper/internal/adapters/sqlite"
	"github.com/chatico/mapper/internal/config"
	"github.com/chatico/mapper/internal/db"
	"github.com/chatico/mapper/internal/delivery"
	"github.com/chatico/mapper/internal/observability"
	"github.com/chatico/mapper/internal/pipeline"
	"github.com/chatico/mapper/internal/platform"
	"github.com/chatico/mapper/internal/resolver"
	"github.com/chatico/mapper/internal/routing"
	"github.com/chatico/mapper/internal/server"
	"github.com/chatico/mapper/internal/server/routes"
)

const memoryCacheSize = 10000

func Run() error {
	baseHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	log := slog.New(observability.WrapSlogHandler(baseHandler))
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.IsLocalDevelopment() && cfg.Platform.AppSecret == "mapper-local-dev" {
		slog.Warn("MAPPER_APP_SECRET not set, using local development fallback")
	}

	shutdownTelemetry, err := observability.SetupOpenTelemetry(context.Background(), log, observability.OpenTelemetryConfig{
		Enabled:           cfg.Observability.Enabled,
		OTLPEndpoint:      cfg.Observability.OTLPEndpoint,
		OTLPTraceHeaders:  cfg.Observability.OTLPTraceHeaders,
		OTLPMetricHeaders: cfg.Observability.OTLPMetricHeaders,
		ServiceName:       cfg.Observability.ServiceName,
		ServiceVer:        cfg.Observability.ServiceVer,
		SamplingRatio:     cfg.Observability.SamplingRatio,
		MetricsConsole:    cfg.Observability.MetricsConsole,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}()
	go logDBLatencyStats(log, database)

	querier := database.Querier()
	auditStore := sqlite.NewAuditStore(querier)
	ownerStore := sqlite.NewOwnerStore(querier)
	deadLetters := sqlite.NewDeadLetterStore(querier)
	appStore := sqlite.NewWorkerAppStore(querier)

	var redisClient *redis.Client
	var ownerCache resolver.Cache
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				slog.Error("Failed to close redis client", "error", err)
			}
		}()
		ownerCache = rediscache.New(redisClient, "")
		slog.Info("Owner cache backed by redis", "addr", cfg.Redis.Addr)
	} else {
		ownerCache = resolver.NewMemoryCache(memoryCacheSize)
	}

	graphClient := platform.NewClient(cfg.Platform.GraphBaseURL, cfg.Platform.AccessToken, cfg.PlatformTimeout())
	ownerResolver := resolver.New(ownerCache, ownerStore, platform.NewOwnerLookup(graphClient), resolver.Config{
		TTL:           cfg.OwnerTTL(),
		Retries:       cfg.Resolver.Retries,
		RetryInitial:  cfg.ResolverRetryInitial(),
		LookupTimeout: cfg.ResolverLookupTimeout(),
	}, log)

	table := routing.NewTable(appStore, cfg.RouteRefreshInterval(), log)
	if err := table.Refresh(context.Background()); err != nil {
		slog.Warn("Initial routing table refresh failed", "error", err)
	}
	tableCtx, stopTable := context.WithCancel(context.Background())
	defer stopTable()
	go table.Run(tableCtx)

	httpTransport := delivery.NewHTTPTransport(nil, cfg.DeliveryTimeout())
	var queueTransport delivery.Transport
	if redisClient != nil {
		queueTransport = delivery.NewQueueTransport(redisClient, cfg.Delivery.QueueMaxLen)
	}
	executor := delivery.NewExecutor(httpTransport, queueTransport, auditStore, deadLetters, delivery.BackoffPolicy{
		Initial: cfg.DeliveryBackoffInitial(),
		Max:     cfg.DeliveryBackoffMax(),
		Jitter:  cfg.Delivery.Jitter,
	}, cfg.Delivery.MaxAttempts, log)

	pipe := pipeline.New(pipeline.Config{
		Secret:  cfg.Platform.AppSecret,
		Workers: cfg.Pipeline.Workers,
	}, ownerResolver, table, executor, auditStore, log)

	srv := server.New(log)
	srv.RegisterRouter(&routes.HealthRoutes{})
	srv.RegisterRouter(routes.NewWebhookRoutes(pipe, cfg.Platform.VerifyToken))
	srv.RegisterRouter(routes.NewWorkerAppRoutes(appStore, table))
	srv.RegisterRouter(routes.NewAuditRoutes(auditStore))
	srv.RegisterRouter(routes.NewDeadLetterRoutes(deadLetters))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("Starting server", "port", cfg.Server.Port)
		errCh <- srv.Start(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server exited: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		slog.Error("Pipeline drain incomplete", "error", err)
	}
	return nil
}

func logDBLatencyStats(log *slog.Logger, database *db.Database) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		for _, entry := range database.TopQueryLatencies(5) {
			log.Info("db_query_latency",
				"query", entry.Name,
				"count", entry.Count,
				"p50_ms", entry.P50.Milliseconds(),
				"p95_ms", entry.P95.Milliseconds(),
				"max_ms", entry.Max.Milliseconds(),
			)
		}
	}
}
