// Package main is the entry point for the triggerd server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables (optionally from .env).
//  2. Connect to PostgreSQL via pgxpool and apply embedded migrations.
//  3. Create the repository, history store (Redis or PostgreSQL), and the
//     service, which eagerly loads the trigger-set cache.
//  4. Wire up the API key token validator and auth rate limiter.
//  5. Start the HTTP server.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/waflowhq/triggerd/internal/config"
	"github.com/waflowhq/triggerd/internal/history"
	"github.com/waflowhq/triggerd/internal/logging"
	"github.com/waflowhq/triggerd/internal/metrics"
	"github.com/waflowhq/triggerd/internal/middleware"
	"github.com/waflowhq/triggerd/internal/repository"
	"github.com/waflowhq/triggerd/internal/server"
	"github.com/waflowhq/triggerd/internal/service"
	"github.com/waflowhq/triggerd/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is not an error; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))

	store, closeStore, err := newHistoryStore(ctx, cfg, repo, log)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, repo.Pool())

	svc, err := service.New(ctx, repo, store,
		service.WithLogger(log),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.SetCacheSize),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	apiHandler := server.NewHTTPHandlerWithStreamPollInterval(svc, m, cfg.StreamPollInterval,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize))
	httpHandler := newHTTPHandler(apiHandler, middleware.NewAPIKeyValidator(repo),
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
		middleware.WithRateLimiter(rateLimiter),
	)
	httpHandler = middleware.HTTPRequestLogging(log)(httpHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "triggerd-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newHistoryStore selects the firing-history backend: Redis when REDIS_ADDR
// is configured, otherwise the PostgreSQL repository itself.
func newHistoryStore(ctx context.Context, cfg config.Config, repo *repository.PostgresRepository, log *slog.Logger) (history.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return repo, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	log.Info("firing history on redis", "addr", cfg.RedisAddr)
	closeClient := func() {
		if err := client.Close(); err != nil {
			log.Error("redis close error", "error", err)
		}
	}
	return history.NewRedisStoreWithRecordTTL(client, cfg.HistoryRecordTTL), closeClient, nil
}

// newHTTPHandler protects /v1/ routes with bearer auth while leaving the
// health and metrics endpoints public.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
