package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JeanGrijp/callquota/internal/adapters/executor/webhook"
	httpHandlers "github.com/JeanGrijp/callquota/internal/adapters/http/handlers"
	httpMiddleware "github.com/JeanGrijp/callquota/internal/adapters/http/middleware"
	"github.com/JeanGrijp/callquota/internal/adapters/storage/memory"
	mongostorage "github.com/JeanGrijp/callquota/internal/adapters/storage/mongo"
	redisstorage "github.com/JeanGrijp/callquota/internal/adapters/storage/redis"
	"github.com/JeanGrijp/callquota/internal/adapters/storage/sqlite"
	"github.com/JeanGrijp/callquota/internal/config"
	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
	"github.com/JeanGrijp/callquota/internal/core/services"
	"github.com/JeanGrijp/callquota/internal/scheduler"
)

// durableStore é o armazenamento durável completo, incluindo as coleções
// de assinaturas e contas externas.
type durableStore interface {
	ports.DurableStore
	ports.SubscriptionLookup
	ports.AccountRegistry
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := redisstorage.New(redisstorage.Config{
		Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("init redis storage: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("failed to close redis storage", zap.Error(err))
		}
	}()

	store, err := initDurable(ctx, cfg.Durable)
	if err != nil {
		return fmt.Errorf("init durable storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close durable storage", zap.Error(err))
		}
	}()

	executor, err := webhook.New(webhook.Config{BaseURL: cfg.Executor.BaseURL, Timeout: cfg.Executor.Timeout}, logger)
	if err != nil {
		return fmt.Errorf("init executors: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := services.NewQuotaService(services.Deps{
		Cache:         cache,
		Queue:         cache,
		Store:         store,
		Subscriptions: store,
		Accounts:      store,
		Executors:     services.Executors{
			CommentReply:  executor.For(webhook.RouteCommentReply),
			DirectMessage: executor.For(webhook.RouteDirectMessage),
			FollowCheck:   executor.For(webhook.RouteFollowCheck),
		},
		Logger:  logger,
		Metrics: services.NewMetrics(reg),
	}, services.Config{
		Limits: services.Limits{
			Global: cfg.Quota.GlobalLimit,
			Tiers:  domain.TierLimits{Free: cfg.Quota.FreeLimit, Pro: cfg.Quota.ProLimit},
		},
		MaxRetries:     cfg.Quota.MaxRetries,
		DrainBatch:     cfg.Quota.DrainBatch,
		TierCacheTTL:   cfg.Quota.TierCacheTTL,
		UsageRetention: cfg.Quota.UsageRetention,
	})
	if err != nil {
		return fmt.Errorf("create quota service: %w", err)
	}
	defer svc.Flush()

	if n, err := svc.RebuildQueue(ctx); err != nil {
		logger.Warn("failed to rebuild deferred queue", zap.Error(err))
	} else {
		logger.Info("deferred queue rebuilt", zap.Int("jobs", n))
	}

	sched, err := scheduler.New(svc, scheduler.Config{
		Rotation:   cfg.Schedule.Rotation,
		Drain:      cfg.Schedule.Drain,
		Retention:  cfg.Schedule.Retention,
		DrainBatch: cfg.Quota.DrainBatch,
	}, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer, httpMiddleware.RequestLogger(logger))
	r.Get("/healthz", httpHandlers.Health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpHandlers.NewQuotaHandler(svc, logger).Register(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		err := srv.ListenAndServe()
		if err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func initDurable(ctx context.Context, cfg config.DurableConfig) (durableStore, error) {
	switch cfg.Type {
	case "sqlite":
		store, err := sqlite.New(sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := mongostorage.New(connectCtx, mongostorage.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported durable store: %s", cfg.Type)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
