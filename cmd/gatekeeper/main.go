package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Proton-105/gatekeeper/internal/clock"
	"github.com/Proton-105/gatekeeper/internal/coordinator"
	apperrors "github.com/Proton-105/gatekeeper/internal/errors"
	"github.com/Proton-105/gatekeeper/internal/health"
	"github.com/Proton-105/gatekeeper/internal/lifecycle"
	"github.com/Proton-105/gatekeeper/internal/policy"
	"github.com/Proton-105/gatekeeper/internal/server"
	"github.com/Proton-105/gatekeeper/internal/store"
	"github.com/Proton-105/gatekeeper/internal/supervisor"
	"github.com/Proton-105/gatekeeper/pkg/config"
	"github.com/Proton-105/gatekeeper/pkg/graceful"
	"github.com/Proton-105/gatekeeper/pkg/logger"
	pkgredis "github.com/Proton-105/gatekeeper/pkg/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, v, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}

	sentryEnabled := cfg.Log.SentryDSN != ""
	if sentryEnabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Log.SentryDSN,
			Environment: cfg.AppEnv,
		}); err != nil {
			slog.Error("failed to initialize sentry", slog.Any("error", err))
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	log := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		File:      cfg.Log.File,
		MaxSizeMB: cfg.Log.MaxSizeMB,
		MaxAgeDay: cfg.Log.MaxAgeDay,
		SentryDSN: cfg.Log.SentryDSN,
	})
	slog.SetDefault(log)

	log.Info("starting gatekeeper",
		slog.String("env", cfg.AppEnv),
		slog.String("http_port", cfg.HTTP.Port),
		slog.Int("policies", len(cfg.Limiter.Policies)),
	)

	degradedPolicy, err := supervisor.ParsePolicy(cfg.Limiter.DegradedPolicy)
	if err != nil {
		log.Error("invalid degraded policy", slog.Any("error", err))
		os.Exit(1)
	}

	registry, err := policy.NewRegistry(cfg.Limiter, log)
	if err != nil {
		log.Error("failed to compile policies", slog.Any("error", err))
		os.Exit(1)
	}
	config.Watch(v, log, func(fresh *config.Config) {
		// Reload logs and keeps the previous snapshot on failure.
		_ = registry.Reload(fresh.Limiter)
	})

	redisClient, err := pkgredis.New(ctx, cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	metricsClient := pkgredis.NewMetricsClient(redisClient)

	primary := store.NewRedisStore(metricsClient, log)
	fallback := store.NewMemoryStore(log)

	sup := supervisor.New(supervisor.Config{
		FailureThreshold:  cfg.Limiter.Supervisor.FailureThreshold,
		RecoveryThreshold: cfg.Limiter.Supervisor.RecoveryThreshold,
		Cooldown:          cfg.Limiter.Supervisor.Cooldown,
		ProbeInterval:     cfg.Limiter.Supervisor.ProbeInterval,
		ProbeTimeout:      cfg.Limiter.Supervisor.ProbeTimeout,
		DegradedPolicy:    degradedPolicy,
	}, primary, clock.System(), log)
	go sup.Run(ctx)

	coord := coordinator.New(coordinator.Config{
		RetryBound:     cfg.Limiter.RetryBound,
		PerCallTimeout: cfg.Limiter.PerCallTimeout,
	}, registry, primary, fallback, sup, clock.System(), log)

	cleaner := store.NewCleaner(redisClient.Client, fallback, log,
		cfg.Limiter.CleanerInterval, cfg.Limiter.CleanerMaxIdle)
	go cleaner.Run(ctx)

	checker := health.NewChecker(log)
	checker.AddCheck("redis", health.NewRedisChecker(metricsClient))
	checker.AddCheck("store", health.NewStoreChecker(primary))
	checker.AddCheck("supervisor", health.NewSupervisorChecker(sup))

	errHandler := apperrors.NewHandler(log, sentryEnabled)
	api := server.New(coord, checker, errHandler, log)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	srv := graceful.NewServer(log, httpServer, cfg.HTTP.ShutdownTimeout)

	shutdown := lifecycle.NewShutdown(log)
	shutdown.Register("redis", func(context.Context) error {
		return redisClient.Close()
	})

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("http server exited with error", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := shutdown.Execute(shutdownCtx); err != nil {
		log.Error("shutdown finished with errors", slog.Any("error", err))
	}

	log.Info("gatekeeper stopped")
}
