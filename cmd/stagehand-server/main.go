// Package main is the entrypoint for the Stagehand server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/stagehand/internal/api"
	"github.com/MacJediWizard/stagehand/internal/api/handlers"
	"github.com/MacJediWizard/stagehand/internal/config"
	"github.com/MacJediWizard/stagehand/internal/db"
	"github.com/MacJediWizard/stagehand/internal/dispatch"
	"github.com/MacJediWizard/stagehand/internal/lease"
	"github.com/MacJediWizard/stagehand/internal/metrics"
	"github.com/MacJediWizard/stagehand/internal/rollout"
	"github.com/MacJediWizard/stagehand/internal/schedules"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.LoadServerConfig()

	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if cfg.Environment != config.EnvProduction {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("environment", string(cfg.Environment)).
		Msg("Starting Stagehand server")

	// Connect to database
	if cfg.DatabaseURL == "" {
		logger.Error().Msg("DATABASE_URL environment variable is required")
		return 1
	}

	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	defaultOrg, err := database.GetOrCreateDefaultOrg(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load default organization")
		return 1
	}

	// Leases and rate limits are shared through Redis when configured.
	var (
		locker      lease.Locker = lease.NewMemoryLocker()
		redisClient *redis.Client
		checks      = map[string]handlers.CheckFunc{}
	)
	if cfg.RedisURL != "" {
		redisClient, err = lease.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect to Redis")
			return 1
		}
		defer redisClient.Close()

		locker = lease.NewRedisLocker(redisClient, logger)
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
		logger.Info().Msg("Using Redis for leases and rate limits")
	} else {
		logger.Warn().Msg("REDIS_URL not set, leases are local to this process")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	// Dispatcher
	var dispatcher dispatch.Dispatcher
	switch cfg.DispatchMode {
	case config.DispatchModeHTTP:
		dispatchCfg, err := config.LoadDispatchConfig(cfg.DispatchConfigPath)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.DispatchConfigPath).Msg("Failed to load dispatch config")
			return 1
		}
		httpDispatcher, err := dispatch.NewHTTPDispatcher(ctx, dispatchCfg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create dispatcher")
			return 1
		}
		dispatcher = httpDispatcher
		logger.Info().Str("base_url", dispatchCfg.BaseURL).Msg("Dispatching to assignment API")
	default:
		dispatcher = dispatch.NewFake(logger)
		logger.Warn().Msg("Using fake dispatcher, assignments are not sent anywhere")
	}

	queueCfg := dispatch.DefaultQueueConfig()
	queueCfg.WorkerCount = cfg.DispatchWorkers
	queueCfg.PollInterval = cfg.DispatchPollInterval
	queueCfg.MaxRetries = cfg.DispatchMaxRetries
	queue := dispatch.NewQueue(database, dispatcher, queueCfg, logger)
	queue.SetRecorder(promMetrics)

	// Rollout runner
	runner := rollout.NewRunner(database, locker, rollout.SystemClock{}, rollout.RunnerConfig{
		PollInterval: cfg.PollInterval,
		LeaseTTL:     cfg.LeaseTTL,
		BatchSize:    cfg.BatchSize,
	}, logger)
	runner.SetNotifier(queue)
	runner.SetRecorder(promMetrics)

	service := schedules.NewService(database, runner, rollout.SystemClock{}, schedules.Config{
		UnassignSuperseded: cfg.UnassignSuperseded,
	}, logger)
	service.SetNotifier(queue)

	collector := metrics.NewCollector(database, promMetrics, cfg.MetricsInterval, logger)

	// Build API router
	routerCfg := api.Config{
		AllowedOrigins:    cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitPeriod:   cfg.RateLimitPeriod,
		Version:           Version,
		Environment:       cfg.Environment,
	}
	router, err := api.NewRouter(routerCfg, api.Dependencies{
		Database:     database,
		Gatherer:     registry,
		Schedules:    service,
		Applications: database,
		DispatchJobs: database,
		Waker:        queue,
		Redis:        redisClient,
		DefaultOrg:   defaultOrg.ID,
		Checks:       checks,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start background workers
	if err := queue.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start dispatch queue")
		return 1
	}
	if err := runner.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start rollout runner")
		queue.Stop()
		return 1
	}
	collector.Start(ctx)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server error")
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		exitCode = 1
	}

	// Let an in-flight tick commit before the queue and database go away.
	select {
	case <-runner.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Rollout runner did not stop before the shutdown timeout")
	}
	collector.Stop()
	queue.Stop()
	cancel()

	logger.Info().Msg("Server stopped gracefully")
	return exitCode
}
