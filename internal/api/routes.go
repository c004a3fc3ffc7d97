// Package api provides the HTTP API for the Stagehand server.
package api

import (
	"fmt"

	"github.com/MacJediWizard/stagehand/internal/api/handlers"
	"github.com/MacJediWizard/stagehand/internal/api/middleware"
	"github.com/MacJediWizard/stagehand/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// AllowedOrigins for CORS. Empty means all origins allowed outside production.
	AllowedOrigins []string
	// RateLimitRequests is the number of requests allowed per period.
	RateLimitRequests int64
	// RateLimitPeriod is the duration string for rate limiting (e.g. "1m", "1h").
	RateLimitPeriod string
	// MaxBodyBytes caps request bodies. Zero uses middleware.DefaultMaxBodyBytes.
	MaxBodyBytes int64
	Version      string
	Environment  config.Environment
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:    []string{},
		RateLimitRequests: 100,
		RateLimitPeriod:   "1m",
		Version:           "dev",
		Environment:       config.EnvDevelopment,
	}
}

// Dependencies are the services the router exposes.
type Dependencies struct {
	Database     handlers.DatabaseHealthChecker
	Gatherer     prometheus.Gatherer
	Schedules    handlers.ScheduleService
	Applications handlers.ApplicationStore
	DispatchJobs handlers.DispatchJobStore
	// Waker is notified when a dispatch job is requeued. Optional.
	Waker handlers.Waker
	// Redis shares rate limits across replicas when set.
	Redis *redis.Client
	// DefaultOrg is the tenant used when a request carries no X-Org-ID.
	DefaultOrg uuid.UUID
	// Checks are extra dependency checks reported by /health.
	Checks map[string]handlers.CheckFunc
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins, cfg.Environment, logger))

	// Rate limiting
	var (
		rateLimiter gin.HandlerFunc
		err         error
	)
	if deps.Redis != nil {
		rateLimiter, err = middleware.NewRedisRateLimiter(deps.Redis, cfg.RateLimitRequests, cfg.RateLimitPeriod)
	} else {
		rateLimiter, err = middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod)
	}
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}
	r.Engine.Use(rateLimiter)

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = middleware.DefaultMaxBodyBytes
	}
	r.Engine.Use(middleware.BodyLimit(maxBody))

	// Health check endpoints (no tenant required)
	healthHandler := handlers.NewHealthHandler(deps.Database, cfg.Version, logger)
	for name, check := range deps.Checks {
		healthHandler.AddCheck(name, check)
	}
	healthHandler.RegisterPublicRoutes(r.Engine)

	// Prometheus metrics endpoint (no tenant required)
	if deps.Gatherer != nil {
		handlers.NewMetricsHandler(deps.Gatherer).RegisterPublicRoutes(r.Engine)
	}

	// API v1 routes (tenant required)
	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(middleware.OrgMiddleware(deps.DefaultOrg, logger))

	handlers.NewSchedulesHandler(deps.Schedules, logger).RegisterRoutes(apiV1)
	handlers.NewApplicationsHandler(deps.Applications, logger).RegisterRoutes(apiV1)
	handlers.NewTriggersHandler(logger).RegisterRoutes(apiV1)
	handlers.NewDispatchJobsHandler(deps.DispatchJobs, deps.Waker, logger).RegisterRoutes(apiV1)

	r.logger.Info().Msg("API router initialized")
	return r, nil
}
