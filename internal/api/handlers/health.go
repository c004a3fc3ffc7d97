package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthStatus is the state of the server or of one dependency.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// checkTimeout bounds every dependency check.
const checkTimeout = 5 * time.Second

// HealthCheckResult is the outcome of one dependency check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the body of every /health endpoint.
type HealthResponse struct {
	Status  HealthStatus                  `json:"status"`
	Version string                        `json:"version,omitempty"`
	Uptime  string                        `json:"uptime,omitempty"`
	Checks  map[string]*HealthCheckResult `json:"checks,omitempty"`
	Error   string                        `json:"error,omitempty"`
}

// DatabaseHealthChecker is implemented by *db.DB.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// CheckFunc is an additional dependency check, such as Redis.
type CheckFunc func(ctx context.Context) error

// HealthHandler reports liveness and dependency readiness.
type HealthHandler struct {
	db      DatabaseHealthChecker
	checks  map[string]CheckFunc
	version string
	started time.Time
	logger  zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db DatabaseHealthChecker, version string, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		checks:  make(map[string]CheckFunc),
		version: version,
		started: time.Now(),
		logger:  logger.With().Str("component", "health_handler").Logger(),
	}
}

// AddCheck registers a named check reported by /health alongside the database.
func (h *HealthHandler) AddCheck(name string, fn CheckFunc) {
	h.checks[name] = fn
}

// RegisterPublicRoutes mounts the health endpoints outside the tenant group.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	health := r.Group("/health")
	health.GET("", h.Overall)
	health.GET("/live", h.Live)
	health.GET("/db", h.Database)
}

// Live answers as long as the process serves HTTP.
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, &HealthResponse{
		Status:  HealthStatusHealthy,
		Version: h.version,
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Overall runs every dependency check concurrently. Any failing check makes
// the server unhealthy.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	results := h.runChecks(c.Request.Context(), h.checks)
	response := &HealthResponse{
		Status:  HealthStatusHealthy,
		Version: h.version,
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
		Checks:  results,
	}
	for _, r := range results {
		if r.Status != HealthStatusHealthy {
			response.Status = HealthStatusUnhealthy
		}
	}
	h.respond(c, response)
}

// Database reports the database check alone.
// GET /health/db
func (h *HealthHandler) Database(c *gin.Context) {
	results := h.runChecks(c.Request.Context(), nil)
	db := results["database"]
	h.respond(c, &HealthResponse{
		Status: db.Status,
		Checks: results,
		Error:  db.Error,
	})
}

func (h *HealthHandler) respond(c *gin.Context, response *HealthResponse) {
	code := http.StatusOK
	if response.Status != HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

// runChecks runs the database check plus extra, each under checkTimeout.
func (h *HealthHandler) runChecks(ctx context.Context, extra map[string]CheckFunc) map[string]*HealthCheckResult {
	results := make(map[string]*HealthCheckResult, len(extra)+1)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(name string, r *HealthCheckResult) {
		mu.Lock()
		results[name] = r
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		record("database", h.checkDatabase(ctx))
	}()
	for name, fn := range extra {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(name, h.runCheck(ctx, name, fn))
		}()
	}
	wg.Wait()
	return results
}

func (h *HealthHandler) checkDatabase(ctx context.Context) *HealthCheckResult {
	if h.db == nil {
		return &HealthCheckResult{Status: HealthStatusUnhealthy, Error: "database not configured"}
	}
	result := h.runCheck(ctx, "database", h.db.Ping)
	if result.Status == HealthStatusHealthy {
		result.Details = h.db.Health()
	} else {
		result.Error = "database ping failed"
	}
	return result
}

func (h *HealthHandler) runCheck(ctx context.Context, name string, fn CheckFunc) *HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	result := &HealthCheckResult{Status: HealthStatusHealthy, Duration: time.Since(start).String()}
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = name + " check failed"
		h.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
	}
	return result
}
