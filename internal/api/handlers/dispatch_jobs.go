package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/stagehand/internal/api/middleware"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultDispatchJobLimit = 100
	maxDispatchJobLimit     = 1000
)

// DispatchJobStore defines the interface for dispatch outbox inspection.
type DispatchJobStore interface {
	ListDispatchJobs(ctx context.Context, orgID uuid.UUID, scheduleID *uuid.UUID, limit int) ([]*models.DispatchJob, error)
	GetDispatchJob(ctx context.Context, orgID, id uuid.UUID) (*models.DispatchJob, error)
	GetDispatchSummary(ctx context.Context, orgID uuid.UUID) (*models.DispatchSummary, error)
	RetryDispatchJob(ctx context.Context, orgID, id uuid.UUID) (*models.DispatchJob, error)
}

// Waker is told when a job becomes runnable again.
type Waker interface {
	Notify()
}

// DispatchJobsHandler handles dispatch job HTTP endpoints.
type DispatchJobsHandler struct {
	store  DispatchJobStore
	waker  Waker
	logger zerolog.Logger
}

// NewDispatchJobsHandler creates a new DispatchJobsHandler. waker may be nil.
func NewDispatchJobsHandler(store DispatchJobStore, waker Waker, logger zerolog.Logger) *DispatchJobsHandler {
	return &DispatchJobsHandler{
		store:  store,
		waker:  waker,
		logger: logger.With().Str("component", "dispatch_jobs_handler").Logger(),
	}
}

// RegisterRoutes registers dispatch job routes on the given router group.
func (h *DispatchJobsHandler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/dispatch-jobs")
	{
		jobs.GET("", h.List)
		jobs.GET("/summary", h.Summary)
		jobs.GET("/:id", h.Get)
		jobs.POST("/:id/retry", h.Retry)
	}
}

// List returns the organization's dispatch jobs, newest first.
// GET /api/v1/dispatch-jobs?schedule_id=&limit=
func (h *DispatchJobsHandler) List(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}

	var scheduleID *uuid.UUID
	if raw := c.Query("schedule_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule_id"})
			return
		}
		scheduleID = &id
	}

	limit, err := queryInt(c, "limit", defaultDispatchJobLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxDispatchJobLimit {
		limit = maxDispatchJobLimit
	}

	jobs, err := h.store.ListDispatchJobs(c.Request.Context(), orgID, scheduleID, limit)
	if err != nil {
		respondError(c, h.logger, err, "failed to list dispatch jobs")
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispatch_jobs": jobs})
}

// Summary returns dispatch job counts by status.
// GET /api/v1/dispatch-jobs/summary
func (h *DispatchJobsHandler) Summary(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}

	summary, err := h.store.GetDispatchSummary(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, h.logger, err, "failed to get dispatch summary")
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Get returns a dispatch job.
// GET /api/v1/dispatch-jobs/:id
func (h *DispatchJobsHandler) Get(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "dispatch job")
	if !ok {
		return
	}

	job, err := h.store.GetDispatchJob(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get dispatch job")
		return
	}

	c.JSON(http.StatusOK, job)
}

// Retry returns a failed or dead-lettered job to the queue.
// POST /api/v1/dispatch-jobs/:id/retry
func (h *DispatchJobsHandler) Retry(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "dispatch job")
	if !ok {
		return
	}

	job, err := h.store.RetryDispatchJob(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, h.logger, err, "failed to retry dispatch job")
		return
	}
	if h.waker != nil {
		h.waker.Notify()
	}

	h.logger.Info().
		Str("org_id", orgID.String()).
		Str("job_id", id.String()).
		Str("schedule_id", job.ScheduleID.String()).
		Msg("dispatch job requeued")

	c.JSON(http.StatusOK, job)
}
