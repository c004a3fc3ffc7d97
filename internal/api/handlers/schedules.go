package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/MacJediWizard/stagehand/internal/api/middleware"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/MacJediWizard/stagehand/internal/rollout"
	"github.com/MacJediWizard/stagehand/internal/schedules"
	"github.com/MacJediWizard/stagehand/internal/trigger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ScheduleService defines the schedule operations the handler exposes.
type ScheduleService interface {
	Add(ctx context.Context, orgID uuid.UUID, in schedules.ScheduleInput) (*models.Schedule, error)
	Edit(ctx context.Context, orgID, id uuid.UUID, in schedules.ScheduleInput, confirm bool) (*models.Schedule, error)
	Copy(ctx context.Context, orgID, id uuid.UUID, name string) (*models.Schedule, error)
	Delete(ctx context.Context, orgID, id uuid.UUID) error
	Get(ctx context.Context, orgID, id uuid.UUID) (*models.Schedule, error)
	ListPaged(ctx context.Context, orgID uuid.UUID, page, pageSize int) (*models.SchedulePage, error)
	ForceAdvance(ctx context.Context, orgID, id uuid.UUID) (*rollout.Outcome, error)
	ClearAssignments(ctx context.Context, orgID, id uuid.UUID) (*models.Schedule, int, error)
}

// SchedulesHandler handles schedule-related HTTP endpoints.
type SchedulesHandler struct {
	service ScheduleService
	logger  zerolog.Logger
}

// NewSchedulesHandler creates a new SchedulesHandler.
func NewSchedulesHandler(service ScheduleService, logger zerolog.Logger) *SchedulesHandler {
	return &SchedulesHandler{
		service: service,
		logger:  logger.With().Str("component", "schedules_handler").Logger(),
	}
}

// RegisterRoutes registers schedule routes on the given router group.
func (h *SchedulesHandler) RegisterRoutes(r *gin.RouterGroup) {
	group := r.Group("/schedules")
	{
		group.GET("", h.List)
		group.POST("", h.Create)
		group.GET("/:id", h.Get)
		group.PUT("/:id", h.Update)
		group.DELETE("/:id", h.Delete)
		group.POST("/:id/copy", h.Copy)
		group.POST("/:id/advance", h.Advance)
		group.POST("/:id/clear-assignments", h.ClearAssignments)
	}
}

// ScheduleResponse is a schedule with its trigger decoded for display.
type ScheduleResponse struct {
	*models.Schedule
	Recurrence            *trigger.Spec `json:"recurrence,omitempty"`
	RecurrenceDescription string        `json:"recurrence_description"`
}

func newScheduleResponse(s *models.Schedule) ScheduleResponse {
	resp := ScheduleResponse{Schedule: s, RecurrenceDescription: "custom"}
	r, err := trigger.Decode(s.Trigger())
	if err != nil {
		// Raw cron triggers outside the recurrence model have no recurrence form.
		return resp
	}
	spec := trigger.SpecOf(r)
	resp.Recurrence = &spec
	resp.RecurrenceDescription = trigger.Describe(r)
	return resp
}

// UpdateScheduleRequest is the request body for editing a schedule.
type UpdateScheduleRequest struct {
	schedules.ScheduleInput
	// Confirm allows structural edits while a phase is in progress.
	Confirm bool `json:"confirm,omitempty"`
}

// CopyScheduleRequest is the request body for copying a schedule.
type CopyScheduleRequest struct {
	Name string `json:"name"`
}

// List returns one page of the organization's schedules.
// GET /api/v1/schedules?page=&page_size=
func (h *SchedulesHandler) List(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}

	page, err := queryInt(c, "page", 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	pageSize, err := queryInt(c, "page_size", schedules.DefaultPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size"})
		return
	}

	result, err := h.service.ListPaged(c.Request.Context(), orgID, page, pageSize)
	if err != nil {
		respondError(c, h.logger, err, "failed to list schedules")
		return
	}

	items := make([]ScheduleResponse, 0, len(result.Schedules))
	for _, s := range result.Schedules {
		items = append(items, newScheduleResponse(s))
	}

	c.JSON(http.StatusOK, gin.H{
		"schedules": items,
		"page":      result.Page,
		"page_size": result.PageSize,
		"total":     result.Total,
	})
}

// Get returns a schedule with its phases.
// GET /api/v1/schedules/:id
func (h *SchedulesHandler) Get(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "schedule")
	if !ok {
		return
	}

	s, err := h.service.Get(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get schedule")
		return
	}

	c.JSON(http.StatusOK, newScheduleResponse(s))
}

// Create creates a schedule and its phases.
// POST /api/v1/schedules
func (h *SchedulesHandler) Create(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}

	var req schedules.ScheduleInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	s, err := h.service.Add(c.Request.Context(), orgID, req)
	if err != nil {
		respondError(c, h.logger, err, "failed to create schedule")
		return
	}

	c.JSON(http.StatusCreated, newScheduleResponse(s))
}

// Update replaces a schedule's settings and phases.
// PUT /api/v1/schedules/:id?confirm=true
func (h *SchedulesHandler) Update(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "schedule")
	if !ok {
		return
	}

	var req UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	confirm := req.Confirm || c.Query("confirm") == "true"

	s, err := h.service.Edit(c.Request.Context(), orgID, id, req.ScheduleInput, confirm)
	if err != nil {
		respondError(c, h.logger, err, "failed to update schedule")
		return
	}

	c.JSON(http.StatusOK, newScheduleResponse(s))
}

// Delete removes a schedule and its phases.
// DELETE /api/v1/schedules/:id
func (h *SchedulesHandler) Delete(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "schedule")
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), orgID, id); err != nil {
		respondError(c, h.logger, err, "failed to delete schedule")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "schedule deleted"})
}

// Copy duplicates a schedule under a new name.
// POST /api/v1/schedules/:id/copy
func (h *SchedulesHandler) Copy(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "schedule")
	if !ok {
		return
	}

	var req CopyScheduleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	s, err := h.service.Copy(c.Request.Context(), orgID, id, req.Name)
	if err != nil {
		respondError(c, h.logger, err, "failed to copy schedule")
		return
	}

	c.JSON(http.StatusCreated, newScheduleResponse(s))
}

// Advance forces the schedule to its next phase now.
// POST /api/v1/schedules/:id/advance
func (h *SchedulesHandler) Advance(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "schedule")
	if !ok {
		return
	}

	outcome, err := h.service.ForceAdvance(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, h.logger, err, "failed to advance schedule")
		return
	}

	status := http.StatusOK
	if outcome != nil && (outcome.Result == rollout.OutcomeLeaseHeld || outcome.Result == rollout.OutcomeConflict) {
		status = http.StatusAccepted
	}
	c.JSON(status, outcome)
}

// ClearAssignments unassigns the schedule's builds from every phase and
// resets the phases.
// POST /api/v1/schedules/:id/clear-assignments
func (h *SchedulesHandler) ClearAssignments(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "schedule")
	if !ok {
		return
	}

	s, queued, err := h.service.ClearAssignments(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, h.logger, err, "failed to clear assignments")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"schedule":        newScheduleResponse(s),
		"dispatch_queued": queued,
	})
}

func queryInt(c *gin.Context, key string, defaultVal int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(raw)
}
