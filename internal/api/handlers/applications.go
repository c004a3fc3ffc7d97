package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/MacJediWizard/stagehand/internal/api/middleware"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ApplicationStore defines the interface for application persistence operations.
type ApplicationStore interface {
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplicationForOrg(ctx context.Context, orgID, id uuid.UUID) (*models.Application, error)
	ListApplications(ctx context.Context, orgID uuid.UUID) ([]*models.Application, error)
	PublishBuild(ctx context.Context, orgID, id uuid.UUID, version, externalRef string) (*models.Application, error)
	DeleteApplication(ctx context.Context, orgID, id uuid.UUID) error
}

// ApplicationsHandler handles application-related HTTP endpoints.
type ApplicationsHandler struct {
	store  ApplicationStore
	logger zerolog.Logger
}

// NewApplicationsHandler creates a new ApplicationsHandler.
func NewApplicationsHandler(store ApplicationStore, logger zerolog.Logger) *ApplicationsHandler {
	return &ApplicationsHandler{
		store:  store,
		logger: logger.With().Str("component", "applications_handler").Logger(),
	}
}

// RegisterRoutes registers application routes on the given router group.
func (h *ApplicationsHandler) RegisterRoutes(r *gin.RouterGroup) {
	apps := r.Group("/applications")
	{
		apps.GET("", h.List)
		apps.POST("", h.Create)
		apps.GET("/:id", h.Get)
		apps.DELETE("/:id", h.Delete)
		apps.POST("/:id/builds", h.PublishBuild)
	}
}

// CreateApplicationRequest is the request body for registering an application.
type CreateApplicationRequest struct {
	Name            string `json:"name" binding:"required,min=1,max=255"`
	Publisher       string `json:"publisher,omitempty"`
	CurrentVersion  string `json:"current_version,omitempty"`
	CurrentBuildRef string `json:"current_build_ref,omitempty"`
}

// PublishBuildRequest is the request body for publishing a new current build.
type PublishBuildRequest struct {
	Version     string `json:"version" binding:"required"`
	ExternalRef string `json:"external_ref" binding:"required"`
}

// List returns the organization's applications.
// GET /api/v1/applications
func (h *ApplicationsHandler) List(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}

	apps, err := h.store.ListApplications(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, h.logger, err, "failed to list applications")
		return
	}
	if apps == nil {
		apps = []*models.Application{}
	}

	c.JSON(http.StatusOK, gin.H{"applications": apps})
}

// Get returns an application.
// GET /api/v1/applications/:id
func (h *ApplicationsHandler) Get(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "application")
	if !ok {
		return
	}

	app, err := h.store.GetApplicationForOrg(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get application")
		return
	}

	c.JSON(http.StatusOK, app)
}

// Create registers an application.
// POST /api/v1/applications
func (h *ApplicationsHandler) Create(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}

	var req CreateApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if (req.CurrentVersion == "") != (req.CurrentBuildRef == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "current_version and current_build_ref must be set together"})
		return
	}

	app := models.NewApplication(orgID, name)
	app.Publisher = req.Publisher
	if req.CurrentBuildRef != "" {
		app.PublishBuild(req.CurrentVersion, req.CurrentBuildRef)
	}

	if err := h.store.CreateApplication(c.Request.Context(), app); err != nil {
		respondError(c, h.logger, err, "failed to create application")
		return
	}

	h.logger.Info().
		Str("org_id", orgID.String()).
		Str("application_id", app.ID.String()).
		Str("name", app.Name).
		Msg("application created")

	c.JSON(http.StatusCreated, app)
}

// PublishBuild records a new current build. Phases started after this pick
// it up; the previous build changes only when a rollout cycle completes.
// POST /api/v1/applications/:id/builds
func (h *ApplicationsHandler) PublishBuild(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "application")
	if !ok {
		return
	}

	var req PublishBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	app, err := h.store.PublishBuild(c.Request.Context(), orgID, id, req.Version, req.ExternalRef)
	if err != nil {
		respondError(c, h.logger, err, "failed to publish build")
		return
	}

	h.logger.Info().
		Str("org_id", orgID.String()).
		Str("application_id", id.String()).
		Str("version", req.Version).
		Msg("build published")

	c.JSON(http.StatusOK, app)
}

// Delete removes an application together with its schedules.
// DELETE /api/v1/applications/:id
func (h *ApplicationsHandler) Delete(c *gin.Context) {
	orgID, ok := middleware.RequireOrg(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "application")
	if !ok {
		return
	}

	if err := h.store.DeleteApplication(c.Request.Context(), orgID, id); err != nil {
		respondError(c, h.logger, err, "failed to delete application")
		return
	}

	h.logger.Info().Str("org_id", orgID.String()).Str("application_id", id.String()).Msg("application deleted")
	c.JSON(http.StatusOK, gin.H{"message": "application deleted"})
}
