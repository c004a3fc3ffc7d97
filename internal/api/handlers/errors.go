package handlers

import (
	"errors"
	"net/http"

	"github.com/MacJediWizard/stagehand/internal/db"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/MacJediWizard/stagehand/internal/rollout"
	"github.com/MacJediWizard/stagehand/internal/schedules"
	"github.com/MacJediWizard/stagehand/internal/trigger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// statusFor maps a domain error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, rollout.ErrGone):
		return http.StatusNotFound
	case errors.Is(err, schedules.ErrScheduleInProgress),
		errors.Is(err, rollout.ErrConcurrencyConflict),
		errors.Is(err, db.ErrDuplicate),
		errors.Is(err, db.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, schedules.ErrInvalidSchedule),
		errors.Is(err, schedules.ErrInvalidPhases),
		errors.Is(err, models.ErrInvalidGroupAssignment),
		errors.Is(err, trigger.ErrInvalidRecurrence),
		errors.Is(err, trigger.ErrInvalidCron),
		errors.Is(err, trigger.ErrUnsatisfiable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error. Client errors carry the error
// text; server errors are logged and answered with fallback.
func respondError(c *gin.Context, logger zerolog.Logger, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg(fallback)
		c.JSON(status, gin.H{"error": fallback})
		return
	}
	if status == http.StatusNotFound {
		c.JSON(status, gin.H{"error": "not found"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// parseIDParam parses the :id path parameter or answers 400.
func parseIDParam(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " ID"})
		return uuid.Nil, false
	}
	return id, true
}
