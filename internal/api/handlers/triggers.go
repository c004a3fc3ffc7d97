package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/MacJediWizard/stagehand/internal/trigger"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxOccurrences caps the occurrences returned by a single Next call.
const maxOccurrences = 20

// TriggersHandler exposes the trigger codec.
type TriggersHandler struct {
	now    func() time.Time
	logger zerolog.Logger
}

// NewTriggersHandler creates a new TriggersHandler.
func NewTriggersHandler(logger zerolog.Logger) *TriggersHandler {
	return &TriggersHandler{
		now:    time.Now,
		logger: logger.With().Str("component", "triggers_handler").Logger(),
	}
}

// RegisterRoutes registers trigger routes on the given router group.
func (h *TriggersHandler) RegisterRoutes(r *gin.RouterGroup) {
	triggers := r.Group("/triggers")
	{
		triggers.POST("/encode", h.Encode)
		triggers.POST("/decode", h.Decode)
		triggers.POST("/next", h.Next)
	}
}

// TriggerResponse describes a trigger in both forms.
type TriggerResponse struct {
	CronTrigger *string       `json:"cron_trigger"`
	Recurrence  *trigger.Spec `json:"recurrence,omitempty"`
	Description string        `json:"description"`
}

// DecodeTriggerRequest is the request body for decoding a cron trigger.
type DecodeTriggerRequest struct {
	CronTrigger string `json:"cron_trigger"`
}

// NextOccurrencesRequest is the request body for computing occurrences.
type NextOccurrencesRequest struct {
	CronTrigger string     `json:"cron_trigger" binding:"required"`
	From        *time.Time `json:"from,omitempty"`
	Count       int        `json:"count,omitempty"`
}

// Encode converts a recurrence into its cron trigger.
// POST /api/v1/triggers/encode
func (h *TriggersHandler) Encode(c *gin.Context) {
	var spec trigger.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	r, err := spec.Recurrence()
	if err != nil {
		respondError(c, h.logger, err, "failed to encode recurrence")
		return
	}
	expr, err := trigger.Encode(r)
	if err != nil {
		respondError(c, h.logger, err, "failed to encode recurrence")
		return
	}

	resp := TriggerResponse{Description: trigger.Describe(r)}
	if expr != "" {
		resp.CronTrigger = &expr
	}
	normalized := trigger.SpecOf(r)
	resp.Recurrence = &normalized
	c.JSON(http.StatusOK, resp)
}

// Decode converts a cron trigger back into a recurrence.
// POST /api/v1/triggers/decode
func (h *TriggersHandler) Decode(c *gin.Context) {
	var req DecodeTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	expr := strings.TrimSpace(req.CronTrigger)

	r, err := trigger.Decode(expr)
	if err != nil {
		respondError(c, h.logger, err, "failed to decode trigger")
		return
	}

	spec := trigger.SpecOf(r)
	resp := TriggerResponse{Recurrence: &spec, Description: trigger.Describe(r)}
	if expr != "" {
		resp.CronTrigger = &expr
	}
	c.JSON(http.StatusOK, resp)
}

// Next returns the upcoming occurrences of a cron trigger.
// POST /api/v1/triggers/next
func (h *TriggersHandler) Next(c *gin.Context) {
	var req NextOccurrencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	count := req.Count
	if count <= 0 {
		count = 1
	}
	if count > maxOccurrences {
		count = maxOccurrences
	}
	from := h.now()
	if req.From != nil {
		from = *req.From
	}

	t, err := trigger.Parse(strings.TrimSpace(req.CronTrigger))
	if err != nil {
		respondError(c, h.logger, err, "failed to parse trigger")
		return
	}

	occurrences := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		next, err := t.Next(from)
		if err != nil {
			if i == 0 {
				respondError(c, h.logger, err, "failed to compute occurrences")
				return
			}
			break
		}
		occurrences = append(occurrences, next)
		from = next
	}

	c.JSON(http.StatusOK, gin.H{
		"cron_trigger": t.String(),
		"occurrences":  occurrences,
	})
}
