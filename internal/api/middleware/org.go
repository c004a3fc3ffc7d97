// Package middleware provides HTTP middleware for the Stagehand API.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	// OrgContextKey is the context key for the tenant organization ID.
	OrgContextKey ContextKey = "org_id"
)

// OrgHeader carries the tenant organization set by the upstream auth gateway.
const OrgHeader = "X-Org-ID"

// OrgMiddleware resolves the tenant organization for a request from the
// X-Org-ID header. Requests without the header use defaultOrg; when
// defaultOrg is uuid.Nil the header is required.
func OrgMiddleware(defaultOrg uuid.UUID, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "org_middleware").Logger()

	return func(c *gin.Context) {
		orgID := defaultOrg

		if raw := c.GetHeader(OrgHeader); raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				log.Debug().Str("header", raw).Str("path", c.Request.URL.Path).Msg("invalid organization header")
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + OrgHeader + " header"})
				return
			}
			orgID = parsed
		}

		if orgID == uuid.Nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": OrgHeader + " header required"})
			return
		}

		c.Set(string(OrgContextKey), orgID)
		c.Next()
	}
}

// GetOrgID retrieves the organization ID from the Gin context.
// Returns uuid.Nil if none is set.
func GetOrgID(c *gin.Context) uuid.UUID {
	v, exists := c.Get(string(OrgContextKey))
	if !exists {
		return uuid.Nil
	}
	orgID, ok := v.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return orgID
}

// RequireOrg is a helper that gets the organization ID or aborts with 401.
// Use this in handlers that expect OrgMiddleware to have already run.
func RequireOrg(c *gin.Context) (uuid.UUID, bool) {
	orgID := GetOrgID(c)
	if orgID == uuid.Nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization required"})
		return uuid.Nil, false
	}
	return orgID, true
}
