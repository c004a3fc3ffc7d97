package middleware

import (
	"net/http"
	"strings"

	"github.com/MacJediWizard/stagehand/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	corsAllowMethods  = "GET, POST, PUT, DELETE, OPTIONS"
	corsExposeHeaders = "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset"
	corsMaxAge        = "86400"
)

var corsAllowHeaders = "Content-Type, Authorization, " + OrgHeader

// corsPolicy decides which browser origins may call the API.
type corsPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newCORSPolicy(allowed []string, env config.Environment) corsPolicy {
	p := corsPolicy{
		any:     len(allowed) == 0 && env != config.EnvProduction,
		origins: make(map[string]struct{}, len(allowed)),
	}
	for _, origin := range allowed {
		p.origins[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return p
}

func (p corsPolicy) permits(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.origins[strings.ToLower(origin)]
	return ok
}

// CORS answers cross-origin requests from the configured operator consoles.
// With no origins configured every origin is accepted outside production and
// none in production.
func CORS(allowedOrigins []string, env config.Environment, logger zerolog.Logger) gin.HandlerFunc {
	policy := newCORSPolicy(allowedOrigins, env)
	if policy.any {
		logger.Warn().Str("component", "cors").Msg("CORS_ORIGINS is empty, all origins are allowed")
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Writer.Header().Add("Vary", "Origin")

		if policy.permits(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
