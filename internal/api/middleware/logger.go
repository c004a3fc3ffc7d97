package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// RequestIDHeader carries the request ID in and out of the API.
	RequestIDHeader = "X-Request-ID"
	// RequestIDContextKey is the context key for the request ID.
	RequestIDContextKey ContextKey = "request_id"
)

// redactedParams are query parameters whose values never reach the logs.
var redactedParams = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"client_secret": {},
	"secret":        {},
}

// probePaths are logged at debug level so scrapers and health probes do not
// drown out API traffic.
var probePaths = map[string]struct{}{
	"/health":    {},
	"/health/db": {},
	"/metrics":   {},
}

func redactQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	changed := false
	for name := range params {
		if _, ok := redactedParams[strings.ToLower(name)]; !ok {
			continue
		}
		for i := range params[name] {
			params[name][i] = "[REDACTED]"
		}
		changed = true
	}
	if !changed {
		return rawQuery
	}
	return params.Encode()
}

// GetRequestID returns the request ID assigned by RequestLogger.
func GetRequestID(c *gin.Context) string {
	return c.GetString(string(RequestIDContextKey))
}

// RequestLogger assigns every request an ID (reusing a well-formed incoming
// X-Request-ID) and logs one line per request once it completes.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		c.Set(string(RequestIDContextKey), requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		default:
			if _, probe := probePaths[c.Request.URL.Path]; probe {
				event = log.Debug()
			} else {
				event = log.Info()
			}
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		event = event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size())

		if q := redactQueryString(c.Request.URL.RawQuery); q != "" {
			event = event.Str("query", q)
		}
		if orgID := GetOrgID(c); orgID != uuid.Nil {
			event = event.Str("org_id", orgID.String())
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}

		event.Msg("http request")
	}
}
