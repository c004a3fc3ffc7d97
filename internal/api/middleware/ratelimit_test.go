package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		name       string
		requests   int64
		period     string
		wantErr    bool
		wantPeriod time.Duration
	}{
		{name: "per minute", requests: 100, period: "1m", wantPeriod: time.Minute},
		{name: "per hour", requests: 5000, period: "1h", wantPeriod: time.Hour},
		{name: "unparseable period", requests: 10, period: "hourly", wantErr: true},
		{name: "zero requests", requests: 0, period: "1m", wantErr: true},
		{name: "negative requests", requests: -5, period: "1m", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rate, err := parseRate(tt.requests, tt.period)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %d/%s", tt.requests, tt.period)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rate.Limit != tt.requests || rate.Period != tt.wantPeriod {
				t.Fatalf("unexpected rate %+v", rate)
			}
		})
	}
}

func newLimitedRouter(t *testing.T, requests int64) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mw, err := NewRateLimiter(requests, "1m")
	if err != nil {
		t.Fatalf("failed to create rate limiter: %v", err)
	}
	r := gin.New()
	r.Use(mw)
	r.POST("/api/v1/schedules/:id/advance", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"result": "advanced"})
	})
	return r
}

func sendFrom(r http.Handler, addr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules/42/advance", nil)
	req.RemoteAddr = addr
	r.ServeHTTP(w, req)
	return w
}

func TestNewRateLimiter_Enforces(t *testing.T) {
	r := newLimitedRouter(t, 3)

	for i := 1; i <= 3; i++ {
		w := sendFrom(r, "10.1.0.7:40000")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Fatalf("request %d: expected limit header 3, got %q", i, got)
		}
	}

	w := sendFrom(r, "10.1.0.7:40001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 after the limit, got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}
}

func TestNewRateLimiter_PerClient(t *testing.T) {
	r := newLimitedRouter(t, 1)

	if w := sendFrom(r, "192.168.4.10:5000"); w.Code != http.StatusOK {
		t.Fatalf("first client: expected status 200, got %d", w.Code)
	}
	if w := sendFrom(r, "192.168.4.10:5001"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("first client again: expected status 429, got %d", w.Code)
	}
	if w := sendFrom(r, "192.168.4.11:5000"); w.Code != http.StatusOK {
		t.Fatalf("second client: expected status 200, got %d", w.Code)
	}
}
