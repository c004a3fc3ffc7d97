package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type mockDatabaseHealthChecker struct {
	pingErr error
	health  map[string]any
}

func (m *mockDatabaseHealthChecker) Ping(_ context.Context) error {
	return m.pingErr
}

func (m *mockDatabaseHealthChecker) Health() map[string]any {
	if m.health != nil {
		return m.health
	}
	return map[string]any{}
}

func setupHealthTestRouter(h *HealthHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterPublicRoutes(r)
	return r
}

func TestHealthOverall(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		db := &mockDatabaseHealthChecker{health: map[string]any{"total_conns": int32(10)}}
		h := NewHealthHandler(db, "1.2.0", zerolog.Nop())
		h.AddCheck("redis", func(context.Context) error { return nil })

		w := doRequest(t, setupHealthTestRouter(h), "GET", "/health", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}

		var resp HealthResponse
		decodeBody(t, w, &resp)
		if resp.Status != HealthStatusHealthy {
			t.Fatalf("expected healthy status, got %q", resp.Status)
		}
		if resp.Version != "1.2.0" {
			t.Fatalf("expected version 1.2.0, got %q", resp.Version)
		}
		if _, ok := resp.Checks["redis"]; !ok {
			t.Fatal("expected redis check in response")
		}
		if resp.Checks["database"].Details["total_conns"] != float64(10) {
			t.Fatalf("expected pool details, got %v", resp.Checks["database"].Details)
		}
	})

	t.Run("database unhealthy", func(t *testing.T) {
		db := &mockDatabaseHealthChecker{pingErr: errors.New("connection refused")}
		h := NewHealthHandler(db, "dev", zerolog.Nop())

		w := doRequest(t, setupHealthTestRouter(h), "GET", "/health", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", w.Code)
		}
	})

	t.Run("extra check unhealthy", func(t *testing.T) {
		h := NewHealthHandler(&mockDatabaseHealthChecker{}, "dev", zerolog.Nop())
		h.AddCheck("redis", func(context.Context) error { return errors.New("dial tcp: refused") })

		w := doRequest(t, setupHealthTestRouter(h), "GET", "/health", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", w.Code)
		}

		var resp HealthResponse
		decodeBody(t, w, &resp)
		if resp.Checks["redis"].Error != "redis check failed" {
			t.Fatalf("unexpected redis error %q", resp.Checks["redis"].Error)
		}
	})

	t.Run("no database configured", func(t *testing.T) {
		h := NewHealthHandler(nil, "dev", zerolog.Nop())

		w := doRequest(t, setupHealthTestRouter(h), "GET", "/health", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", w.Code)
		}
	})
}

func TestHealthLive(t *testing.T) {
	// Liveness ignores dependencies.
	h := NewHealthHandler(&mockDatabaseHealthChecker{pingErr: errors.New("down")}, "1.2.0", zerolog.Nop())

	w := doRequest(t, setupHealthTestRouter(h), "GET", "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Uptime == "" || len(resp.Checks) != 0 {
		t.Fatalf("expected uptime and no checks, got %+v", resp)
	}
}

func TestHealthChecksRunConcurrently(t *testing.T) {
	h := NewHealthHandler(&mockDatabaseHealthChecker{}, "dev", zerolog.Nop())

	// Each check waits for the other, so a sequential runner would time out.
	a, b := make(chan struct{}), make(chan struct{})
	h.AddCheck("a", func(ctx context.Context) error {
		close(a)
		select {
		case <-b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	h.AddCheck("b", func(ctx context.Context) error {
		close(b)
		select {
		case <-a:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	w := doRequest(t, setupHealthTestRouter(h), "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthDatabase(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewHealthHandler(&mockDatabaseHealthChecker{}, "dev", zerolog.Nop())

		w := doRequest(t, setupHealthTestRouter(h), "GET", "/health/db", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
	})

	t.Run("unhealthy", func(t *testing.T) {
		h := NewHealthHandler(&mockDatabaseHealthChecker{pingErr: errors.New("timeout")}, "dev", zerolog.Nop())

		w := doRequest(t, setupHealthTestRouter(h), "GET", "/health/db", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", w.Code)
		}

		var resp HealthResponse
		decodeBody(t, w, &resp)
		if resp.Error != "database ping failed" {
			t.Fatalf("unexpected error %q", resp.Error)
		}
	})
}
