package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MacJediWizard/stagehand/internal/api/middleware"
	"github.com/MacJediWizard/stagehand/internal/db"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/MacJediWizard/stagehand/internal/rollout"
	"github.com/MacJediWizard/stagehand/internal/schedules"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDatabase struct{}

func (stubDatabase) Ping(context.Context) error { return nil }
func (stubDatabase) Health() map[string]any     { return map[string]any{} }

// stubStore answers every lookup with not found and every list with the
// organization it was asked about.
type stubStore struct {
	lastOrg uuid.UUID
}

func (s *stubStore) Add(context.Context, uuid.UUID, schedules.ScheduleInput) (*models.Schedule, error) {
	return nil, fmt.Errorf("add: %w", schedules.ErrInvalidSchedule)
}

func (s *stubStore) Edit(context.Context, uuid.UUID, uuid.UUID, schedules.ScheduleInput, bool) (*models.Schedule, error) {
	return nil, db.ErrNotFound
}

func (s *stubStore) Copy(context.Context, uuid.UUID, uuid.UUID, string) (*models.Schedule, error) {
	return nil, db.ErrNotFound
}

func (s *stubStore) Delete(context.Context, uuid.UUID, uuid.UUID) error { return db.ErrNotFound }

func (s *stubStore) Get(context.Context, uuid.UUID, uuid.UUID) (*models.Schedule, error) {
	return nil, db.ErrNotFound
}

func (s *stubStore) ListPaged(_ context.Context, orgID uuid.UUID, page, pageSize int) (*models.SchedulePage, error) {
	s.lastOrg = orgID
	return &models.SchedulePage{Schedules: []*models.Schedule{}, Page: page, PageSize: pageSize}, nil
}

func (s *stubStore) ForceAdvance(context.Context, uuid.UUID, uuid.UUID) (*rollout.Outcome, error) {
	return nil, db.ErrNotFound
}

func (s *stubStore) ClearAssignments(context.Context, uuid.UUID, uuid.UUID) (*models.Schedule, int, error) {
	return nil, 0, db.ErrNotFound
}

func (s *stubStore) CreateApplication(context.Context, *models.Application) error { return nil }

func (s *stubStore) GetApplicationForOrg(context.Context, uuid.UUID, uuid.UUID) (*models.Application, error) {
	return nil, db.ErrNotFound
}

func (s *stubStore) ListApplications(_ context.Context, orgID uuid.UUID) ([]*models.Application, error) {
	s.lastOrg = orgID
	return nil, nil
}

func (s *stubStore) PublishBuild(context.Context, uuid.UUID, uuid.UUID, string, string) (*models.Application, error) {
	return nil, db.ErrNotFound
}

func (s *stubStore) DeleteApplication(context.Context, uuid.UUID, uuid.UUID) error {
	return db.ErrNotFound
}

func (s *stubStore) ListDispatchJobs(context.Context, uuid.UUID, *uuid.UUID, int) ([]*models.DispatchJob, error) {
	return []*models.DispatchJob{}, nil
}

func (s *stubStore) GetDispatchJob(context.Context, uuid.UUID, uuid.UUID) (*models.DispatchJob, error) {
	return nil, db.ErrNotFound
}

func (s *stubStore) GetDispatchSummary(context.Context, uuid.UUID) (*models.DispatchSummary, error) {
	return &models.DispatchSummary{}, nil
}

func (s *stubStore) RetryDispatchJob(context.Context, uuid.UUID, uuid.UUID) (*models.DispatchJob, error) {
	return nil, db.ErrNotFound
}

func newTestRouter(t *testing.T, defaultOrg uuid.UUID) (*Router, *stubStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &stubStore{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "stagehand_test_total", Help: "test"}))

	router, err := NewRouter(DefaultConfig(), Dependencies{
		Database:     stubDatabase{},
		Gatherer:     reg,
		Schedules:    store,
		Applications: store,
		DispatchJobs: store,
		DefaultOrg:   defaultOrg,
	}, zerolog.Nop())
	require.NoError(t, err)
	return router, store
}

func serve(r *Router, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	return w
}

func TestNewRouter_PublicRoutes(t *testing.T) {
	r, _ := newTestRouter(t, uuid.Nil)

	w := serve(r, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = serve(r, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "stagehand_test_total"))
}

func TestNewRouter_TenantResolution(t *testing.T) {
	t.Run("header required without default", func(t *testing.T) {
		r, _ := newTestRouter(t, uuid.Nil)
		w := serve(r, "GET", "/api/v1/schedules", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("header selects tenant", func(t *testing.T) {
		r, store := newTestRouter(t, uuid.New())
		orgID := uuid.New()
		w := serve(r, "GET", "/api/v1/schedules", http.Header{middleware.OrgHeader: {orgID.String()}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, orgID, store.lastOrg)
	})

	t.Run("default tenant", func(t *testing.T) {
		defaultOrg := uuid.New()
		r, store := newTestRouter(t, defaultOrg)
		w := serve(r, "GET", "/api/v1/applications", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, defaultOrg, store.lastOrg)
	})
}

func TestNewRouter_RegistersAPI(t *testing.T) {
	r, _ := newTestRouter(t, uuid.New())

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/api/v1/schedules/" + uuid.NewString(), http.StatusNotFound},
		{"POST", "/api/v1/schedules/" + uuid.NewString() + "/advance", http.StatusNotFound},
		{"GET", "/api/v1/applications/" + uuid.NewString(), http.StatusNotFound},
		{"GET", "/api/v1/dispatch-jobs", http.StatusOK},
		{"GET", "/api/v1/dispatch-jobs/summary", http.StatusOK},
		{"POST", "/api/v1/triggers/decode", http.StatusBadRequest},
		{"GET", "/api/v1/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := serve(r, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestNewRouter_InvalidRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPeriod = "soon"

	_, err := NewRouter(cfg, Dependencies{Database: stubDatabase{}}, zerolog.Nop())
	assert.Error(t, err)
}
