package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/stagehand/internal/lease"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify() { c.n++ }

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*models.Schedule
	apps      map[uuid.UUID]*models.Application
	jobs      []*models.DispatchJob
	seq       int64
	listErr   error
	commitErr error
	commits   int
}

func newMemStore() *memStore {
	return &memStore{
		schedules: make(map[uuid.UUID]*models.Schedule),
		apps:      make(map[uuid.UUID]*models.Application),
	}
}

func cloneSchedule(s *models.Schedule) *models.Schedule {
	c := *s
	c.Phases = make([]models.Phase, len(s.Phases))
	copy(c.Phases, s.Phases)
	return &c
}

func (m *memStore) add(s *models.Schedule, app *models.Application) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ApplicationID = app.ID
	m.schedules[s.ID] = cloneSchedule(s)
	m.apps[app.ID] = app
}

func (m *memStore) get(id uuid.UUID) *models.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := cloneSchedule(m.schedules[id])
	models.SortPhases(s.Phases)
	return s
}

func (m *memStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var due []*models.Schedule
	for _, s := range m.schedules {
		if s.IsDue(now) && len(due) < limit {
			due = append(due, cloneSchedule(s))
		}
	}
	return due, nil
}

func (m *memStore) GetScheduleWithPhases(_ context.Context, id uuid.UUID) (*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrGone)
	}
	return cloneSchedule(s), nil
}

func (m *memStore) GetApplication(_ context.Context, id uuid.UUID) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, fmt.Errorf("application %s: %w", id, ErrGone)
	}
	c := *app
	return &c, nil
}

func (m *memStore) CommitEvaluation(_ context.Context, c *Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	s, ok := m.schedules[c.ScheduleID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", c.ScheduleID, ErrGone)
	}
	if s.Version != c.ExpectedVersion {
		return fmt.Errorf("schedule %s: %w", s.ID, ErrConcurrencyConflict)
	}
	for _, p := range c.Phases {
		for i := range s.Phases {
			if s.Phases[i].ID == p.ID {
				s.Phases[i] = p
			}
		}
	}
	s.NextFireAt = c.NextFireAt
	s.LastEvaluatedAt = &c.EvaluatedAt
	if c.ClearAdvanceRequest {
		s.AdvanceRequestedAt = nil
	}
	s.Active = c.Active
	s.Cycle = c.Cycle
	if c.DegradedReason != "" {
		s.MarkDegraded(c.DegradedReason)
	}
	if c.PromoteApplicationID != nil {
		m.apps[*c.PromoteApplicationID].PromoteBuild()
	}
	for _, j := range c.DispatchJobs {
		m.seq++
		j.Seq = m.seq
		m.jobs = append(m.jobs, j)
	}
	s.Version++
	m.commits++
	return nil
}

func (m *memStore) MarkScheduleDegraded(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[id].MarkDegraded(reason)
	return nil
}

func newTestApp() *models.Application {
	app := models.NewApplication(uuid.New(), "Contoso VPN")
	app.PublishBuild("2.0.0", "build-200")
	app.PreviousVersion = "1.0.0"
	app.PreviousBuildRef = "build-100"
	return app
}

func newTestRunner(store Store, clock Clock) (*Runner, lease.Locker) {
	locker := lease.NewMemoryLocker()
	return NewRunner(store, locker, clock, DefaultRunnerConfig(), zerolog.Nop()), locker
}

func TestRunner_WeeklyTimeTravel(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	app := newTestApp()

	s := newTestSchedule("0 0 * * 1", 2)
	first := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	s.NextFireAt = &first
	store.add(s, app)

	clock := &fakeClock{now: first.Add(30 * time.Minute)}
	runner, _ := newTestRunner(store, clock)
	notifier := &countingNotifier{}
	runner.SetNotifier(notifier)

	summary, err := runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickSummary{Due: 1, Advanced: 1}, summary)

	got := store.get(s.ID)
	assert.Equal(t, []models.PhaseState{inProgress, notSet}, states(got.Phases))
	require.NotNil(t, got.NextFireAt)
	assert.Equal(t, time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC), *got.NextFireAt)
	require.Len(t, store.jobs, 1)
	assert.Equal(t, models.DispatchAssign, store.jobs[0].Action)
	assert.Equal(t, "build-200", store.jobs[0].Build.ExternalRef)
	assert.Equal(t, got.Phases[0].ID, store.jobs[0].PhaseID)
	assert.Equal(t, 1, notifier.n)

	// Nothing is due again until the next occurrence.
	clock.Set(time.Date(2026, 10, 25, 12, 0, 0, 0, time.UTC))
	summary, err = runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Due)

	clock.Set(time.Date(2026, 10, 26, 0, 30, 0, 0, time.UTC))
	_, err = runner.Tick(ctx)
	require.NoError(t, err)
	got = store.get(s.ID)
	assert.Equal(t, []models.PhaseState{finished, inProgress}, states(got.Phases))
	require.Len(t, store.jobs, 2)
	assert.Equal(t, got.Phases[1].ID, store.jobs[1].PhaseID)
	assert.Less(t, store.jobs[0].Seq, store.jobs[1].Seq)

	clock.Set(time.Date(2026, 11, 2, 0, 30, 0, 0, time.UTC))
	_, err = runner.Tick(ctx)
	require.NoError(t, err)
	got = store.get(s.ID)
	assert.Equal(t, []models.PhaseState{notSet, notSet}, states(got.Phases))
	assert.Equal(t, 1, got.Cycle)
	assert.True(t, got.Active)
	assert.Equal(t, "build-200", store.apps[app.ID].PreviousBuildRef, "cycle close promotes the build")
	assert.Equal(t, time.Date(2026, 11, 9, 0, 0, 0, 0, time.UTC), *got.NextFireAt)
	assert.Len(t, store.jobs, 2, "no unassign unless configured")
}

func TestRunner_ManualAdvanceRequest(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSchedule("", 3)
	requested := monday
	s.AdvanceRequestedAt = &requested
	store.add(s, newTestApp())

	runner, _ := newTestRunner(store, &fakeClock{now: monday.Add(time.Minute)})

	summary, err := runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Advanced)

	got := store.get(s.ID)
	assert.Nil(t, got.AdvanceRequestedAt)
	assert.Nil(t, got.NextFireAt)
	assert.Equal(t, []models.PhaseState{inProgress, notSet, notSet}, states(got.Phases))

	// Without another request the manual schedule stays put.
	summary, err = runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Due)
}

func TestRunner_EvaluateScheduleForce(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSchedule("", 3)
	store.add(s, newTestApp())
	runner, _ := newTestRunner(store, &fakeClock{now: monday})

	for i := 0; i < 4; i++ {
		outcome, err := runner.EvaluateSchedule(ctx, s.ID, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAdvanced, outcome.Result)
	}

	got := store.get(s.ID)
	assert.Equal(t, []models.PhaseState{notSet, notSet, notSet}, states(got.Phases))
	assert.Equal(t, 1, got.Cycle)
	assert.Len(t, store.jobs, 3)
}

func TestRunner_UnassignSuperseded(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSchedule("", 2)
	s.UnassignSuperseded = true
	store.add(s, newTestApp())
	runner, _ := newTestRunner(store, &fakeClock{now: monday})

	_, err := runner.EvaluateSchedule(ctx, s.ID, true)
	require.NoError(t, err)
	outcome, err := runner.EvaluateSchedule(ctx, s.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Dispatched)

	require.Len(t, store.jobs, 3)
	unassign := store.jobs[1]
	assert.Equal(t, models.DispatchUnassign, unassign.Action)
	assert.Equal(t, "build-100", unassign.Build.ExternalRef)
	assert.Equal(t, models.BuildPrevious, unassign.Build.Pointer)
	assert.Equal(t, models.DispatchAssign, store.jobs[2].Action)
}

func TestRunner_CommitConflict(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSchedule("", 1)
	store.add(s, newTestApp())
	store.commitErr = fmt.Errorf("version mismatch: %w", ErrConcurrencyConflict)
	runner, _ := newTestRunner(store, &fakeClock{now: monday})

	outcome, err := runner.EvaluateSchedule(ctx, s.ID, true)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))
	assert.Equal(t, OutcomeConflict, outcome.Result)
	assert.Empty(t, store.jobs)
	assert.Equal(t, []models.PhaseState{notSet}, states(store.get(s.ID).Phases))
}

func TestRunner_LeaseHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSchedule("0 0 * * 1", 1)
	due := monday.Add(-time.Hour)
	s.NextFireAt = &due
	store.add(s, newTestApp())

	runner, locker := newTestRunner(store, &fakeClock{now: monday})
	_, err := locker.Acquire(ctx, lease.ScheduleKey(s.ID.String()), time.Minute)
	require.NoError(t, err)

	summary, err := runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickSummary{Due: 1, Conflicts: 1}, summary)
	assert.Equal(t, 0, store.commits)
}

func TestRunner_PersistenceUnavailable(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("connection refused")
	runner, _ := newTestRunner(store, &fakeClock{now: monday})

	_, err := runner.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRunner_CommitFailureAbortsTick(t *testing.T) {
	store := newMemStore()
	s := newTestSchedule("", 1)
	now := monday
	s.AdvanceRequestedAt = &now
	store.add(s, newTestApp())
	store.commitErr = errors.New("connection reset")
	runner, _ := newTestRunner(store, &fakeClock{now: monday})

	_, err := runner.Tick(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConcurrencyConflict))
}

func TestRunner_UnsatisfiableTriggerDegrades(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSchedule("0 0 31 4 *", 1)
	started := monday.Add(-24 * time.Hour)
	s.Phases[0].State = inProgress
	s.Phases[0].StartedAt = &started
	s.Phases[0].BuildPointer = models.BuildCurrent.Ptr()
	due := monday.Add(-time.Hour)
	s.NextFireAt = &due
	store.add(s, newTestApp())

	runner, _ := newTestRunner(store, &fakeClock{now: monday})
	summary, err := runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)

	got := store.get(s.ID)
	assert.True(t, got.Degraded)
	assert.Nil(t, got.NextFireAt)
	assert.Equal(t, inProgress, got.Phases[0].State, "phase state is left alone")
}

func TestRunner_InvalidSnapshotIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSchedule("", 2)
	s.Phases[1].Sequence = 1
	now := monday
	s.AdvanceRequestedAt = &now
	store.add(s, newTestApp())

	runner, _ := newTestRunner(store, &fakeClock{now: monday})
	summary, err := runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.True(t, store.get(s.ID).Degraded)
	assert.Equal(t, 0, store.commits)
}

// vanishingStore lists a schedule that is deleted before it is loaded.
type vanishingStore struct {
	*memStore
	vanished *models.Schedule
}

func (v *vanishingStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.Schedule, error) {
	due, err := v.memStore.ListDueSchedules(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	return append([]*models.Schedule{cloneSchedule(v.vanished)}, due...), nil
}

func TestRunner_DeletedScheduleIsSkipped(t *testing.T) {
	ctx := context.Background()
	mem := newMemStore()

	s := newTestSchedule("0 0 * * 1", 2)
	due := monday.Add(-time.Hour)
	s.NextFireAt = &due
	mem.add(s, newTestApp())

	deleted := newTestSchedule("0 0 * * 1", 1)
	deleted.NextFireAt = &due
	store := &vanishingStore{memStore: mem, vanished: deleted}

	runner, _ := newTestRunner(store, &fakeClock{now: monday})
	summary, err := runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickSummary{Due: 2, Advanced: 1, Skipped: 1}, summary)
	assert.Equal(t, []models.PhaseState{inProgress, notSet}, states(mem.get(s.ID).Phases))

	outcome, err := runner.EvaluateSchedule(ctx, deleted.ID, true)
	assert.True(t, errors.Is(err, ErrGone))
	assert.Equal(t, OutcomeGone, outcome.Result)
}

func TestRunner_DeletedApplicationIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	app := newTestApp()
	s := newTestSchedule("", 1)
	now := monday
	s.AdvanceRequestedAt = &now
	store.add(s, app)
	delete(store.apps, app.ID)

	runner, _ := newTestRunner(store, &fakeClock{now: monday})
	summary, err := runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickSummary{Due: 1, Skipped: 1}, summary)
	assert.Equal(t, 0, store.commits)
	assert.Empty(t, store.jobs)
}

func TestRunner_ScheduleDeletedBeforeCommit(t *testing.T) {
	store := newMemStore()
	s := newTestSchedule("", 1)
	store.add(s, newTestApp())
	store.commitErr = fmt.Errorf("schedule %s: %w", s.ID, ErrGone)
	runner, _ := newTestRunner(store, &fakeClock{now: monday})

	outcome, err := runner.EvaluateSchedule(context.Background(), s.ID, true)
	assert.True(t, errors.Is(err, ErrGone))
	assert.Equal(t, OutcomeGone, outcome.Result)
	assert.Empty(t, store.jobs)
}

func TestRunner_StartStop(t *testing.T) {
	store := newMemStore()
	runner, _ := newTestRunner(store, &fakeClock{now: monday})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, runner.Start(ctx))
	assert.Error(t, runner.Start(ctx), "second start should fail")

	select {
	case <-runner.Stop().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	<-runner.Stop().Done()
}
