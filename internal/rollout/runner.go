package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/stagehand/internal/lease"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/MacJediWizard/stagehand/internal/trigger"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Store is the persistence the runner needs. Lookups and commits for a
// schedule or application that no longer exists must return an error
// wrapping ErrGone.
type Store interface {
	// ListDueSchedules returns active schedules whose next fire time is at or
	// before now or that have a pending advance request.
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.Schedule, error)
	// GetScheduleWithPhases loads a schedule and its phases.
	GetScheduleWithPhases(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	// GetApplication loads the application a schedule rolls out.
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
	// CommitEvaluation applies an evaluation atomically. It must return an
	// error wrapping ErrConcurrencyConflict if the schedule version changed.
	CommitEvaluation(ctx context.Context, c *Commit) error
	// MarkScheduleDegraded flags a schedule without touching its phases.
	MarkScheduleDegraded(ctx context.Context, id uuid.UUID, reason string) error
}

// Commit is everything one evaluation writes.
type Commit struct {
	ScheduleID      uuid.UUID
	ExpectedVersion int64
	EvaluatedAt     time.Time
	// Phases holds the post-plan state of every phase named by a transition.
	Phases     []models.Phase
	NextFireAt *time.Time
	// ClearAdvanceRequest consumes a pending manual advance.
	ClearAdvanceRequest bool
	Active              bool
	Cycle               int
	// PromoteApplicationID is set when the cycle completed.
	PromoteApplicationID *uuid.UUID
	// DegradedReason flags the schedule when non-empty.
	DegradedReason string
	// DispatchJobs are written to the outbox in transition order.
	DispatchJobs []*models.DispatchJob
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Notifier is told when new dispatch jobs were committed.
type Notifier interface {
	Notify()
}

// Recorder receives runner metrics.
type Recorder interface {
	RecordTick(duration time.Duration, evaluated int, err error)
	RecordEvaluation(outcome string)
	RecordTransition(from, to models.PhaseState)
}

type nopRecorder struct{}

func (nopRecorder) RecordTick(time.Duration, int, error)                  {}
func (nopRecorder) RecordEvaluation(string)                               {}
func (nopRecorder) RecordTransition(models.PhaseState, models.PhaseState) {}

// Evaluation outcomes reported to the Recorder and returned in Outcome.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeUnchanged = "unchanged"
	OutcomeNotDue    = "not_due"
	OutcomeLeaseHeld = "lease_held"
	OutcomeConflict  = "conflict"
	OutcomeInvalid   = "invalid"
	OutcomeDegraded  = "degraded"
	OutcomeGone      = "gone"
)

// RunnerConfig holds runner settings.
type RunnerConfig struct {
	// PollInterval is how often due schedules are evaluated.
	PollInterval time.Duration
	// LeaseTTL bounds one schedule evaluation.
	LeaseTTL time.Duration
	// BatchSize caps the schedules evaluated per tick.
	BatchSize int
}

// DefaultRunnerConfig returns a RunnerConfig with sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval: time.Hour,
		LeaseTTL:     30 * time.Second,
		BatchSize:    500,
	}
}

// Outcome describes one schedule evaluation.
type Outcome struct {
	ScheduleID uuid.UUID  `json:"schedule_id"`
	Result     string     `json:"result"`
	Plan       Plan       `json:"plan"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	Dispatched int        `json:"dispatched"`
}

// TickSummary counts the outcomes of one tick.
type TickSummary struct {
	Due       int `json:"due"`
	Advanced  int `json:"advanced"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
}

// Runner evaluates due schedules on a fixed cadence.
type Runner struct {
	store    Store
	locker   lease.Locker
	clock    Clock
	config   RunnerConfig
	notifier Notifier
	recorder Recorder
	cron     *cron.Cron
	logger   zerolog.Logger

	tickMu  sync.Mutex
	mu      sync.Mutex
	running bool
}

// NewRunner creates a Runner.
func NewRunner(store Store, locker lease.Locker, clock Clock, config RunnerConfig, logger zerolog.Logger) *Runner {
	if clock == nil {
		clock = SystemClock{}
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultRunnerConfig().LeaseTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultRunnerConfig().BatchSize
	}
	return &Runner{
		store:    store,
		locker:   locker,
		clock:    clock,
		config:   config,
		recorder: nopRecorder{},
		cron:     cron.New(),
		logger:   logger.With().Str("component", "rollout_runner").Logger(),
	}
}

// SetNotifier sets who is woken after dispatch jobs are committed.
func (r *Runner) SetNotifier(n Notifier) {
	r.notifier = n
}

// SetRecorder sets the metrics recorder.
func (r *Runner) SetRecorder(rec Recorder) {
	if rec == nil {
		rec = nopRecorder{}
	}
	r.recorder = rec
}

// Start schedules Tick every PollInterval and runs one tick immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("runner already running")
	}
	r.running = true
	r.mu.Unlock()

	r.cron.Schedule(cron.Every(r.config.PollInterval), cron.FuncJob(func() {
		r.runTick(ctx)
	}))
	r.cron.Start()

	r.logger.Info().Dur("poll_interval", r.config.PollInterval).Msg("rollout runner started")

	go r.runTick(ctx)
	return nil
}

// Stop stops the cron driver. The returned context is done once a running tick finishes.
func (r *Runner) Stop() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	r.running = false
	r.logger.Info().Msg("stopping rollout runner")
	return r.cron.Stop()
}

func (r *Runner) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summary, err := r.Tick(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("tick aborted")
		return
	}
	if summary.Due > 0 {
		r.logger.Info().
			Int("due", summary.Due).
			Int("advanced", summary.Advanced).
			Int("skipped", summary.Skipped).
			Int("conflicts", summary.Conflicts).
			Msg("tick completed")
	}
}

// Tick evaluates every due schedule once, one at a time. It returns an error
// only when persistence fails; such a tick is abandoned and retried on the
// next interval.
func (r *Runner) Tick(ctx context.Context) (TickSummary, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := time.Now()
	now := r.clock.Now()
	var summary TickSummary

	due, err := r.store.ListDueSchedules(ctx, now, r.config.BatchSize)
	if err != nil {
		err = fmt.Errorf("list due schedules: %w", err)
		r.recorder.RecordTick(time.Since(start), 0, err)
		return summary, err
	}
	summary.Due = len(due)

	for _, s := range due {
		if ctx.Err() != nil {
			break
		}
		outcome, err := r.evaluate(ctx, s.ID, now, false)
		if err != nil {
			r.recorder.RecordTick(time.Since(start), summary.Advanced, err)
			return summary, err
		}
		switch outcome.Result {
		case OutcomeAdvanced:
			summary.Advanced++
		case OutcomeConflict, OutcomeLeaseHeld:
			summary.Conflicts++
		default:
			summary.Skipped++
		}
	}

	r.recorder.RecordTick(time.Since(start), summary.Advanced, nil)
	return summary, nil
}

// EvaluateSchedule evaluates one schedule now. With force the in-progress
// phase finishes regardless of its trigger and manual schedules move.
func (r *Runner) EvaluateSchedule(ctx context.Context, id uuid.UUID, force bool) (*Outcome, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	outcome, err := r.evaluate(ctx, id, r.clock.Now(), force)
	if err != nil {
		return nil, err
	}
	switch outcome.Result {
	case OutcomeConflict, OutcomeLeaseHeld:
		return outcome, ErrConcurrencyConflict
	case OutcomeGone:
		return outcome, fmt.Errorf("schedule %s: %w", id, ErrGone)
	}
	return outcome, nil
}

// evaluate runs one schedule under its lease. Only persistence failures are
// returned as errors; everything else is reported in the outcome.
func (r *Runner) evaluate(ctx context.Context, id uuid.UUID, now time.Time, force bool) (*Outcome, error) {
	outcome := &Outcome{ScheduleID: id}
	logger := r.logger.With().Str("schedule_id", id.String()).Logger()

	key := lease.ScheduleKey(id.String())
	token, err := r.locker.Acquire(ctx, key, r.config.LeaseTTL)
	if errors.Is(err, lease.ErrNotAcquired) {
		logger.Debug().Msg("schedule leased by another runner")
		return r.finish(outcome, OutcomeLeaseHeld), nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			logger.Warn().Err(err).Msg("failed to release lease")
		}
	}()

	schedule, err := r.store.GetScheduleWithPhases(ctx, id)
	if errors.Is(err, ErrGone) {
		logger.Debug().Msg("schedule deleted before evaluation")
		return r.finish(outcome, OutcomeGone), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule %s: %w", id, err)
	}
	logger = logger.With().Str("org_id", schedule.OrgID.String()).Logger()

	requested := schedule.AdvanceRequestedAt != nil
	if !force && !schedule.IsDue(now) {
		return r.finish(outcome, OutcomeNotDue), nil
	}

	commit := &Commit{
		ScheduleID:          schedule.ID,
		ExpectedVersion:     schedule.Version,
		EvaluatedAt:         now,
		ClearAdvanceRequest: requested,
		Active:              schedule.Active,
		Cycle:               schedule.Cycle,
	}

	plan, err := Advance(Input{
		Schedule: schedule,
		Phases:   schedule.Phases,
		Now:      now,
		Force:    force || requested,
	})
	switch {
	case errors.Is(err, ErrInvalidSnapshot):
		logger.Warn().Err(err).Msg("skipping schedule with invalid phases")
		if err := r.store.MarkScheduleDegraded(ctx, schedule.ID, err.Error()); err != nil {
			return nil, fmt.Errorf("mark schedule degraded: %w", err)
		}
		return r.finish(outcome, OutcomeInvalid), nil
	case err != nil:
		// The trigger itself is broken; stop firing until an operator edits it.
		logger.Warn().Err(err).Str("trigger", schedule.Trigger()).Msg("schedule trigger cannot be evaluated")
		commit.DegradedReason = err.Error()
		commit.NextFireAt = nil
		if err := r.commit(ctx, key, token, commit); err != nil {
			return r.conflictOrError(outcome, logger, err)
		}
		return r.finish(outcome, OutcomeDegraded), nil
	}
	outcome.Plan = plan
	for _, skippedID := range plan.Skipped {
		logger.Warn().Str("phase_id", skippedID.String()).Msg("skipping phase with unknown state")
	}

	if schedule.Active && !schedule.IsManual() && !plan.Deactivate {
		next, err := trigger.NextOccurrence(schedule.Trigger(), now)
		if err != nil {
			logger.Warn().Err(err).Str("trigger", schedule.Trigger()).Msg("no next occurrence")
			commit.DegradedReason = err.Error()
		} else {
			commit.NextFireAt = &next
		}
	}

	if !plan.Empty() {
		app, err := r.store.GetApplication(ctx, schedule.ApplicationID)
		if errors.Is(err, ErrGone) {
			logger.Debug().Str("application_id", schedule.ApplicationID.String()).Msg("application deleted before evaluation")
			return r.finish(outcome, OutcomeGone), nil
		}
		if err != nil {
			return nil, fmt.Errorf("load application %s: %w", schedule.ApplicationID, err)
		}
		commit.Phases = touchedPhases(Apply(schedule.Phases, plan, now), plan)
		commit.DispatchJobs = dispatchJobs(schedule, app, plan)
		if plan.CycleComplete {
			commit.Cycle++
			commit.PromoteApplicationID = &schedule.ApplicationID
		}
		if plan.Deactivate {
			commit.Active = false
		}
	}

	if err := r.commit(ctx, key, token, commit); err != nil {
		return r.conflictOrError(outcome, logger, err)
	}
	outcome.NextFireAt = commit.NextFireAt
	outcome.Dispatched = len(commit.DispatchJobs)

	for _, t := range plan.Transitions {
		r.recorder.RecordTransition(t.From, t.To)
		logger.Info().
			Str("phase_id", t.PhaseID.String()).
			Int("sequence", t.Sequence).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Msg("phase transition")
	}
	if plan.CycleComplete {
		logger.Info().Int("cycle", commit.Cycle).Bool("deactivated", plan.Deactivate).Msg("rollout cycle complete")
	}
	if len(commit.DispatchJobs) > 0 && r.notifier != nil {
		r.notifier.Notify()
	}

	if plan.Empty() {
		return r.finish(outcome, OutcomeUnchanged), nil
	}
	return r.finish(outcome, OutcomeAdvanced), nil
}

// commit verifies the lease is still ours and then writes the evaluation.
func (r *Runner) commit(ctx context.Context, key, token string, c *Commit) error {
	if err := r.locker.Refresh(ctx, key, token, r.config.LeaseTTL); err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return fmt.Errorf("refresh lease: %w", err)
	}
	return r.store.CommitEvaluation(ctx, c)
}

func (r *Runner) conflictOrError(outcome *Outcome, logger zerolog.Logger, err error) (*Outcome, error) {
	if errors.Is(err, ErrGone) {
		logger.Debug().Err(err).Msg("schedule deleted during evaluation")
		return r.finish(outcome, OutcomeGone), nil
	}
	if errors.Is(err, ErrConcurrencyConflict) {
		logger.Warn().Err(err).Msg("evaluation discarded, will retry next tick")
		return r.finish(outcome, OutcomeConflict), nil
	}
	return nil, fmt.Errorf("commit evaluation: %w", err)
}

func (r *Runner) finish(outcome *Outcome, result string) *Outcome {
	outcome.Result = result
	r.recorder.RecordEvaluation(result)
	return outcome
}

// touchedPhases returns the phases named by the plan's transitions.
func touchedPhases(phases []models.Phase, plan Plan) []models.Phase {
	named := make(map[uuid.UUID]bool, len(plan.Transitions))
	for _, t := range plan.Transitions {
		named[t.PhaseID] = true
	}
	out := make([]models.Phase, 0, len(named))
	for _, p := range phases {
		if named[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// dispatchJobs builds the outbox entries for a plan: an assign for every
// phase that starts, and an unassign of the superseded build for every phase
// that finishes when the schedule asks for it. Build references are resolved
// before any promotion so they name what the phase actually received.
func dispatchJobs(s *models.Schedule, app *models.Application, plan Plan) []*models.DispatchJob {
	groups := make(map[uuid.UUID][]models.GroupAssignment, len(s.Phases))
	for _, p := range s.Phases {
		groups[p.ID] = p.Groups
	}

	// Unassigns go out before the assign of the phase that replaces them.
	var jobs []*models.DispatchJob
	if s.UnassignSuperseded {
		prev := app.Build(models.BuildPrevious)
		if prev.ExternalRef != "" && prev.ExternalRef != app.CurrentBuildRef {
			for _, t := range plan.Finished() {
				jobs = append(jobs, models.NewDispatchJob(s.OrgID, s.ID, t.PhaseID, models.DispatchUnassign, prev, groups[t.PhaseID]))
			}
		}
	}
	for _, t := range plan.Started() {
		pointer := models.BuildCurrent
		if t.BuildPointer != nil {
			pointer = *t.BuildPointer
		}
		jobs = append(jobs, models.NewDispatchJob(s.OrgID, s.ID, t.PhaseID, models.DispatchAssign, app.Build(pointer), groups[t.PhaseID]))
	}
	return jobs
}
