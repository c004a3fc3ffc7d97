// Package schedules implements the operator-facing schedule operations:
// creating, editing, copying and deleting schedules, forcing a manual advance
// and clearing assignments.
package schedules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/MacJediWizard/stagehand/internal/rollout"
	"github.com/MacJediWizard/stagehand/internal/trigger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrScheduleInProgress is returned for structural edits while a phase is
	// in progress and the caller did not confirm.
	ErrScheduleInProgress = errors.New("schedule has a phase in progress")
	// ErrInvalidPhases is returned when phases are missing, misnumbered or
	// carry malformed group assignments.
	ErrInvalidPhases = models.ErrInvalidPhases
	// ErrInvalidSchedule is returned for other invalid input.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

const (
	// DefaultPageSize is used when a listing asks for no page size.
	DefaultPageSize = 20
	// MaxPageSize caps the page size of a listing.
	MaxPageSize = 100
)

// Store is the persistence the service needs.
type Store interface {
	GetApplicationForOrg(ctx context.Context, orgID, id uuid.UUID) (*models.Application, error)
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, orgID, id uuid.UUID) (*models.Schedule, error)
	UpdateSchedule(ctx context.Context, s *models.Schedule, replacePhases bool) error
	DeleteSchedule(ctx context.Context, orgID, id uuid.UUID) error
	ListSchedulesPaged(ctx context.Context, orgID uuid.UUID, page, pageSize int) (*models.SchedulePage, error)
	RequestAdvance(ctx context.Context, orgID, id uuid.UUID, at time.Time) error
	ResetSchedule(ctx context.Context, s *models.Schedule, jobs []*models.DispatchJob) error
}

// Evaluator runs a single schedule evaluation.
type Evaluator interface {
	EvaluateSchedule(ctx context.Context, id uuid.UUID, force bool) (*rollout.Outcome, error)
}

// PhaseInput describes one phase of a schedule. A zero Sequence is taken
// from the phase's position.
type PhaseInput struct {
	Sequence int                      `json:"sequence,omitempty"`
	Name     string                   `json:"name,omitempty"`
	Groups   []models.GroupAssignment `json:"groups"`
}

// ScheduleInput is the operator's description of a schedule. Recurrence and
// CronTrigger are alternatives; with neither a new schedule is manual and an
// edited one keeps its trigger. An empty CronTrigger or a manual Recurrence
// makes an edited schedule manual. Absent fields keep their stored value on edit.
type ScheduleInput struct {
	ApplicationID      uuid.UUID     `json:"application_id"`
	Name               string        `json:"name"`
	Description        *string       `json:"description,omitempty"`
	Recurrence         *trigger.Spec `json:"recurrence,omitempty"`
	CronTrigger        *string       `json:"cron_trigger,omitempty"`
	OneShot            *bool         `json:"one_shot,omitempty"`
	Active             *bool         `json:"active,omitempty"`
	UnassignSuperseded *bool         `json:"unassign_superseded,omitempty"`
	Phases             []PhaseInput  `json:"phases"`
	// Version, when set on an edit, must match the stored version.
	Version int64 `json:"version,omitempty"`
}

// Config holds service settings.
type Config struct {
	// UnassignSuperseded is the default for new schedules.
	UnassignSuperseded bool
}

// Service implements the schedule operations.
type Service struct {
	store    Store
	runner   Evaluator
	clock    rollout.Clock
	config   Config
	notifier rollout.Notifier
	logger   zerolog.Logger
}

// NewService creates a schedule service.
func NewService(store Store, runner Evaluator, clock rollout.Clock, config Config, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = rollout.SystemClock{}
	}
	return &Service{
		store:  store,
		runner: runner,
		clock:  clock,
		config: config,
		logger: logger.With().Str("component", "schedule_service").Logger(),
	}
}

// SetNotifier sets who is told about newly queued dispatch jobs.
func (s *Service) SetNotifier(n rollout.Notifier) {
	s.notifier = n
}

// Add creates a schedule and its phases.
func (s *Service) Add(ctx context.Context, orgID uuid.UUID, in ScheduleInput) (*models.Schedule, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if in.ApplicationID == uuid.Nil {
		return nil, fmt.Errorf("%w: application_id is required", ErrInvalidSchedule)
	}
	if _, err := s.store.GetApplicationForOrg(ctx, orgID, in.ApplicationID); err != nil {
		return nil, fmt.Errorf("load application: %w", err)
	}

	now := s.clock.Now()
	expr, err := resolveTrigger(in, now)
	if err != nil {
		return nil, err
	}

	sched := models.NewSchedule(orgID, in.ApplicationID, name, expr)
	if in.Description != nil {
		sched.Description = strings.TrimSpace(*in.Description)
	}
	if in.OneShot != nil {
		sched.OneShot = *in.OneShot
	}
	sched.UnassignSuperseded = s.config.UnassignSuperseded
	if in.UnassignSuperseded != nil {
		sched.UnassignSuperseded = *in.UnassignSuperseded
	}
	if in.Active != nil {
		sched.Active = *in.Active
	}
	sched.Version = 1

	phases, err := buildPhases(sched.ID, in.Phases)
	if err != nil {
		return nil, err
	}
	sched.Phases = phases

	if err := scheduleNextFire(sched, now); err != nil {
		return nil, err
	}

	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("org_id", orgID.String()).
		Str("schedule_id", sched.ID.String()).
		Str("trigger", sched.Trigger()).
		Int("phases", len(sched.Phases)).
		Msg("schedule created")
	return sched, nil
}

// Edit patches a schedule's settings; fields absent from in are kept.
// Changing the phases or the trigger while a phase is in progress requires
// confirm. Confirmed phase changes restart every phase from not_set; a
// confirmed trigger change lets the running phase finish on the new trigger.
func (s *Service) Edit(ctx context.Context, orgID, id uuid.UUID, in ScheduleInput, confirm bool) (*models.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if in.Version != 0 && in.Version != sched.Version {
		return nil, fmt.Errorf("schedule %s is at version %d, not %d: %w", id, sched.Version, in.Version, rollout.ErrConcurrencyConflict)
	}
	if in.ApplicationID != uuid.Nil && in.ApplicationID != sched.ApplicationID {
		return nil, fmt.Errorf("%w: application cannot be changed; copy the schedule instead", ErrInvalidSchedule)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = sched.Name
	}

	now := s.clock.Now()
	expr := sched.CronTrigger
	if in.Recurrence != nil || in.CronTrigger != nil {
		if expr, err = resolveTrigger(in, now); err != nil {
			return nil, err
		}
	}
	triggerChanged := sched.Trigger() != derefString(expr)
	if triggerChanged && sched.HasInProgress() && !confirm {
		return nil, fmt.Errorf("trigger change: %w", ErrScheduleInProgress)
	}

	replace := false
	if len(in.Phases) > 0 {
		phases, err := buildPhases(sched.ID, in.Phases)
		if err != nil {
			return nil, err
		}
		if !samePhases(sched.Phases, phases) {
			if sched.HasInProgress() && !confirm {
				return nil, fmt.Errorf("phase change: %w", ErrScheduleInProgress)
			}
			sched.Phases = phases
			replace = true
		}
	}

	wasActive := sched.Active

	sched.Name = name
	sched.CronTrigger = expr
	if in.Description != nil {
		sched.Description = strings.TrimSpace(*in.Description)
	}
	if in.OneShot != nil {
		sched.OneShot = *in.OneShot
	}
	if in.Active != nil {
		sched.Active = *in.Active
	}
	if in.UnassignSuperseded != nil {
		sched.UnassignSuperseded = *in.UnassignSuperseded
	}
	sched.ClearDegraded()

	if triggerChanged || (!wasActive && sched.Active) || sched.NextFireAt == nil {
		if err := scheduleNextFire(sched, now); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateSchedule(ctx, sched, replace); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("org_id", orgID.String()).
		Str("schedule_id", sched.ID.String()).
		Bool("phases_replaced", replace).
		Bool("trigger_changed", triggerChanged).
		Msg("schedule edited")
	return sched, nil
}

// Copy duplicates a schedule under a new name with every phase reset.
func (s *Service) Copy(ctx context.Context, orgID, id uuid.UUID, name string) (*models.Schedule, error) {
	src, err := s.store.GetSchedule(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = src.Name + " (copy)"
	}
	if name == src.Name {
		return nil, fmt.Errorf("%w: copy needs a different name", ErrInvalidSchedule)
	}

	dst := models.NewSchedule(orgID, src.ApplicationID, name, src.CronTrigger)
	dst.Description = src.Description
	dst.OneShot = src.OneShot
	dst.Active = src.Active
	dst.UnassignSuperseded = src.UnassignSuperseded
	dst.Version = 1
	for _, p := range src.Phases {
		groups := make([]models.GroupAssignment, len(p.Groups))
		copy(groups, p.Groups)
		dst.Phases = append(dst.Phases, *models.NewPhase(dst.ID, p.Sequence, p.Name, groups))
	}
	if err := scheduleNextFire(dst, s.clock.Now()); err != nil {
		return nil, err
	}

	if err := s.store.CreateSchedule(ctx, dst); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("org_id", orgID.String()).
		Str("source_id", src.ID.String()).
		Str("schedule_id", dst.ID.String()).
		Msg("schedule copied")
	return dst, nil
}

// Delete removes a schedule and its phases.
func (s *Service) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	if err := s.store.DeleteSchedule(ctx, orgID, id); err != nil {
		return err
	}
	s.logger.Info().Str("org_id", orgID.String()).Str("schedule_id", id.String()).Msg("schedule deleted")
	return nil
}

// Get returns a schedule with its phases.
func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (*models.Schedule, error) {
	return s.store.GetSchedule(ctx, orgID, id)
}

// ListPaged returns one page of an organization's schedules. Pages start
// at 1; page sizes are clamped to MaxPageSize.
func (s *Service) ListPaged(ctx context.Context, orgID uuid.UUID, page, pageSize int) (*models.SchedulePage, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return s.store.ListSchedulesPaged(ctx, orgID, page, pageSize)
}

// ForceAdvance records a manual advance and evaluates the schedule right away.
// If another runner holds the schedule the request stays pending and is
// served by the next tick; the returned outcome then reports lease_held or
// conflict.
func (s *Service) ForceAdvance(ctx context.Context, orgID, id uuid.UUID) (*rollout.Outcome, error) {
	if err := s.store.RequestAdvance(ctx, orgID, id, s.clock.Now()); err != nil {
		return nil, err
	}

	outcome, err := s.runner.EvaluateSchedule(ctx, id, true)
	if errors.Is(err, rollout.ErrConcurrencyConflict) {
		s.logger.Info().Str("schedule_id", id.String()).Msg("advance queued for next tick")
		return outcome, nil
	}
	if err != nil {
		return nil, fmt.Errorf("advance schedule: %w", err)
	}
	return outcome, nil
}

// ClearAssignments unassigns the current and previous builds from every
// phase's groups and returns all phases to not_set.
func (s *Service) ClearAssignments(ctx context.Context, orgID, id uuid.UUID) (*models.Schedule, int, error) {
	sched, err := s.store.GetSchedule(ctx, orgID, id)
	if err != nil {
		return nil, 0, err
	}
	app, err := s.store.GetApplicationForOrg(ctx, orgID, sched.ApplicationID)
	if err != nil {
		return nil, 0, fmt.Errorf("load application: %w", err)
	}

	var builds []models.BuildReference
	for _, p := range []models.BuildPointer{models.BuildCurrent, models.BuildPrevious} {
		b := app.Build(p)
		if b.ExternalRef == "" {
			continue
		}
		if len(builds) > 0 && builds[0].ExternalRef == b.ExternalRef {
			continue
		}
		builds = append(builds, b)
	}

	var jobs []*models.DispatchJob
	for _, p := range sched.Phases {
		if len(p.Groups) == 0 {
			continue
		}
		for _, b := range builds {
			jobs = append(jobs, models.NewDispatchJob(orgID, sched.ID, p.ID, models.DispatchUnassign, b, p.Groups))
		}
	}

	if err := s.store.ResetSchedule(ctx, sched, jobs); err != nil {
		return nil, 0, err
	}
	if len(jobs) > 0 && s.notifier != nil {
		s.notifier.Notify()
	}

	s.logger.Info().
		Str("org_id", orgID.String()).
		Str("schedule_id", sched.ID.String()).
		Int("jobs", len(jobs)).
		Msg("schedule assignments cleared")
	return sched, len(jobs), nil
}

// resolveTrigger turns the recurrence or raw cron expression of in into the
// stored trigger, nil for manual schedules.
func resolveTrigger(in ScheduleInput, now time.Time) (*string, error) {
	if in.Recurrence != nil && in.CronTrigger != nil && *in.CronTrigger != "" {
		return nil, fmt.Errorf("%w: give either recurrence or cron_trigger, not both", ErrInvalidSchedule)
	}

	var expr string
	switch {
	case in.Recurrence != nil:
		encoded, err := trigger.EncodeSpec(*in.Recurrence)
		if err != nil {
			return nil, err
		}
		expr = encoded
	case in.CronTrigger != nil:
		expr = strings.TrimSpace(*in.CronTrigger)
	}
	if expr == "" {
		return nil, nil
	}

	if err := trigger.Validate(expr, now); err != nil {
		return nil, err
	}
	return &expr, nil
}

func scheduleNextFire(sched *models.Schedule, now time.Time) error {
	sched.NextFireAt = nil
	if sched.IsManual() || !sched.Active {
		return nil
	}
	next, err := trigger.NextOccurrence(sched.Trigger(), now)
	if err != nil {
		return err
	}
	sched.NextFireAt = &next
	return nil
}

func buildPhases(scheduleID uuid.UUID, in []PhaseInput) ([]models.Phase, error) {
	phases := make([]models.Phase, 0, len(in))
	for i, p := range in {
		seq := p.Sequence
		if seq == 0 {
			seq = i + 1
		}
		for j, g := range p.Groups {
			if err := g.Validate(); err != nil {
				return nil, fmt.Errorf("%w: phase %d group %d: %v", ErrInvalidPhases, seq, j, err)
			}
		}
		phases = append(phases, *models.NewPhase(scheduleID, seq, strings.TrimSpace(p.Name), p.Groups))
	}
	if err := models.ValidatePhaseSequences(phases); err != nil {
		return nil, err
	}
	models.SortPhases(phases)
	return phases, nil
}

// samePhases reports whether two phase lists have the same structure.
func samePhases(a, b []models.Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Sequence != b[i].Sequence || a[i].Name != b[i].Name {
			return false
		}
		ga, errA := json.Marshal(a[i].Groups)
		gb, errB := json.Marshal(b[i].Groups)
		if errA != nil || errB != nil || string(ga) != string(gb) {
			return false
		}
	}
	return true
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
