// Package rollout advances deployment schedules through their phases.
//
// Advance is a pure function: it reads a snapshot of one schedule and returns
// the transitions that should happen at a given instant. The Runner owns I/O:
// it finds due schedules, applies plans transactionally and queues dispatch.
package rollout

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/MacJediWizard/stagehand/internal/trigger"
	"github.com/google/uuid"
)

var (
	// ErrInvalidSnapshot is returned when the phases of a schedule break the
	// structural rules the state machine relies on.
	ErrInvalidSnapshot = errors.New("invalid schedule snapshot")
	// ErrConcurrencyConflict is returned when a schedule changed or the lease was
	// lost between reading a snapshot and committing its plan.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrGone is returned when a schedule or its application was deleted
	// while it was being evaluated.
	ErrGone = errors.New("schedule no longer exists")
)

// Input is a snapshot of one schedule at an instant.
type Input struct {
	Schedule *models.Schedule
	Phases   []models.Phase
	Now      time.Time
	// Force finishes the in-progress phase regardless of the trigger and
	// lets manual schedules move.
	Force bool
}

// Transition is a state change for one phase.
type Transition struct {
	PhaseID      uuid.UUID            `json:"phase_id"`
	Sequence     int                  `json:"sequence"`
	From         models.PhaseState    `json:"from"`
	To           models.PhaseState    `json:"to"`
	BuildPointer *models.BuildPointer `json:"build_pointer,omitempty"`
	// Reset marks the finished to not_set transitions that open a new cycle.
	Reset bool `json:"reset,omitempty"`
}

// Plan is the outcome of one evaluation.
type Plan struct {
	Transitions []Transition `json:"transitions"`
	// CycleComplete is set when every phase finished during this evaluation.
	CycleComplete bool `json:"cycle_complete"`
	// PromoteBuild asks the caller to record the current build as previous.
	PromoteBuild bool `json:"promote_build"`
	// Deactivate is set for one-shot schedules at the end of their only cycle.
	Deactivate bool `json:"deactivate"`
	// Skipped lists phases ignored because their stored state is unknown.
	Skipped []uuid.UUID `json:"skipped,omitempty"`
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Transitions) == 0 && !p.CycleComplete && !p.Deactivate
}

// Started returns the transitions that put a phase in progress.
func (p Plan) Started() []Transition {
	return p.filter(func(t Transition) bool { return t.To == models.PhaseInProgress })
}

// Finished returns the transitions that finish a phase.
func (p Plan) Finished() []Transition {
	return p.filter(func(t Transition) bool { return t.To == models.PhaseFinished })
}

func (p Plan) filter(keep func(Transition) bool) []Transition {
	var out []Transition
	for _, t := range p.Transitions {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Advance decides what should happen to a schedule's phases at in.Now.
//
// With no phase in progress the lowest-sequence not_set phase starts on the
// current build. An in-progress phase finishes once a full trigger interval
// has passed since it started (or when forced), and the next phase starts in
// the same evaluation. When every phase has finished the cycle completes: the
// build is promoted and all phases return to not_set, unless the schedule is
// one-shot, in which case it is deactivated instead.
//
// Inactive schedules never move and manual schedules only move when forced.
// Advance is deterministic for a given Input and never mutates it.
func Advance(in Input) (Plan, error) {
	var plan Plan
	if in.Schedule == nil {
		return plan, fmt.Errorf("%w: missing schedule", ErrInvalidSnapshot)
	}

	phases, skipped, err := orderedPhases(in.Phases)
	if err != nil {
		return plan, err
	}
	plan.Skipped = skipped

	if !in.Schedule.Active {
		return plan, nil
	}
	if in.Schedule.IsManual() && !in.Force {
		return plan, nil
	}

	state := make([]models.PhaseState, len(phases))
	for i, p := range phases {
		state[i] = p.State
	}

	current := -1
	for i := range phases {
		if state[i] == models.PhaseInProgress {
			current = i
			break
		}
	}

	if current >= 0 {
		due := in.Force
		if !due {
			next, err := trigger.NextOccurrence(in.Schedule.Trigger(), *phases[current].StartedAt)
			if err != nil {
				return Plan{Skipped: skipped}, fmt.Errorf("phase %d: %w", phases[current].Sequence, err)
			}
			due = !in.Now.Before(next)
		}
		if !due {
			return plan, nil
		}

		plan.Transitions = append(plan.Transitions, Transition{
			PhaseID:      phases[current].ID,
			Sequence:     phases[current].Sequence,
			From:         models.PhaseInProgress,
			To:           models.PhaseFinished,
			BuildPointer: phases[current].BuildPointer,
		})
		state[current] = models.PhaseFinished
	}

	// Lowest sequence wins; phases are sorted so the first not_set is the one.
	for i := range phases {
		if state[i] != models.PhaseNotSet {
			continue
		}
		plan.Transitions = append(plan.Transitions, Transition{
			PhaseID:      phases[i].ID,
			Sequence:     phases[i].Sequence,
			From:         models.PhaseNotSet,
			To:           models.PhaseInProgress,
			BuildPointer: models.BuildCurrent.Ptr(),
		})
		state[i] = models.PhaseInProgress
		break
	}

	for _, s := range state {
		if s != models.PhaseFinished {
			return plan, nil
		}
	}

	plan.CycleComplete = true
	plan.PromoteBuild = true
	if in.Schedule.OneShot {
		plan.Deactivate = true
		return plan, nil
	}
	for i := range phases {
		plan.Transitions = append(plan.Transitions, Transition{
			PhaseID:  phases[i].ID,
			Sequence: phases[i].Sequence,
			From:     models.PhaseFinished,
			To:       models.PhaseNotSet,
			Reset:    true,
		})
	}
	return plan, nil
}

// orderedPhases validates the snapshot and returns the phases that take part
// in the evaluation, sorted by sequence, along with the ids of skipped phases.
func orderedPhases(in []models.Phase) ([]models.Phase, []uuid.UUID, error) {
	if len(in) == 0 {
		return nil, nil, fmt.Errorf("%w: schedule has no phases", ErrInvalidSnapshot)
	}

	phases := make([]models.Phase, 0, len(in))
	var skipped []uuid.UUID
	for _, p := range in {
		if !p.State.Valid() {
			skipped = append(skipped, p.ID)
			continue
		}
		phases = append(phases, p)
	}
	if len(phases) == 0 {
		return nil, skipped, fmt.Errorf("%w: no phase has a known state", ErrInvalidSnapshot)
	}

	sort.SliceStable(phases, func(i, j int) bool {
		return phases[i].Sequence < phases[j].Sequence
	})

	if err := CheckInvariants(phases); err != nil {
		return nil, skipped, err
	}
	for i := 1; i < len(phases); i++ {
		if phases[i].Sequence == phases[i-1].Sequence {
			return nil, skipped, fmt.Errorf("%w: duplicate sequence %d", ErrInvalidSnapshot, phases[i].Sequence)
		}
	}
	return phases, skipped, nil
}

// CheckInvariants verifies that at most one phase is in progress and that an
// in-progress phase has a start time and a build pointer.
func CheckInvariants(phases []models.Phase) error {
	inProgress := 0
	for _, p := range phases {
		if p.State != models.PhaseInProgress {
			continue
		}
		inProgress++
		if p.StartedAt == nil {
			return fmt.Errorf("%w: phase %d in progress without a start time", ErrInvalidSnapshot, p.Sequence)
		}
		if p.BuildPointer == nil {
			return fmt.Errorf("%w: phase %d in progress without a build pointer", ErrInvalidSnapshot, p.Sequence)
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("%w: %d phases in progress", ErrInvalidSnapshot, inProgress)
	}
	return nil
}

// Apply returns a copy of phases with the plan's transitions applied at now.
// Phases not named by the plan are returned unchanged.
func Apply(phases []models.Phase, plan Plan, now time.Time) []models.Phase {
	out := make([]models.Phase, len(phases))
	copy(out, phases)

	index := make(map[uuid.UUID]int, len(out))
	for i, p := range out {
		index[p.ID] = i
	}

	for _, t := range plan.Transitions {
		i, ok := index[t.PhaseID]
		if !ok {
			continue
		}
		p := &out[i]
		switch {
		case t.Reset:
			p.Reset()
		case t.To == models.PhaseInProgress:
			startedAt := now
			p.State = models.PhaseInProgress
			p.BuildPointer = t.BuildPointer
			p.StartedAt = &startedAt
			p.FinishedAt = nil
		case t.To == models.PhaseFinished:
			finishedAt := now
			p.State = models.PhaseFinished
			p.FinishedAt = &finishedAt
		}
		p.UpdatedAt = now
	}
	return out
}
