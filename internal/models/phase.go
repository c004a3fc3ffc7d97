package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PhaseState is the progress of one ring within the current cycle.
type PhaseState string

const (
	// PhaseNotSet means the phase has not started in this cycle.
	PhaseNotSet PhaseState = "not_set"
	// PhaseInProgress means the phase's groups are receiving the build.
	PhaseInProgress PhaseState = "in_progress"
	// PhaseFinished means the phase completed in this cycle.
	PhaseFinished PhaseState = "finished"
)

// Valid reports whether s is a known state.
func (s PhaseState) Valid() bool {
	switch s {
	case PhaseNotSet, PhaseInProgress, PhaseFinished:
		return true
	}
	return false
}

// BuildPointer selects which application build a phase is associated with.
type BuildPointer string

const (
	// BuildCurrent is the latest known build of the application.
	BuildCurrent BuildPointer = "current"
	// BuildPrevious is the build that was current when the last cycle completed.
	BuildPrevious BuildPointer = "previous"
)

// ErrInvalidPhases is returned when a phase list violates the sequence rules.
var ErrInvalidPhases = errors.New("invalid phases")

// Phase is one ring of a deployment schedule.
type Phase struct {
	ID           uuid.UUID         `json:"id"`
	ScheduleID   uuid.UUID         `json:"schedule_id"`
	Sequence     int               `json:"sequence"`
	Name         string            `json:"name,omitempty"`
	Groups       []GroupAssignment `json:"groups"`
	State        PhaseState        `json:"state"`
	BuildPointer *BuildPointer     `json:"build_pointer,omitempty"` // nil while not_set
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewPhase creates a not-yet-started phase.
func NewPhase(scheduleID uuid.UUID, sequence int, name string, groups []GroupAssignment) *Phase {
	now := time.Now()
	if groups == nil {
		groups = []GroupAssignment{}
	}
	return &Phase{
		ID:         uuid.New(),
		ScheduleID: scheduleID,
		Sequence:   sequence,
		Name:       name,
		Groups:     groups,
		State:      PhaseNotSet,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Reset returns the phase to not_set and clears progress fields.
func (p *Phase) Reset() {
	p.State = PhaseNotSet
	p.BuildPointer = nil
	p.StartedAt = nil
	p.FinishedAt = nil
}

// GroupsJSON returns the groups as JSON bytes for database storage.
func (p *Phase) GroupsJSON() ([]byte, error) {
	if p.Groups == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.Groups)
}

// SetGroups sets the groups from JSON bytes.
func (p *Phase) SetGroups(data []byte) error {
	if len(data) == 0 {
		p.Groups = []GroupAssignment{}
		return nil
	}
	return json.Unmarshal(data, &p.Groups)
}

// SortPhases orders phases by sequence number in place.
func SortPhases(phases []Phase) {
	sort.SliceStable(phases, func(i, j int) bool {
		return phases[i].Sequence < phases[j].Sequence
	})
}

// ValidatePhaseSequences checks that a schedule has at least one phase and
// that sequence numbers are unique and contiguous starting at 1.
func ValidatePhaseSequences(phases []Phase) error {
	if len(phases) == 0 {
		return fmt.Errorf("%w: a schedule needs at least one phase", ErrInvalidPhases)
	}

	seen := make(map[int]bool, len(phases))
	for _, p := range phases {
		if p.Sequence < 1 || p.Sequence > len(phases) {
			return fmt.Errorf("%w: sequence %d out of range 1..%d", ErrInvalidPhases, p.Sequence, len(phases))
		}
		if seen[p.Sequence] {
			return fmt.Errorf("%w: duplicate sequence %d", ErrInvalidPhases, p.Sequence)
		}
		seen[p.Sequence] = true
	}
	return nil
}

// Ptr returns a pointer to the build pointer value.
func (b BuildPointer) Ptr() *BuildPointer {
	return &b
}
