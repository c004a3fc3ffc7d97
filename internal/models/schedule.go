package models

import (
	"time"

	"github.com/google/uuid"
)

// Schedule is a deployment schedule: an ordered list of phases that roll one
// application out to successive rings of groups.
type Schedule struct {
	ID            uuid.UUID `json:"id"`
	OrgID         uuid.UUID `json:"org_id"`
	ApplicationID uuid.UUID `json:"application_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	// CronTrigger is nil for manual schedules.
	CronTrigger        *string    `json:"cron_trigger,omitempty"`
	NextFireAt         *time.Time `json:"next_fire_at,omitempty"`
	LastEvaluatedAt    *time.Time `json:"last_evaluated_at,omitempty"`
	AdvanceRequestedAt *time.Time `json:"advance_requested_at,omitempty"`
	OneShot            bool       `json:"one_shot"`
	Active             bool       `json:"active"`
	UnassignSuperseded bool       `json:"unassign_superseded"`
	Cycle              int        `json:"cycle"`
	Degraded           bool       `json:"degraded"`
	DegradedReason     string     `json:"degraded_reason,omitempty"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	Phases []Phase `json:"phases,omitempty"`
}

// NewSchedule creates an active schedule. A nil or empty trigger makes it manual.
func NewSchedule(orgID, applicationID uuid.UUID, name string, cronTrigger *string) *Schedule {
	now := time.Now()
	if cronTrigger != nil && *cronTrigger == "" {
		cronTrigger = nil
	}
	return &Schedule{
		ID:            uuid.New(),
		OrgID:         orgID,
		ApplicationID: applicationID,
		Name:          name,
		CronTrigger:   cronTrigger,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsManual reports whether the schedule only advances on request.
func (s *Schedule) IsManual() bool {
	return s.CronTrigger == nil || *s.CronTrigger == ""
}

// Trigger returns the cron expression, or "" for manual schedules.
func (s *Schedule) Trigger() string {
	if s.CronTrigger == nil {
		return ""
	}
	return *s.CronTrigger
}

// IsDue reports whether the runner should evaluate the schedule at now.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Active {
		return false
	}
	if s.AdvanceRequestedAt != nil {
		return true
	}
	return s.NextFireAt != nil && !s.NextFireAt.After(now)
}

// InProgressPhase returns the phase currently in progress, or nil.
func (s *Schedule) InProgressPhase() *Phase {
	for i := range s.Phases {
		if s.Phases[i].State == PhaseInProgress {
			return &s.Phases[i]
		}
	}
	return nil
}

// HasInProgress reports whether any phase is in progress.
func (s *Schedule) HasInProgress() bool {
	return s.InProgressPhase() != nil
}

// ResetPhases returns every phase to not_set.
func (s *Schedule) ResetPhases() {
	for i := range s.Phases {
		s.Phases[i].Reset()
	}
}

// MarkDegraded flags the schedule for operator attention.
func (s *Schedule) MarkDegraded(reason string) {
	s.Degraded = true
	s.DegradedReason = reason
}

// ClearDegraded removes the degraded flag.
func (s *Schedule) ClearDegraded() {
	s.Degraded = false
	s.DegradedReason = ""
}

// SchedulePage is one page of a schedule listing.
type SchedulePage struct {
	Schedules []*Schedule `json:"schedules"`
	Page      int         `json:"page"`
	PageSize  int         `json:"page_size"`
	Total     int         `json:"total"`
}
