package models

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewSchedule(t *testing.T) {
	orgID := uuid.New()
	appID := uuid.New()
	trigger := "0 0 * * 1"

	schedule := NewSchedule(orgID, appID, "weekly rings", &trigger)

	if schedule.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if schedule.OrgID != orgID || schedule.ApplicationID != appID {
		t.Error("expected org and application ids to be set")
	}
	if !schedule.Active {
		t.Error("expected Active to be true")
	}
	if schedule.IsManual() {
		t.Error("expected a scheduled trigger")
	}
	if schedule.Trigger() != trigger {
		t.Errorf("expected trigger %q, got %q", trigger, schedule.Trigger())
	}
}

func TestSchedule_IsManual(t *testing.T) {
	empty := ""
	if !NewSchedule(uuid.New(), uuid.New(), "a", nil).IsManual() {
		t.Error("nil trigger should be manual")
	}
	s := NewSchedule(uuid.New(), uuid.New(), "b", &empty)
	if !s.IsManual() || s.CronTrigger != nil {
		t.Error("empty trigger should be normalised to manual")
	}
}

func TestSchedule_IsDue(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name     string
		schedule Schedule
		want     bool
	}{
		{"fire time passed", Schedule{Active: true, NextFireAt: &past}, true},
		{"fire time now", Schedule{Active: true, NextFireAt: &now}, true},
		{"fire time ahead", Schedule{Active: true, NextFireAt: &future}, false},
		{"no fire time", Schedule{Active: true}, false},
		{"advance requested", Schedule{Active: true, AdvanceRequestedAt: &now}, true},
		{"inactive", Schedule{Active: false, NextFireAt: &past, AdvanceRequestedAt: &now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.schedule.IsDue(now); got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchedule_InProgressPhase(t *testing.T) {
	s := NewSchedule(uuid.New(), uuid.New(), "test", nil)
	s.Phases = []Phase{
		*NewPhase(s.ID, 1, "pilot", nil),
		*NewPhase(s.ID, 2, "broad", nil),
	}
	if s.HasInProgress() {
		t.Fatal("expected no phase in progress")
	}

	now := time.Now()
	s.Phases[1].State = PhaseInProgress
	s.Phases[1].BuildPointer = BuildCurrent.Ptr()
	s.Phases[1].StartedAt = &now

	p := s.InProgressPhase()
	if p == nil || p.Sequence != 2 {
		t.Fatalf("expected phase 2 in progress, got %+v", p)
	}

	s.ResetPhases()
	if s.HasInProgress() {
		t.Error("expected reset to clear progress")
	}
	if s.Phases[1].BuildPointer != nil || s.Phases[1].StartedAt != nil {
		t.Error("expected reset to clear build pointer and timestamps")
	}
}

func TestSchedule_Degraded(t *testing.T) {
	s := NewSchedule(uuid.New(), uuid.New(), "test", nil)
	s.MarkDegraded("dispatch failed")
	if !s.Degraded || s.DegradedReason != "dispatch failed" {
		t.Errorf("unexpected degraded state %v %q", s.Degraded, s.DegradedReason)
	}
	s.ClearDegraded()
	if s.Degraded || s.DegradedReason != "" {
		t.Error("expected degraded flag to be cleared")
	}
}

func TestPhase_Groups(t *testing.T) {
	id := uuid.New()
	p := NewPhase(uuid.New(), 1, "", nil)
	if p.Groups == nil {
		t.Error("expected non-nil groups")
	}

	p.Groups = []GroupAssignment{{GroupID: &id, Mode: AssignmentIncluded, Notification: NotificationHideAll}}
	data, err := p.GroupsJSON()
	if err != nil {
		t.Fatalf("GroupsJSON() error = %v", err)
	}

	var restored Phase
	if err := restored.SetGroups(data); err != nil {
		t.Fatalf("SetGroups() error = %v", err)
	}
	if len(restored.Groups) != 1 || restored.Groups[0].Notification != NotificationHideAll {
		t.Errorf("unexpected groups %+v", restored.Groups)
	}
}

func TestSortPhases(t *testing.T) {
	phases := []Phase{{Sequence: 3}, {Sequence: 1}, {Sequence: 2}}
	SortPhases(phases)
	for i, p := range phases {
		if p.Sequence != i+1 {
			t.Fatalf("phases not sorted: %+v", phases)
		}
	}
}

func TestValidatePhaseSequences(t *testing.T) {
	tests := []struct {
		name  string
		seqs  []int
		valid bool
	}{
		{"single", []int{1}, true},
		{"contiguous unordered", []int{2, 3, 1}, true},
		{"empty", nil, false},
		{"gap", []int{1, 3}, false},
		{"duplicate", []int{1, 1}, false},
		{"zero", []int{0, 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phases := make([]Phase, len(tt.seqs))
			for i, s := range tt.seqs {
				phases[i].Sequence = s
			}
			err := ValidatePhaseSequences(phases)
			if tt.valid && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidPhases) {
				t.Errorf("expected ErrInvalidPhases, got %v", err)
			}
		})
	}
}

func TestPhaseState_Valid(t *testing.T) {
	for _, s := range []PhaseState{PhaseNotSet, PhaseInProgress, PhaseFinished} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if PhaseState("paused").Valid() {
		t.Error("unknown state should be invalid")
	}
}
