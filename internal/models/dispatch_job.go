package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// DispatchAction is the assignment call a dispatch job makes.
type DispatchAction string

const (
	// DispatchAssign assigns a build to the phase's groups.
	DispatchAssign DispatchAction = "assign"
	// DispatchUnassign removes a build from the phase's groups.
	DispatchUnassign DispatchAction = "unassign"
)

// DispatchStatus is the status of a dispatch job.
type DispatchStatus string

const (
	// DispatchPending indicates the job is waiting for a worker.
	DispatchPending DispatchStatus = "pending"
	// DispatchRunning indicates a worker is calling the assignment API.
	DispatchRunning DispatchStatus = "running"
	// DispatchCompleted indicates the assignment API accepted the call.
	DispatchCompleted DispatchStatus = "completed"
	// DispatchFailed indicates the call failed and will be retried.
	DispatchFailed DispatchStatus = "failed"
	// DispatchDeadLetter indicates the job exhausted its retries.
	DispatchDeadLetter DispatchStatus = "dead_letter"
)

// DefaultDispatchMaxRetries is the default number of attempts per dispatch job.
const DefaultDispatchMaxRetries = 5

const (
	dispatchBaseBackoff = 30 * time.Second
	dispatchMaxBackoff  = 30 * time.Minute
)

// DispatchJob is an outbox record for one assignment call. It is written in the
// same transaction as the phase transition that caused it.
type DispatchJob struct {
	ID          uuid.UUID         `json:"id"`
	OrgID       uuid.UUID         `json:"org_id"`
	ScheduleID  uuid.UUID         `json:"schedule_id"`
	PhaseID     uuid.UUID         `json:"phase_id"`
	Seq         int64             `json:"seq"`
	Action      DispatchAction    `json:"action"`
	Build       BuildReference    `json:"build"`
	Groups      []GroupAssignment `json:"groups"`
	Status      DispatchStatus    `json:"status"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	LastErrorAt *time.Time        `json:"last_error_at,omitempty"`
	ExternalID  string            `json:"external_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// NewDispatchJob creates a pending dispatch job for a phase. Groups and build are
// snapshotted so later edits to the schedule do not change what gets sent.
func NewDispatchJob(orgID, scheduleID, phaseID uuid.UUID, action DispatchAction, build BuildReference, groups []GroupAssignment) *DispatchJob {
	snapshot := make([]GroupAssignment, len(groups))
	copy(snapshot, groups)
	return &DispatchJob{
		ID:         uuid.New(),
		OrgID:      orgID,
		ScheduleID: scheduleID,
		PhaseID:    phaseID,
		Action:     action,
		Build:      build,
		Groups:     snapshot,
		Status:     DispatchPending,
		MaxRetries: DefaultDispatchMaxRetries,
		CreatedAt:  time.Now(),
	}
}

// Start marks the job as running.
func (j *DispatchJob) Start(now time.Time) {
	j.Status = DispatchRunning
	j.StartedAt = &now
}

// Complete marks the job as completed and records the MDM's reference.
func (j *DispatchJob) Complete(externalID string, now time.Time) {
	j.Status = DispatchCompleted
	j.ExternalID = externalID
	j.Error = ""
	j.NextRetryAt = nil
	j.CompletedAt = &now
}

// Fail records a failed attempt.
// Returns true if the job should be retried, false if it moved to dead letter.
func (j *DispatchJob) Fail(errMsg string, now time.Time) bool {
	j.Status = DispatchFailed
	j.Error = errMsg
	j.LastErrorAt = &now
	j.RetryCount++

	if j.RetryCount >= j.MaxRetries {
		j.Status = DispatchDeadLetter
		j.NextRetryAt = nil
		j.CompletedAt = &now
		return false
	}

	next := now.Add(DispatchBackoff(j.RetryCount))
	j.NextRetryAt = &next
	return true
}

// DispatchBackoff returns the delay before retry number n (1-based):
// 30s doubling up to 30m.
func DispatchBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	secs := math.Min(dispatchBaseBackoff.Seconds()*math.Pow(2, float64(n-1)), dispatchMaxBackoff.Seconds())
	return time.Duration(secs) * time.Second
}

// Retry resets a dead-lettered or failed job so it runs again.
func (j *DispatchJob) Retry() bool {
	if j.Status != DispatchFailed && j.Status != DispatchDeadLetter {
		return false
	}
	j.Status = DispatchPending
	j.RetryCount = 0
	j.NextRetryAt = nil
	j.Error = ""
	j.LastErrorAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	return true
}

// IsTerminal returns true if the job will not run again without a manual retry.
func (j *DispatchJob) IsTerminal() bool {
	return j.Status == DispatchCompleted || j.Status == DispatchDeadLetter
}

// ReadyAt reports whether the job may be claimed at now.
func (j *DispatchJob) ReadyAt(now time.Time) bool {
	switch j.Status {
	case DispatchPending:
		return true
	case DispatchFailed:
		return j.NextRetryAt == nil || !j.NextRetryAt.After(now)
	}
	return false
}

// Duration returns how long the last attempt ran, or zero if it never started.
func (j *DispatchJob) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// GroupsJSON returns the groups snapshot as JSON bytes for database storage.
func (j *DispatchJob) GroupsJSON() ([]byte, error) {
	if j.Groups == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(j.Groups)
}

// SetGroups sets the groups snapshot from JSON bytes.
func (j *DispatchJob) SetGroups(data []byte) error {
	if len(data) == 0 {
		j.Groups = []GroupAssignment{}
		return nil
	}
	return json.Unmarshal(data, &j.Groups)
}

// DispatchSummary counts dispatch jobs by status.
type DispatchSummary struct {
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
}
