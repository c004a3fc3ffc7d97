package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotRetryable is returned when retrying a job that has not failed.
var ErrNotRetryable = errors.New("dispatch job cannot be retried")

// Dispatch job methods

const dispatchJobColumns = `id, seq, org_id, schedule_id, phase_id, action,
	application_id, build_pointer, build_version, build_ref, groups,
	status, retry_count, max_retries, next_retry_at, error_message, last_error_at,
	external_id, created_at, started_at, completed_at`

func (db *DB) scanDispatchJob(row scanner) (*models.DispatchJob, error) {
	var j models.DispatchJob
	var action, pointer, status string
	var groupsBytes []byte
	err := row.Scan(
		&j.ID, &j.Seq, &j.OrgID, &j.ScheduleID, &j.PhaseID, &action,
		&j.Build.ApplicationID, &pointer, &j.Build.Version, &j.Build.ExternalRef, &groupsBytes,
		&status, &j.RetryCount, &j.MaxRetries, &j.NextRetryAt, &j.Error, &j.LastErrorAt,
		&j.ExternalID, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Action = models.DispatchAction(action)
	j.Build.Pointer = models.BuildPointer(pointer)
	j.Status = models.DispatchStatus(status)
	if err := j.SetGroups(groupsBytes); err != nil {
		// The queue drops malformed entries; an unreadable document has none left.
		db.logger.Warn().Err(err).Str("job_id", j.ID.String()).Msg("failed to parse dispatch job groups")
		j.Groups = []models.GroupAssignment{}
	}
	return &j, nil
}

func (db *DB) scanDispatchJobs(rows pgx.Rows) ([]*models.DispatchJob, error) {
	defer rows.Close()
	jobs := []*models.DispatchJob{}
	for rows.Next() {
		j, err := db.scanDispatchJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch jobs: %w", err)
	}
	return jobs, nil
}

// insertDispatchJobs appends jobs to the outbox in slice order and sets
// their Seq.
func insertDispatchJobs(ctx context.Context, q querier, jobs []*models.DispatchJob) error {
	for _, j := range jobs {
		groups, err := j.GroupsJSON()
		if err != nil {
			return fmt.Errorf("marshal dispatch groups: %w", err)
		}
		err = q.QueryRow(ctx, `
			INSERT INTO dispatch_jobs (
				id, org_id, schedule_id, phase_id, action,
				application_id, build_pointer, build_version, build_ref, groups,
				status, retry_count, max_retries, next_retry_at, error_message, last_error_at,
				external_id, created_at, started_at, completed_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9, $10,
				$11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20
			)
			RETURNING seq
		`, j.ID, j.OrgID, j.ScheduleID, j.PhaseID, string(j.Action),
			j.Build.ApplicationID, string(j.Build.Pointer), j.Build.Version, j.Build.ExternalRef, groups,
			string(j.Status), j.RetryCount, j.MaxRetries, j.NextRetryAt, j.Error, j.LastErrorAt,
			j.ExternalID, j.CreatedAt, j.StartedAt, j.CompletedAt,
		).Scan(&j.Seq)
		if err != nil {
			return fmt.Errorf("insert dispatch job: %w", err)
		}
	}
	return nil
}

// CreateDispatchJobs appends jobs to the outbox outside an evaluation.
func (db *DB) CreateDispatchJobs(ctx context.Context, jobs []*models.DispatchJob) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		return insertDispatchJobs(ctx, tx, jobs)
	})
}

// ClaimNextDispatchJob marks the next runnable job as running and returns it,
// or nil if none is runnable. Only the oldest open job of each schedule is a
// candidate, so a schedule's jobs run strictly in order while different
// schedules proceed concurrently. SKIP LOCKED keeps concurrent workers from
// claiming the same row.
func (db *DB) ClaimNextDispatchJob(ctx context.Context, now time.Time) (*models.DispatchJob, error) {
	row := db.Pool.QueryRow(ctx, `
		WITH heads AS (
			SELECT DISTINCT ON (schedule_id) id
			FROM dispatch_jobs
			WHERE status IN ('pending', 'running', 'failed')
			ORDER BY schedule_id, seq
		)
		UPDATE dispatch_jobs
		SET status = 'running', started_at = $1
		WHERE id = (
			SELECT d.id
			FROM dispatch_jobs d
			JOIN heads h ON h.id = d.id
			WHERE d.status = 'pending'
			   OR (d.status = 'failed' AND (d.next_retry_at IS NULL OR d.next_retry_at <= $1))
			ORDER BY d.seq
			LIMIT 1
			FOR UPDATE OF d SKIP LOCKED
		)
		RETURNING `+dispatchJobColumns, now)
	job, err := db.scanDispatchJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim dispatch job: %w", err)
	}
	return job, nil
}

// UpdateDispatchJob writes the outcome of an attempt.
func (db *DB) UpdateDispatchJob(ctx context.Context, job *models.DispatchJob) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET status = $2, retry_count = $3, max_retries = $4, next_retry_at = $5,
		    error_message = $6, last_error_at = $7, external_id = $8,
		    started_at = $9, completed_at = $10
		WHERE id = $1
	`, job.ID, string(job.Status), job.RetryCount, job.MaxRetries, job.NextRetryAt,
		job.Error, job.LastErrorAt, job.ExternalID,
		job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("update dispatch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update dispatch job: %w", ErrNotFound)
	}
	return nil
}

// GetDispatchJob returns a dispatch job of an organization.
func (db *DB) GetDispatchJob(ctx context.Context, orgID, id uuid.UUID) (*models.DispatchJob, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+dispatchJobColumns+` FROM dispatch_jobs WHERE id = $1 AND org_id = $2`, id, orgID)
	job, err := db.scanDispatchJob(row)
	if err != nil {
		return nil, notFound(err, "get dispatch job")
	}
	return job, nil
}

// ListDispatchJobs returns an organization's dispatch jobs, newest first,
// optionally limited to one schedule.
func (db *DB) ListDispatchJobs(ctx context.Context, orgID uuid.UUID, scheduleID *uuid.UUID, limit int) ([]*models.DispatchJob, error) {
	query := `SELECT ` + dispatchJobColumns + ` FROM dispatch_jobs WHERE org_id = $1`
	args := []any{orgID}
	argNum := 2

	if scheduleID != nil {
		query += fmt.Sprintf(" AND schedule_id = $%d", argNum)
		args = append(args, *scheduleID)
		argNum++
	}

	query += " ORDER BY seq DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatch jobs: %w", err)
	}
	return db.scanDispatchJobs(rows)
}

const dispatchSummarySelect = `
	SELECT
		COUNT(*) FILTER (WHERE status = 'pending'),
		COUNT(*) FILTER (WHERE status = 'running'),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COUNT(*) FILTER (WHERE status = 'dead_letter')
	FROM dispatch_jobs`

// GetDispatchSummary counts an organization's dispatch jobs by status.
func (db *DB) GetDispatchSummary(ctx context.Context, orgID uuid.UUID) (*models.DispatchSummary, error) {
	var s models.DispatchSummary
	err := db.Pool.QueryRow(ctx, dispatchSummarySelect+` WHERE org_id = $1`, orgID).
		Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed, &s.DeadLetter)
	if err != nil {
		return nil, fmt.Errorf("get dispatch summary: %w", err)
	}
	return &s, nil
}

// GetGlobalDispatchSummary counts all dispatch jobs by status.
func (db *DB) GetGlobalDispatchSummary(ctx context.Context) (*models.DispatchSummary, error) {
	var s models.DispatchSummary
	err := db.Pool.QueryRow(ctx, dispatchSummarySelect).
		Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed, &s.DeadLetter)
	if err != nil {
		return nil, fmt.Errorf("get global dispatch summary: %w", err)
	}
	return &s, nil
}

// RecoverStaleDispatchJobs returns jobs stuck in running since before cutoff
// to pending.
func (db *DB) RecoverStaleDispatchJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET status = 'pending', started_at = NULL
		WHERE status = 'running' AND started_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale dispatch jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupDispatchJobs deletes finished jobs older than retentionDays.
func (db *DB) CleanupDispatchJobs(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM dispatch_jobs
		WHERE status IN ('completed', 'dead_letter')
		  AND completed_at < NOW() - make_interval(days => $1)
	`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup dispatch jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetryDispatchJob returns a failed or dead-lettered job to pending.
func (db *DB) RetryDispatchJob(ctx context.Context, orgID, id uuid.UUID) (*models.DispatchJob, error) {
	job, err := db.GetDispatchJob(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !job.Retry() {
		return nil, fmt.Errorf("dispatch job %s is %s: %w", id, job.Status, ErrNotRetryable)
	}
	if err := db.UpdateDispatchJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
