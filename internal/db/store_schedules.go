package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/MacJediWizard/stagehand/internal/rollout"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when a unique constraint rejects a write.
var ErrDuplicate = errors.New("already exists")

const scheduleColumns = `id, org_id, application_id, name, description, cron_trigger,
	next_fire_at, last_evaluated_at, advance_requested_at,
	one_shot, active, unassign_superseded, cycle, degraded, degraded_reason,
	version, created_at, updated_at`

const phaseColumns = `id, schedule_id, sequence, name, groups, state, build_pointer,
	started_at, finished_at, created_at, updated_at`

func scanSchedule(row scanner) (*models.Schedule, error) {
	var s models.Schedule
	err := row.Scan(
		&s.ID, &s.OrgID, &s.ApplicationID, &s.Name, &s.Description, &s.CronTrigger,
		&s.NextFireAt, &s.LastEvaluatedAt, &s.AdvanceRequestedAt,
		&s.OneShot, &s.Active, &s.UnassignSuperseded, &s.Cycle, &s.Degraded, &s.DegradedReason,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *DB) scanPhase(row scanner) (models.Phase, error) {
	var p models.Phase
	var groupsBytes []byte
	var state string
	var pointer *string
	err := row.Scan(
		&p.ID, &p.ScheduleID, &p.Sequence, &p.Name, &groupsBytes, &state, &pointer,
		&p.StartedAt, &p.FinishedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.State = models.PhaseState(state)
	if pointer != nil {
		p.BuildPointer = models.BuildPointer(*pointer).Ptr()
	}
	if err := p.SetGroups(groupsBytes); err != nil {
		db.logger.Warn().Err(err).Str("phase_id", p.ID.String()).Msg("failed to parse phase groups")
		p.Groups = []models.GroupAssignment{}
	}
	return p, nil
}

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func buildPointerArg(p *models.BuildPointer) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}

// Schedule methods

// CreateSchedule inserts a schedule and its phases.
func (db *DB) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO schedules (`+scheduleColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`, s.ID, s.OrgID, s.ApplicationID, s.Name, s.Description, s.CronTrigger,
			s.NextFireAt, s.LastEvaluatedAt, s.AdvanceRequestedAt,
			s.OneShot, s.Active, s.UnassignSuperseded, s.Cycle, s.Degraded, s.DegradedReason,
			s.Version, s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return err
		}
		return insertPhases(ctx, tx, s.Phases)
	})
	if uniqueViolation(err) {
		return fmt.Errorf("create schedule %q: %w", s.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func insertPhases(ctx context.Context, q querier, phases []models.Phase) error {
	for _, p := range phases {
		groups, err := p.GroupsJSON()
		if err != nil {
			return fmt.Errorf("marshal phase groups: %w", err)
		}
		_, err = q.Exec(ctx, `
			INSERT INTO phases (`+phaseColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, p.ID, p.ScheduleID, p.Sequence, p.Name, groups, string(p.State), buildPointerArg(p.BuildPointer),
			p.StartedAt, p.FinishedAt, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert phase %d: %w", p.Sequence, err)
		}
	}
	return nil
}

// GetSchedule returns a schedule of an organization with its phases.
func (db *DB) GetSchedule(ctx context.Context, orgID, id uuid.UUID) (*models.Schedule, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1 AND org_id = $2`, id, orgID)
	s, err := scanSchedule(row)
	if err != nil {
		return nil, notFound(err, "get schedule")
	}
	if err := db.loadPhases(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// gone is notFound for the rows the runner reads; a missing row also wraps
// rollout.ErrGone so the runner skips it instead of abandoning its tick.
func gone(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w: %w", what, ErrNotFound, rollout.ErrGone)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// GetScheduleWithPhases returns a schedule with its phases regardless of
// organization. Used by the runner.
func (db *DB) GetScheduleWithPhases(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if err != nil {
		return nil, gone(err, "get schedule")
	}
	if err := db.loadPhases(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (db *DB) loadPhases(ctx context.Context, s *models.Schedule) error {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+phaseColumns+`
		FROM phases
		WHERE schedule_id = $1
		ORDER BY sequence
	`, s.ID)
	if err != nil {
		return fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	s.Phases = []models.Phase{}
	for rows.Next() {
		p, err := db.scanPhase(rows)
		if err != nil {
			return fmt.Errorf("scan phase: %w", err)
		}
		s.Phases = append(s.Phases, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate phases: %w", err)
	}
	return nil
}

// ListSchedulesPaged returns one page of an organization's schedules, with
// phases, ordered by name. Pages start at 1.
func (db *DB) ListSchedulesPaged(ctx context.Context, orgID uuid.UUID, page, pageSize int) (*models.SchedulePage, error) {
	if page < 1 {
		page = 1
	}
	result := &models.SchedulePage{Schedules: []*models.Schedule{}, Page: page, PageSize: pageSize}

	if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM schedules WHERE org_id = $1`, orgID).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("count schedules: %w", err)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE org_id = $1
		ORDER BY name, id
		LIMIT $2 OFFSET $3
	`, orgID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*models.Schedule)
	var ids []uuid.UUID
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		s.Phases = []models.Phase{}
		result.Schedules = append(result.Schedules, s)
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return result, nil
	}

	phaseRows, err := db.Pool.Query(ctx, `
		SELECT `+phaseColumns+`
		FROM phases
		WHERE schedule_id = ANY($1)
		ORDER BY schedule_id, sequence
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer phaseRows.Close()

	for phaseRows.Next() {
		p, err := db.scanPhase(phaseRows)
		if err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		if s, ok := byID[p.ScheduleID]; ok {
			s.Phases = append(s.Phases, p)
		}
	}
	if err := phaseRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phases: %w", err)
	}
	return result, nil
}

// UpdateSchedule writes an edited schedule. s.Version must be the version
// that was read; on success it is incremented. When replacePhases is set
// the stored phases are replaced by s.Phases.
func (db *DB) UpdateSchedule(ctx context.Context, s *models.Schedule, replacePhases bool) error {
	now := time.Now()
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE schedules
			SET name = $3, description = $4, cron_trigger = $5, next_fire_at = $6,
			    advance_requested_at = $7, one_shot = $8, active = $9,
			    unassign_superseded = $10, degraded = $11, degraded_reason = $12,
			    version = version + 1, updated_at = $13
			WHERE id = $1 AND version = $2
		`, s.ID, s.Version, s.Name, s.Description, s.CronTrigger, s.NextFireAt,
			s.AdvanceRequestedAt, s.OneShot, s.Active,
			s.UnassignSuperseded, s.Degraded, s.DegradedReason, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return db.versionMismatch(ctx, tx, s.ID)
		}
		if !replacePhases {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM phases WHERE schedule_id = $1`, s.ID); err != nil {
			return fmt.Errorf("delete phases: %w", err)
		}
		return insertPhases(ctx, tx, s.Phases)
	})
	if uniqueViolation(err) {
		return fmt.Errorf("update schedule %q: %w", s.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	s.Version++
	s.UpdatedAt = now
	return nil
}

// versionMismatch explains a zero-row versioned update.
func (db *DB) versionMismatch(ctx context.Context, q querier, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schedules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check schedule: %w", err)
	}
	if !exists {
		return fmt.Errorf("schedule %s: %w: %w", id, ErrNotFound, rollout.ErrGone)
	}
	return fmt.Errorf("schedule %s was modified concurrently: %w", id, rollout.ErrConcurrencyConflict)
}

// DeleteSchedule deletes a schedule; its phases and dispatch jobs cascade.
func (db *DB) DeleteSchedule(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete schedule: %w", ErrNotFound)
	}
	return nil
}

// ListDueSchedules returns active schedules whose next fire time is at or
// before now or that have a pending advance request. Phases are not loaded.
func (db *DB) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.Schedule, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE active AND (next_fire_at <= $1 OR advance_requested_at IS NOT NULL)
		ORDER BY COALESCE(advance_requested_at, next_fire_at), id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due schedules: %w", err)
	}
	return schedules, nil
}

// RequestAdvance records a manual advance request for the runner.
func (db *DB) RequestAdvance(ctx context.Context, orgID, id uuid.UUID, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE schedules
		SET advance_requested_at = COALESCE(advance_requested_at, $3), updated_at = $3
		WHERE id = $1 AND org_id = $2
	`, id, orgID, at)
	if err != nil {
		return fmt.Errorf("request advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request advance: %w", ErrNotFound)
	}
	return nil
}

// MarkScheduleDegraded flags a schedule without changing its version, so an
// evaluation in flight still commits.
func (db *DB) MarkScheduleDegraded(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE schedules
		SET degraded = TRUE, degraded_reason = $2, updated_at = $3
		WHERE id = $1
	`, id, reason, time.Now())
	if err != nil {
		return fmt.Errorf("mark schedule degraded: %w", err)
	}
	return nil
}

// CountDegradedSchedules returns how many schedules are flagged degraded.
func (db *DB) CountDegradedSchedules(ctx context.Context) (int, error) {
	var n int
	if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM schedules WHERE degraded`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count degraded schedules: %w", err)
	}
	return n, nil
}

// CommitEvaluation applies one runner evaluation in a single transaction:
// the schedule row (guarded by its version), the touched phases, the build
// promotion and the dispatch outbox.
func (db *DB) CommitEvaluation(ctx context.Context, c *rollout.Commit) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE schedules
			SET last_evaluated_at = $3,
			    next_fire_at = $4,
			    advance_requested_at = CASE WHEN $5::boolean THEN NULL ELSE advance_requested_at END,
			    active = $6,
			    cycle = $7,
			    degraded = degraded OR $8::text <> '',
			    degraded_reason = CASE WHEN $8::text <> '' THEN $8::text ELSE degraded_reason END,
			    version = version + 1,
			    updated_at = $3
			WHERE id = $1 AND version = $2
		`, c.ScheduleID, c.ExpectedVersion, c.EvaluatedAt, c.NextFireAt,
			c.ClearAdvanceRequest, c.Active, c.Cycle, c.DegradedReason)
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return db.versionMismatch(ctx, tx, c.ScheduleID)
		}

		if err := updatePhases(ctx, tx, c.ScheduleID, c.Phases); err != nil {
			return err
		}

		if c.PromoteApplicationID != nil {
			_, err := tx.Exec(ctx, `
				UPDATE applications
				SET previous_version = current_version,
				    previous_build_ref = current_build_ref,
				    updated_at = $2
				WHERE id = $1
			`, *c.PromoteApplicationID, c.EvaluatedAt)
			if err != nil {
				return fmt.Errorf("promote build: %w", err)
			}
		}

		return insertDispatchJobs(ctx, tx, c.DispatchJobs)
	})
}

// updatePhases writes phase progress. Phases leaving in_progress are written
// before the one entering it so the one-in-progress index holds throughout.
func updatePhases(ctx context.Context, q querier, scheduleID uuid.UUID, phases []models.Phase) error {
	ordered := make([]models.Phase, 0, len(phases))
	for _, p := range phases {
		if p.State != models.PhaseInProgress {
			ordered = append(ordered, p)
		}
	}
	for _, p := range phases {
		if p.State == models.PhaseInProgress {
			ordered = append(ordered, p)
		}
	}

	for _, p := range ordered {
		tag, err := q.Exec(ctx, `
			UPDATE phases
			SET state = $3, build_pointer = $4, started_at = $5, finished_at = $6, updated_at = $7
			WHERE id = $1 AND schedule_id = $2
		`, p.ID, scheduleID, string(p.State), buildPointerArg(p.BuildPointer), p.StartedAt, p.FinishedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update phase %d: %w", p.Sequence, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("phase %s of schedule %s disappeared: %w", p.ID, scheduleID, rollout.ErrConcurrencyConflict)
		}
	}
	return nil
}

// ResetSchedule returns every phase of a schedule to not_set and queues jobs
// in one transaction, guarded by the schedule version.
func (db *DB) ResetSchedule(ctx context.Context, s *models.Schedule, jobs []*models.DispatchJob) error {
	now := time.Now()
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE schedules
			SET advance_requested_at = NULL, version = version + 1, updated_at = $3
			WHERE id = $1 AND version = $2
		`, s.ID, s.Version, now)
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return db.versionMismatch(ctx, tx, s.ID)
		}
		_, err = tx.Exec(ctx, `
			UPDATE phases
			SET state = 'not_set', build_pointer = NULL, started_at = NULL, finished_at = NULL, updated_at = $2
			WHERE schedule_id = $1
		`, s.ID, now)
		if err != nil {
			return fmt.Errorf("reset phases: %w", err)
		}
		return insertDispatchJobs(ctx, tx, jobs)
	})
	if err != nil {
		return fmt.Errorf("reset schedule: %w", err)
	}
	s.Version++
	s.AdvanceRequestedAt = nil
	s.UpdatedAt = now
	s.ResetPhases()
	return nil
}
