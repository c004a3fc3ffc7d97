package db

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/google/uuid"
)

const applicationColumns = `id, org_id, name, publisher,
	current_version, current_build_ref, previous_version, previous_build_ref,
	created_at, updated_at`

func scanApplication(row scanner) (*models.Application, error) {
	var a models.Application
	err := row.Scan(
		&a.ID, &a.OrgID, &a.Name, &a.Publisher,
		&a.CurrentVersion, &a.CurrentBuildRef, &a.PreviousVersion, &a.PreviousBuildRef,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Application methods

// CreateApplication inserts a new application.
func (db *DB) CreateApplication(ctx context.Context, app *models.Application) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, app.ID, app.OrgID, app.Name, app.Publisher,
		app.CurrentVersion, app.CurrentBuildRef, app.PreviousVersion, app.PreviousBuildRef,
		app.CreatedAt, app.UpdatedAt)
	if uniqueViolation(err) {
		return fmt.Errorf("create application %q: %w", app.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	return nil
}

// GetApplication returns an application by ID.
func (db *DB) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if err != nil {
		return nil, gone(err, "get application")
	}
	return app, nil
}

// GetApplicationForOrg returns an application by ID within an organization.
func (db *DB) GetApplicationForOrg(ctx context.Context, orgID, id uuid.UUID) (*models.Application, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1 AND org_id = $2`, id, orgID)
	app, err := scanApplication(row)
	if err != nil {
		return nil, notFound(err, "get application")
	}
	return app, nil
}

// ListApplications returns the applications of an organization.
func (db *DB) ListApplications(ctx context.Context, orgID uuid.UUID) ([]*models.Application, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE org_id = $1
		ORDER BY name
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []*models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return apps, nil
}

// PublishBuild records a new current build for an application. The previous
// build only changes when a rollout cycle completes.
func (db *DB) PublishBuild(ctx context.Context, orgID, id uuid.UUID, version, externalRef string) (*models.Application, error) {
	row := db.Pool.QueryRow(ctx, `
		UPDATE applications
		SET current_version = $3, current_build_ref = $4, updated_at = $5
		WHERE id = $1 AND org_id = $2
		RETURNING `+applicationColumns,
		id, orgID, version, externalRef, time.Now())
	app, err := scanApplication(row)
	if err != nil {
		return nil, notFound(err, "publish build")
	}
	return app, nil
}

// DeleteApplication deletes an application. Its schedules, phases and
// dispatch jobs go with it.
func (db *DB) DeleteApplication(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM applications WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete application: %w", ErrNotFound)
	}
	return nil
}
