package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/google/uuid"
)

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const organizationColumns = `id, name, slug, created_at, updated_at`

func scanOrganization(row scanner) (*models.Organization, error) {
	var org models.Organization
	if err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return nil, err
	}
	return &org, nil
}

// CreateOrganization stores a new tenant. A taken slug yields ErrDuplicate.
func (db *DB) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if err := org.Validate(); err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO organizations (`+organizationColumns+`)
		VALUES ($1, $2, $3, $4, $5)
	`, org.ID, org.Name, org.Slug, org.CreatedAt, org.UpdatedAt)
	if uniqueViolation(err) {
		return fmt.Errorf("create organization %q: %w", org.Slug, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// GetOrganizationByID returns a tenant by ID.
func (db *DB) GetOrganizationByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	org, err := scanOrganization(db.Pool.QueryRow(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get organization")
	}
	return org, nil
}

// GetOrganizationBySlug returns a tenant by slug.
func (db *DB) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	org, err := scanOrganization(db.Pool.QueryRow(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE slug = $1`, slug))
	if err != nil {
		return nil, notFound(err, "get organization by slug")
	}
	return org, nil
}

// GetOrCreateDefaultOrg returns the tenant that requests without X-Org-ID
// fall back to. Concurrent callers all observe the same row.
func (db *DB) GetOrCreateDefaultOrg(ctx context.Context) (*models.Organization, error) {
	org, err := db.GetOrganizationBySlug(ctx, models.DefaultOrgSlug)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return org, err
	}

	org = models.NewOrganization("Default", models.DefaultOrgSlug)
	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO organizations (`+organizationColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (slug) DO NOTHING
	`, org.ID, org.Name, org.Slug, org.CreatedAt, org.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create default organization: %w", err)
	}

	org, err = db.GetOrganizationBySlug(ctx, models.DefaultOrgSlug)
	if err != nil {
		return nil, err
	}
	db.logger.Info().Str("org_id", org.ID.String()).Msg("default organization ready")
	return org, nil
}

// GetAllOrganizations returns every tenant ordered by name.
func (db *DB) GetAllOrganizations(ctx context.Context) ([]*models.Organization, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+organizationColumns+` FROM organizations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*models.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}
