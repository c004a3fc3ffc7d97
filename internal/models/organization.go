// Package models defines the domain models for Stagehand.
package models

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultOrgSlug names the tenant used by single-tenant installs.
const DefaultOrgSlug = "default"

// ErrInvalidSlug is returned for slugs that are not lowercase DNS-style labels.
var ErrInvalidSlug = errors.New("slug must be 1-63 lowercase letters, digits or hyphens, starting with a letter or digit")

var (
	slugPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	slugSeparator = regexp.MustCompile(`[^a-z0-9]+`)
)

// Organization is a tenant. Every schedule, phase and application belongs to exactly one.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewOrganization returns an unsaved tenant. An empty slug is derived from name.
func NewOrganization(name, slug string) *Organization {
	if slug == "" {
		slug = Slugify(name)
	}
	now := time.Now().UTC()
	return &Organization{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(name),
		Slug:      slug,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the tenant before it is stored.
func (o *Organization) Validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return errors.New("organization name is required")
	}
	if !ValidSlug(o.Slug) {
		return ErrInvalidSlug
	}
	return nil
}

// Slugify lowercases name and joins its alphanumeric runs with hyphens.
func Slugify(name string) string {
	slug := strings.Trim(slugSeparator.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > 63 {
		slug = strings.TrimRight(slug[:63], "-")
	}
	return slug
}

// ValidSlug reports whether slug is usable in URLs and config files.
func ValidSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}
