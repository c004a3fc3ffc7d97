package models

import (
	"time"

	"github.com/google/uuid"
)

// Application is a managed application whose builds are rolled out by schedules.
// Builds are uploaded elsewhere; Stagehand only tracks which one is current and
// which one was current when the last rollout cycle completed.
type Application struct {
	ID               uuid.UUID `json:"id"`
	OrgID            uuid.UUID `json:"org_id"`
	Name             string    `json:"name"`
	Publisher        string    `json:"publisher,omitempty"`
	CurrentVersion   string    `json:"current_version,omitempty"`
	CurrentBuildRef  string    `json:"current_build_ref,omitempty"`
	PreviousVersion  string    `json:"previous_version,omitempty"`
	PreviousBuildRef string    `json:"previous_build_ref,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// BuildReference identifies one build of an application as seen by the MDM.
type BuildReference struct {
	ApplicationID uuid.UUID    `json:"application_id"`
	Pointer       BuildPointer `json:"pointer"`
	Version       string       `json:"version,omitempty"`
	ExternalRef   string       `json:"external_ref,omitempty"`
}

// NewApplication creates an application with no known builds.
func NewApplication(orgID uuid.UUID, name string) *Application {
	now := time.Now()
	return &Application{
		ID:        uuid.New(),
		OrgID:     orgID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Build resolves a build pointer against the application.
func (a *Application) Build(p BuildPointer) BuildReference {
	ref := BuildReference{ApplicationID: a.ID, Pointer: p}
	switch p {
	case BuildPrevious:
		ref.Version = a.PreviousVersion
		ref.ExternalRef = a.PreviousBuildRef
	default:
		ref.Pointer = BuildCurrent
		ref.Version = a.CurrentVersion
		ref.ExternalRef = a.CurrentBuildRef
	}
	return ref
}

// HasBuild reports whether the pointer resolves to a known build.
func (a *Application) HasBuild(p BuildPointer) bool {
	return a.Build(p).ExternalRef != ""
}

// PromoteBuild records the current build as the previous one. It runs when a
// rollout cycle completes so the next cycle can tell old from new.
func (a *Application) PromoteBuild() {
	a.PreviousVersion = a.CurrentVersion
	a.PreviousBuildRef = a.CurrentBuildRef
	a.UpdatedAt = time.Now()
}

// PublishBuild sets a new current build without touching previous.
func (a *Application) PublishBuild(version, externalRef string) {
	a.CurrentVersion = version
	a.CurrentBuildRef = externalRef
	a.UpdatedAt = time.Now()
}
