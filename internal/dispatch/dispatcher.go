// Package dispatch delivers phase assignments to the external MDM.
//
// Phase transitions are committed first and their assignment calls are stored
// as dispatch jobs in the same transaction. The Queue then works through those
// jobs in order for each schedule, retrying failures with backoff.
package dispatch

import (
	"context"
	"errors"

	"github.com/MacJediWizard/stagehand/internal/models"
)

// ErrDispatchFailure is returned when the assignment API call failed.
var ErrDispatchFailure = errors.New("dispatch failure")

// Result is the MDM's answer to an assignment call.
type Result struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
}

// Dispatcher assigns and unassigns application builds to groups. Calls must
// be safe to repeat: assigning an already assigned group is a no-op upstream.
type Dispatcher interface {
	Assign(ctx context.Context, groups []models.GroupAssignment, build models.BuildReference) (Result, error)
	Unassign(ctx context.Context, groups []models.GroupAssignment, build models.BuildReference) (Result, error)
}

// Call runs the dispatcher method matching action.
func Call(ctx context.Context, d Dispatcher, action models.DispatchAction, groups []models.GroupAssignment, build models.BuildReference) (Result, error) {
	switch action {
	case models.DispatchAssign:
		return d.Assign(ctx, groups, build)
	case models.DispatchUnassign:
		return d.Unassign(ctx, groups, build)
	default:
		return Result{}, errors.New("unknown dispatch action " + string(action))
	}
}
