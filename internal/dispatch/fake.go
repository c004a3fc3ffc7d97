package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/rs/zerolog"
)

// FakeCall is one call recorded by Fake.
type FakeCall struct {
	Action models.DispatchAction
	Groups []models.GroupAssignment
	Build  models.BuildReference
}

// Fake is an in-memory Dispatcher for development and tests. It logs every
// call and can be told to fail the next n calls.
type Fake struct {
	logger zerolog.Logger

	mu       sync.Mutex
	calls    []FakeCall
	failures int
	failErr  error
}

// NewFake creates a Fake.
func NewFake(logger zerolog.Logger) *Fake {
	return &Fake{logger: logger.With().Str("component", "fake_dispatcher").Logger()}
}

// Assign records an assign call.
func (f *Fake) Assign(ctx context.Context, groups []models.GroupAssignment, build models.BuildReference) (Result, error) {
	return f.record(ctx, models.DispatchAssign, groups, build)
}

// Unassign records an unassign call.
func (f *Fake) Unassign(ctx context.Context, groups []models.GroupAssignment, build models.BuildReference) (Result, error) {
	return f.record(ctx, models.DispatchUnassign, groups, build)
}

// FailNext makes the next n calls return err.
func (f *Fake) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
	f.failErr = err
}

// Calls returns the successful calls in order.
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) record(ctx context.Context, action models.DispatchAction, groups []models.GroupAssignment, build models.BuildReference) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return Result{}, fmt.Errorf("%w: %v", ErrDispatchFailure, f.failErr)
	}

	f.calls = append(f.calls, FakeCall{Action: action, Groups: groups, Build: build})
	f.logger.Info().
		Str("action", string(action)).
		Str("build", build.ExternalRef).
		Int("groups", len(groups)).
		Msg("fake assignment")
	return Result{Success: true, ExternalID: fmt.Sprintf("fake-%d", len(f.calls))}, nil
}
