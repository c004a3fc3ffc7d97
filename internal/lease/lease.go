// Package lease provides short-lived ownership tokens so that only one runner
// instance evaluates a given schedule at a time.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired is returned when another owner holds the lease.
	ErrNotAcquired = errors.New("lease held by another owner")
	// ErrLeaseLost is returned when a lease expired or was taken over.
	ErrLeaseLost = errors.New("lease lost")
)

// Locker grants exclusive, expiring leases on string keys.
type Locker interface {
	// Acquire claims key for ttl and returns the owner token.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Refresh extends a lease still owned by token.
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
	// Release gives up a lease owned by token. Releasing a lost lease is not an error.
	Release(ctx context.Context, key, token string) error
}

// ScheduleKey returns the lease key for a schedule id.
func ScheduleKey(scheduleID string) string {
	return "stagehand:lease:schedule:" + scheduleID
}
