package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is an in-process Locker for single-instance deployments and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// Acquire claims key if it is free or expired.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return "", ErrNotAcquired
	}
	l.leases[key] = memoryLease{token: token, expires: now.Add(ttl)}
	return token, nil
}

// Refresh extends the lease if token still owns it.
func (l *MemoryLocker) Refresh(_ context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.leases[key]
	if !ok || cur.token != token || !now.Before(cur.expires) {
		return ErrLeaseLost
	}
	cur.expires = now.Add(ttl)
	l.leases[key] = cur
	return nil
}

// Release drops the lease if token owns it.
func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}
