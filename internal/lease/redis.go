package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Compare-and-act scripts so a lease is only touched by its owner.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker implements Locker on a shared Redis so several runner
// instances can split the schedule set.
type RedisLocker struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedisLocker creates a RedisLocker using client.
func NewRedisLocker(client redis.UniversalClient, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		logger: logger.With().Str("component", "redis_lease").Logger(),
	}
}

// NewRedisClient parses a redis:// URL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Acquire claims key with SET NX PX.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return "", ErrNotAcquired
	}

	l.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("lease acquired")
	return token, nil
}

// Refresh extends the lease if token still owns it.
func (l *RedisLocker) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release deletes the lease if token still owns it.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
