//go:build integration

package lease

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func dockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if !dockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, "redis://"+endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLocker(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	l := NewRedisLocker(client, zerolog.Nop())
	key := ScheduleKey("integration")

	token, err := l.Acquire(ctx, key, 2*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = l.Acquire(ctx, key, 2*time.Second)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	assert.True(t, errors.Is(l.Refresh(ctx, key, "someone-else", time.Second), ErrLeaseLost))
	require.NoError(t, l.Refresh(ctx, key, token, 5*time.Second))

	ttl, err := client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 2*time.Second)

	// A release by a non-owner leaves the lease in place.
	require.NoError(t, l.Release(ctx, key, "someone-else"))
	_, err = l.Acquire(ctx, key, time.Second)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	require.NoError(t, l.Release(ctx, key, token))
	token2, err := l.Acquire(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.True(t, errors.Is(l.Refresh(ctx, key, token2, time.Second), ErrLeaseLost))
}
