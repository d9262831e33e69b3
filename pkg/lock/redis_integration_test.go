//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb, err := DialRedis(ctx, endpoint, "", 0)
	require.NoError(t, err)
	defer rdb.Close()

	a := NewRedis(rdb, "test:", nil)
	b := NewRedis(rdb, "test:", nil)

	held, err := a.Acquire(ctx, "cr-1", time.Minute)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "cr-1", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, held.Release(ctx))
	require.ErrorIs(t, held.Release(ctx), ErrNotHeld)

	again, err := b.Acquire(ctx, "cr-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
