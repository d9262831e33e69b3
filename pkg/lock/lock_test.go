package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	held, err := l.Acquire(ctx, "cr-1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "cr-1", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	other, err := l.Acquire(ctx, "cr-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, held.Release(ctx))
	require.ErrorIs(t, held.Release(ctx), ErrNotHeld)

	_, err = l.Acquire(ctx, "cr-1", time.Minute)
	require.NoError(t, err)
}

func TestLocalExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "cr-1", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "cr-1", time.Second)
	require.NoError(t, err)

	// The expired holder cannot release the new owner's lock.
	require.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	require.NoError(t, fresh.Release(ctx))
}

func TestWithLock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	ran := false
	require.NoError(t, WithLock(ctx, l, "k", time.Minute, func() error {
		ran = true
		_, err := l.Acquire(ctx, "k", time.Minute)
		assert.ErrorIs(t, err, ErrNotAcquired)
		return nil
	}))
	assert.True(t, ran)

	_, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
}
