package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestLockIsExclusive(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	first, err := AcquireLock(ctx, c, "lock:reconcile", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := AcquireLock(ctx, c, "lock:reconcile", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, first.Release(ctx))

	third, err := AcquireLock(ctx, c, "lock:reconcile", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	mr, c := newTestClient(t)
	ctx := context.Background()

	old, err := AcquireLock(ctx, c, "lock:reconcile", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := AcquireLock(ctx, c, "lock:reconcile", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, current)

	assert.ErrorIs(t, old.Release(ctx), ErrLockNotHeld)
	assert.True(t, mr.Exists("lock:reconcile"))
}
