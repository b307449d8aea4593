package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limit int64) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "billing", limit, time.Minute), mr
}

func TestAllowWithinWindow(t *testing.T) {
	l, _ := newLimiter(t, 2)
	ctx := context.Background()

	ok, remaining, err := l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), remaining)

	ok, remaining, err = l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), remaining)

	ok, _, err = l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = l.Allow(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, ok, "tenants are counted separately")
}

func TestWindowExpires(t *testing.T) {
	l, mr := newLimiter(t, 1)
	ctx := context.Background()

	_, _, _ = l.Allow(ctx, "t1")
	ok, _, _ := l.Allow(ctx, "t1")
	assert.False(t, ok)

	mr.FastForward(time.Minute + time.Second)

	ok, _, err := l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReset(t *testing.T) {
	l, _ := newLimiter(t, 1)
	ctx := context.Background()

	_, _, _ = l.Allow(ctx, "t1")
	require.NoError(t, l.Reset(ctx, "t1"))

	ok, _, err := l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisErrorSurfaces(t *testing.T) {
	l, mr := newLimiter(t, 1)
	mr.SetError("LOADING")

	_, _, err := l.Allow(context.Background(), "t1")
	assert.Error(t, err)
}
