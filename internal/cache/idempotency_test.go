package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, ttl time.Duration) (*IdempotencyCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewIdempotencyCache(rdb, ttl), mr
}

func TestClaimDedupesWithinTTL(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, time.Minute)

	first, err := c.Claim(ctx, "evt-123")
	require.NoError(t, err)
	require.True(t, first)

	second, err := c.Claim(ctx, "evt-123")
	require.NoError(t, err)
	require.False(t, second)
}

func TestClaimExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, time.Minute)

	first, err := c.Claim(ctx, "evt-123")
	require.NoError(t, err)
	require.True(t, first)

	mr.FastForward(2 * time.Minute)

	again, err := c.Claim(ctx, "evt-123")
	require.NoError(t, err)
	require.True(t, again)
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, time.Minute)

	first, err := c.Claim(ctx, "evt-123")
	require.NoError(t, err)
	require.True(t, first)

	c.Release(ctx, "evt-123")

	again, err := c.Claim(ctx, "evt-123")
	require.NoError(t, err)
	require.True(t, again)
}

func TestEmptyKeyNeverDeduped(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := c.Claim(ctx, "")
		require.NoError(t, err)
		require.True(t, ok)
	}
}
