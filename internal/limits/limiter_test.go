package limits

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rpm int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, rpm), mr
}

func TestAllowUnderLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Allow(ctx, "alice"))
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(ctx, "alice"))
	}
	err := limiter.Allow(ctx, "alice")
	require.ErrorIs(t, err, ErrLimitExceeded)
}

func TestAllowIsPerUser(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "alice"))
	require.ErrorIs(t, limiter.Allow(ctx, "alice"), ErrLimitExceeded)
	require.NoError(t, limiter.Allow(ctx, "bob"))
}

func TestAllowWindowExpires(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "alice"))
	require.ErrorIs(t, limiter.Allow(ctx, "alice"), ErrLimitExceeded)

	// The window key carries a one-minute TTL as a safety net.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, limiter.Allow(ctx, "alice"))
}

func TestZeroLimitDisablesThrottling(t *testing.T) {
	limiter, _ := newTestLimiter(t, 0)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, limiter.Allow(ctx, "alice"))
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var limiter *RateLimiter
	require.NoError(t, limiter.Allow(context.Background(), "alice"))
}

func TestFailsOpenWhenRedisDown(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1)
	mr.Close()

	require.NoError(t, limiter.Allow(context.Background(), "alice"))
}
