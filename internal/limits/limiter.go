// Package limits applies a per-user request ceiling to the usage API so a
// misbehaving poller cannot monopolize the service.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter counts requests per user in fixed one-minute windows backed by
// Redis. A nil limiter or client allows everything.
type RateLimiter struct {
	client            redis.UniversalClient
	requestsPerMinute int
}

func NewRateLimiter(client redis.UniversalClient, requestsPerMinute int) *RateLimiter {
	return &RateLimiter{client: client, requestsPerMinute: requestsPerMinute}
}

// Allow records one request for the user and reports ErrLimitExceeded when
// the current window is full.
func (l *RateLimiter) Allow(ctx context.Context, userID string) error {
	if l == nil || l.client == nil || l.requestsPerMinute <= 0 {
		return nil
	}

	window := time.Now().UTC().Unix() / 60
	redisKey := fmt.Sprintf("meterd:rl:%s:%d", userID, window)

	cnt, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		// Fail open: metering availability beats throttling accuracy.
		return nil
	}
	if cnt == 1 {
		l.client.Expire(ctx, redisKey, time.Minute)
	}
	if int(cnt) > l.requestsPerMinute {
		return ErrLimitExceeded
	}
	return nil
}
