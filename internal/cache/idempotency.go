package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyCache remembers recently seen ingest keys so a retried submission
// is counted once. Claims expire after the configured TTL.
type IdempotencyCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewIdempotencyCache(client redis.UniversalClient, ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &IdempotencyCache{client: client, ttl: ttl}
}

// Claim marks the key as processed and reports whether this caller was first.
// A second claim within the TTL returns false. An empty key is never deduped.
func (c *IdempotencyCache) Claim(ctx context.Context, key string) (bool, error) {
	if c == nil || c.client == nil || key == "" {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, c.prefixed(key), "1", c.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops a claim so the key can be submitted again, used when the
// claimed write ultimately failed.
func (c *IdempotencyCache) Release(ctx context.Context, key string) {
	if c == nil || c.client == nil || key == "" {
		return
	}
	c.client.Del(ctx, c.prefixed(key))
}

func (c *IdempotencyCache) prefixed(key string) string {
	return "meterd:idem:" + key
}
