package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DistributedGet checks the optional Redis tier before falling back to a
// miss, used when multiple engine processes share one result cache (e.g. a
// PG wire server fronted by several workers).
func (c *Cache) DistributedGet(ctx context.Context, key string) (any, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, redisCacheKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// DistributedSet mirrors a local Set into the Redis tier with the given TTL.
func (c *Cache) DistributedSet(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.redis == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: distributed set: %w", err)
	}
	return c.redis.Set(ctx, redisCacheKey(key), raw, ttl).Err()
}

func redisCacheKey(key string) string { return "cascade:cache:" + key }
