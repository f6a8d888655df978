package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ItemCache serves catalog item lookups from redis, falling back to the
// repository on miss. Items are immutable reference data, so a short TTL is
// only a safety net against out-of-band catalog edits.
type ItemCache struct {
	source ItemSource
	client *redis.Client
	ttl    time.Duration
}

// NewItemCache wraps an item source with a redis cache.
func NewItemCache(source ItemSource, client *redis.Client, ttl time.Duration) *ItemCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ItemCache{source: source, client: client, ttl: ttl}
}

func itemKey(id int64) string {
	return fmt.Sprintf("billing:item:%d", id)
}

// GetItem returns the cached item or loads and caches it. Cache failures are
// not fatal; the source answer wins.
func (c *ItemCache) GetItem(ctx context.Context, id int64) (*Item, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, itemKey(id)).Bytes()
		if err == nil {
			var item Item
			if err := json.Unmarshal(raw, &item); err == nil {
				return &item, nil
			}
		}
	}

	item, err := c.source.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.client != nil {
		if raw, err := json.Marshal(item); err == nil {
			c.client.Set(ctx, itemKey(id), raw, c.ttl)
		}
	}
	return item, nil
}

// Invalidate drops a cached item after a catalog edit.
func (c *ItemCache) Invalidate(ctx context.Context, id int64) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, itemKey(id)).Err()
}
