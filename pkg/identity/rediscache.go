package identity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cccs-substrate/cccs/pkg/contracts"
)

// RedisCache is a Cache backed by Redis, using the same redis.Client
// wiring as kernel.RedisLimiterStore, swapped from a Lua token-bucket
// to a plain GET/SET-with-TTL since actor identity only needs a
// refreshable cache entry, not atomic consumption. Used
// by edge-mode deployments that run more than one replica so a cache
// populated by one replica's cache-bypass resolution is visible to the
// others immediately, rather than each replica starting cold.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache builds a RedisCache against addr/password/db. ttl<=0
// disables expiry (entries live until evicted or explicitly
// overwritten, matching the in-process cache's never-expire default).
func NewRedisCache(addr, password string, db int, ttl time.Duration) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{client: client, prefix: "cccs:identity:", ttl: ttl}
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string) (contracts.ActorBlock, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return contracts.ActorBlock{}, false
	}
	var block contracts.ActorBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return contracts.ActorBlock{}, false
	}
	return block, true
}

func (c *RedisCache) Set(ctx context.Context, key string, block contracts.ActorBlock) {
	raw, err := json.Marshal(block)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err()
}
