package geospatial

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// redisCmdable is the subset of *redis.Client used by RedisTileCache.
type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisTileCache shares fetched tiles between processes through Redis.
// Cache errors are logged and treated as misses.
type RedisTileCache struct {
	client redisCmdable
	closer func() error
	prefix string
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisTileCache connects to redisURL (redis://host:port/db).
func NewRedisTileCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisTileCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "tilecache: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "tilecache: ping redis")
	}
	c := newRedisTileCache(client, ttl)
	c.closer = client.Close
	return c, nil
}

func newRedisTileCache(client redisCmdable, ttl time.Duration) *RedisTileCache {
	return &RedisTileCache{client: client, prefix: "solar:tile:", ttl: ttl}
}

// Get implements TileStore.
func (c *RedisTileCache) Get(ctx context.Context, provider string, t TileIndex) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.prefix+tileKey(provider, t)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Debug("tilecache: redis get failed", zap.String("tile", t.String()), zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return data, true
}

// Put implements TileStore.
func (c *RedisTileCache) Put(ctx context.Context, provider string, t TileIndex, data []byte) {
	if err := c.client.Set(ctx, c.prefix+tileKey(provider, t), data, c.ttl).Err(); err != nil {
		zap.L().Debug("tilecache: redis set failed", zap.String("tile", t.String()), zap.Error(err))
	}
}

// Stats implements TileStore. Entry counts are not tracked for Redis.
func (c *RedisTileCache) Stats() CacheStats {
	return newCacheStats("redis", c.hits.Load(), c.misses.Load())
}

// Close releases the Redis connection when the cache owns it.
func (c *RedisTileCache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
