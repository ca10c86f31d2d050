package geospatial

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TileStore caches raw provider tile bytes.
type TileStore interface {
	Get(ctx context.Context, provider string, t TileIndex) ([]byte, bool)
	Put(ctx context.Context, provider string, t TileIndex, data []byte)
	Stats() CacheStats
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Backend    string  `json:"backend"`
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

func newCacheStats(backend string, hits, misses int64) CacheStats {
	s := CacheStats{Backend: backend, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// tileKey builds the cache key for a provider tile.
func tileKey(provider string, t TileIndex) string {
	return fmt.Sprintf("%s/%d/%d/%d", provider, t.Z, t.X, t.Y)
}

// TileCache is an in-process LRU tile cache with TTL expiration. Neighboring
// locations in a batch share most of their 3×3 tile grid, so hits are common.
type TileCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration
	hits       atomic.Int64
	misses     atomic.Int64
	now        func() time.Time
}

type tileCacheEntry struct {
	key       string
	data      []byte
	createdAt time.Time
}

// NewTileCache creates a TileCache with the given capacity and TTL.
func NewTileCache(maxEntries int, ttl time.Duration) *TileCache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &TileCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns a cached tile. Expired entries are dropped and count as misses.
func (c *TileCache) Get(_ context.Context, provider string, t TileIndex) ([]byte, bool) {
	key := tileKey(provider, t)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry := el.Value.(*tileCacheEntry)
	if c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses.Add(1)
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits.Add(1)
	return entry.data, true
}

// Put stores a tile, evicting the least recently used entry when full.
func (c *TileCache) Put(_ context.Context, provider string, t TileIndex, data []byte) {
	key := tileKey(provider, t)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value = &tileCacheEntry{key: key, data: data, createdAt: c.now()}
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*tileCacheEntry).key)
	}

	c.entries[key] = c.order.PushFront(&tileCacheEntry{key: key, data: data, createdAt: c.now()})
}

// Invalidate drops every cached tile of one provider.
func (c *TileCache) Invalidate(provider string) int {
	prefix := provider + "/"

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(el)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns cache performance statistics.
func (c *TileCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	s := newCacheStats("memory", c.hits.Load(), c.misses.Load())
	s.Entries = entries
	s.MaxEntries = c.maxEntries
	return s
}
