package geospatial

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileCache_BasicGetPut(t *testing.T) {
	ctx := context.Background()
	cache := NewTileCache(100, time.Hour)
	tile := TileIndex{X: 512, Y: 256, Z: 10}

	_, ok := cache.Get(ctx, "esri", tile)
	assert.False(t, ok)

	cache.Put(ctx, "esri", tile, []byte("jpeg"))
	got, ok := cache.Get(ctx, "esri", tile)
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg"), got)

	// Same tile from another provider is a separate entry.
	_, ok = cache.Get(ctx, "bing", tile)
	assert.False(t, ok)
}

func TestTileCache_TTLExpiration(t *testing.T) {
	ctx := context.Background()
	cache := NewTileCache(100, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	tile := TileIndex{X: 1, Y: 1, Z: 2}
	cache.Put(ctx, "osm", tile, []byte("png"))
	_, ok := cache.Get(ctx, "osm", tile)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get(ctx, "osm", tile)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestTileCache_LRUEviction(t *testing.T) {
	ctx := context.Background()
	cache := NewTileCache(3, time.Hour)

	for i := range 3 {
		cache.Put(ctx, "esri", TileIndex{X: i, Z: 5}, []byte{byte(i)})
	}
	// Touch x=0 so x=1 becomes the oldest.
	_, ok := cache.Get(ctx, "esri", TileIndex{X: 0, Z: 5})
	require.True(t, ok)

	cache.Put(ctx, "esri", TileIndex{X: 3, Z: 5}, []byte{3})

	_, ok = cache.Get(ctx, "esri", TileIndex{X: 1, Z: 5})
	assert.False(t, ok)
	for _, x := range []int{0, 2, 3} {
		_, ok = cache.Get(ctx, "esri", TileIndex{X: x, Z: 5})
		assert.True(t, ok, "x=%d", x)
	}
}

func TestTileCache_UpdateInPlace(t *testing.T) {
	ctx := context.Background()
	cache := NewTileCache(2, time.Hour)
	tile := TileIndex{X: 4, Y: 4, Z: 4}

	cache.Put(ctx, "bing", tile, []byte("old"))
	cache.Put(ctx, "bing", tile, []byte("new"))

	got, ok := cache.Get(ctx, "bing", tile)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got)
	assert.Equal(t, 1, cache.Stats().Entries)
}

func TestTileCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	cache := NewTileCache(10, time.Hour)
	cache.Put(ctx, "esri", TileIndex{X: 1, Z: 3}, []byte("a"))
	cache.Put(ctx, "esri", TileIndex{X: 2, Z: 3}, []byte("b"))
	cache.Put(ctx, "osm", TileIndex{X: 1, Z: 3}, []byte("c"))

	assert.Equal(t, 2, cache.Invalidate("esri"))
	_, ok := cache.Get(ctx, "osm", TileIndex{X: 1, Z: 3})
	assert.True(t, ok)
	assert.Equal(t, 1, cache.Stats().Entries)
}

func TestTileCache_Stats(t *testing.T) {
	ctx := context.Background()
	cache := NewTileCache(10, time.Hour)
	tile := TileIndex{X: 1, Y: 2, Z: 3}

	cache.Get(ctx, "esri", tile)
	cache.Put(ctx, "esri", tile, []byte("x"))
	cache.Get(ctx, "esri", tile)
	cache.Get(ctx, "esri", tile)

	stats := cache.Stats()
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, 10, stats.MaxEntries)
}

func TestTileCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	cache := NewTileCache(50, time.Hour)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				tile := TileIndex{X: i % 60, Y: g, Z: 12}
				cache.Put(ctx, fmt.Sprintf("p%d", g%2), tile, []byte("t"))
				cache.Get(ctx, fmt.Sprintf("p%d", g%2), tile)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Stats().Entries, 50)
}
