package relaycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTripsSnapshots(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(CacheOptions{})

	err := cache.SetSnapshot(ctx, EntityTask, "t1", Snapshot{"id": "t1", "title": "Write docs"})
	require.NoError(t, err)

	got, err := cache.GetSnapshot(ctx, EntityTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Write docs", got.String("title"))

	_, err = cache.GetSnapshot(ctx, EntityTask, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
}

func TestCacheAppliesEntityTypeTTLs(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	store.now = clock.Now
	cache := NewCache(CacheOptions{Store: store, TTLs: map[EntityType]time.Duration{EntityClient: time.Minute}})
	ctx := context.Background()

	assert.Equal(t, 300*time.Second, cache.TTL(EntityTask))
	assert.Equal(t, 1800*time.Second, cache.TTL(EntityTeam))
	assert.Equal(t, time.Minute, cache.TTL(EntityClient))

	require.NoError(t, cache.SetSnapshot(ctx, EntityTask, "t1", Snapshot{"id": "t1"}))
	require.NoError(t, cache.SetSnapshot(ctx, EntityProject, "p1", Snapshot{"id": "p1"}))

	clock.Advance(301 * time.Second)
	_, err := cache.GetSnapshot(ctx, EntityTask, "t1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = cache.GetSnapshot(ctx, EntityProject, "p1")
	assert.NoError(t, err)
}

func TestCacheInvalidatePatternRemovesMatchingKeys(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(CacheOptions{})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, cache.SetSnapshot(ctx, EntityTask, id, Snapshot{"id": id}))
	}
	require.NoError(t, cache.SetSnapshot(ctx, EntityProject, "p", Snapshot{"id": "p"}))

	removed, err := cache.InvalidatePattern(ctx, "task:*")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = cache.GetSnapshot(ctx, EntityProject, "p")
	assert.NoError(t, err)
}

func TestCacheSetSettledKeepsProvisionalEntries(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(CacheOptions{})
	require.NoError(t, cache.SetSnapshot(ctx, EntityTask, "t1", Snapshot{"id": "t1", "title": "Local", MarkerPendingSync: true}))

	kept, err := cache.SetSettled(ctx, EntityTask, "t1", Snapshot{"id": "t1", "title": "Remote"})
	require.NoError(t, err)
	assert.Equal(t, "Local", kept.String("title"))

	stored, err := cache.SetSettled(ctx, EntityTask, "t2", Snapshot{"id": "t2", "title": "Remote"})
	require.NoError(t, err)
	assert.Equal(t, "Remote", stored.String("title"))
	got, err := cache.GetSnapshot(ctx, EntityTask, "t2")
	require.NoError(t, err)
	assert.Equal(t, "Remote", got.String("title"))

	down := NewCache(CacheOptions{Store: failingStore{}})
	_, err = down.SetSettled(ctx, EntityTask, "t1", Snapshot{"id": "t1"})
	assert.ErrorIs(t, err, ErrCacheUnavailable)
}

func TestCacheWrapsBackendFailures(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(CacheOptions{Store: failingStore{}})

	var snap Snapshot
	err := cache.Get(ctx, "task:t1", &snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	assert.False(t, errors.Is(err, ErrCacheMiss))

	assert.ErrorIs(t, cache.Set(ctx, "task:t1", EntityTask, Snapshot{}), ErrCacheUnavailable)
	assert.ErrorIs(t, cache.Ping(ctx), ErrCacheUnavailable)
	assert.Equal(t, int64(2), cache.Stats().Errors)
}

func TestCacheTreatsUndecodableValueAsMiss(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "task:t1", []byte("{not json"), 0))
	cache := NewCache(CacheOptions{Store: store})

	_, err := cache.GetSnapshot(ctx, EntityTask, "t1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryStoreScanSkipsExpiredKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newFakeClock()
	store.now = clock.Now

	require.NoError(t, store.Set(ctx, "team:1", []byte("{}"), time.Second))
	require.NoError(t, store.Set(ctx, "team:2", []byte("{}"), time.Hour))
	clock.Advance(2 * time.Second)

	keys, err := store.Scan(ctx, "team:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"team:2"}, keys)

	_, err = store.Scan(ctx, "[")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
