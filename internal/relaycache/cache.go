package relaycache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.trai.ch/zerr"
)

// KeyValueStore is the TTL-bearing backend behind Cache. Implementations must report absent or
// expired keys with ErrCacheMiss.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

var defaultEntityTTLs = map[EntityType]time.Duration{
	EntityTask:    300 * time.Second,
	EntityProject: 600 * time.Second,
	EntityMember:  1800 * time.Second,
	EntityTeam:    1800 * time.Second,
	EntityClient:  3600 * time.Second,
}

type CacheOptions struct {
	Store      KeyValueStore
	TTLs       map[EntityType]time.Duration
	DefaultTTL time.Duration
	Logger     *slog.Logger
}

type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hitRate"`
}

// Cache stores entity snapshots as JSON blobs with entity-type TTLs.
type Cache struct {
	store      KeyValueStore
	ttls       map[EntityType]time.Duration
	defaultTTL time.Duration
	logger     *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

func NewCache(opts CacheOptions) *Cache {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	ttls := make(map[EntityType]time.Duration, len(defaultEntityTTLs))
	for t, ttl := range defaultEntityTTLs {
		ttls[t] = ttl
	}
	for t, ttl := range opts.TTLs {
		if ttl > 0 {
			ttls[t] = ttl
		}
	}
	defaultTTL := opts.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 300 * time.Second
	}
	return &Cache{
		store:      store,
		ttls:       ttls,
		defaultTTL: defaultTTL,
		logger:     loggerOrDiscard(opts.Logger),
	}
}

// Key composes "<entityType>:<discriminator>".
func Key(entityType EntityType, discriminator string) string {
	return string(entityType) + ":" + discriminator
}

func (c *Cache) TTL(entityType EntityType) time.Duration {
	if ttl, ok := c.ttls[entityType]; ok {
		return ttl
	}
	return c.defaultTTL
}

// Get decodes the JSON stored under key into dst.
func (c *Cache) Get(ctx context.Context, key string, dst any) error {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			c.misses.Add(1)
			return err
		}
		c.errors.Add(1)
		return c.unavailable(err, "cache get failed", key)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.misses.Add(1)
		return zerr.With(zerr.Wrap(ErrCacheMiss, "cached value is not decodable: "+err.Error()), "key", key)
	}
	c.hits.Add(1)
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, entityType EntityType, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "encode cache value"), "key", key)
	}
	if err := c.store.Set(ctx, key, data, c.TTL(entityType)); err != nil {
		c.errors.Add(1)
		return c.unavailable(err, "cache set failed", key)
	}
	return nil
}

func (c *Cache) GetSnapshot(ctx context.Context, entityType EntityType, id string) (Snapshot, error) {
	var snap Snapshot
	if err := c.Get(ctx, Key(entityType, id), &snap); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrCacheMiss
	}
	return snap, nil
}

func (c *Cache) SetSnapshot(ctx context.Context, entityType EntityType, id string, snap Snapshot) error {
	return c.Set(ctx, Key(entityType, id), entityType, snap)
}

// SetSettled stores snap unless the cached entry carries an unsynced local write. It returns the
// snapshot the cache holds afterwards.
func (c *Cache) SetSettled(ctx context.Context, entityType EntityType, id string, snap Snapshot) (Snapshot, error) {
	current, err := c.GetSnapshot(ctx, entityType, id)
	switch {
	case err == nil && current.IsProvisional():
		return current, nil
	case err != nil && !errors.Is(err, ErrCacheMiss):
		return snap, err
	}
	if err := c.SetSnapshot(ctx, entityType, id, snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.errors.Add(1)
		return c.unavailable(err, "cache delete failed", keys[0])
	}
	return nil
}

// InvalidatePattern deletes every key matching a glob pattern such as "task:*".
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := c.store.Scan(ctx, pattern)
	if err != nil {
		c.errors.Add(1)
		return 0, c.unavailable(err, "cache scan failed", pattern)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return zerr.Wrap(ErrCacheUnavailable, err.Error())
	}
	return nil
}

func (c *Cache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses, Errors: c.errors.Load()}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) unavailable(cause error, msg, key string) error {
	if errors.Is(cause, ErrCacheUnavailable) {
		return cause
	}
	return zerr.With(zerr.Wrap(ErrCacheUnavailable, msg+": "+cause.Error()), "key", key)
}

func loggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.DiscardHandler)
}
