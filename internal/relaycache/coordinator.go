package relaycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.trai.ch/zerr"
	"golang.org/x/sync/singleflight"
)

type FetchFunc[T any] func(ctx context.Context) (T, error)

type FetchOptions struct {
	// SkipCache bypasses the cache entirely.
	SkipCache bool
	// ForceRefresh fetches, stores and returns the fresh value.
	ForceRefresh bool
	// EntityID enables background validation of cache hits.
	EntityID string
}

type CoordinatorOptions struct {
	Cache    *Cache
	Resolver *ConflictResolver
	Source   SourceClient
	Logger   *slog.Logger
	// BackgroundStrategy is applied to conflicts found by background validation that the
	// resolver did not auto-resolve. Empty leaves them pending for review.
	BackgroundStrategy Resolution
	ValidationTimeout  time.Duration
}

type CoordinatorHealth struct {
	CacheHealthy       bool       `json:"cacheHealthy"`
	CacheError         string     `json:"cacheError,omitempty"`
	Cache              CacheStats `json:"cache"`
	Fetches            int64      `json:"fetches"`
	Validations        int64      `json:"validations"`
	ConflictsFound     int64      `json:"conflictsFound"`
	CacheFailures      int64      `json:"cacheFailures"`
	BackgroundInFlight int64      `json:"backgroundInFlight"`
}

// Coordinator is the read path: cache first, source on miss, background validation on hit.
type Coordinator struct {
	cache             *Cache
	resolver          *ConflictResolver
	source            SourceClient
	logger            *slog.Logger
	strategy          Resolution
	validationTimeout time.Duration

	group    singleflight.Group
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	inFlight sync.Map
	closed   atomic.Bool

	fetches       atomic.Int64
	validations   atomic.Int64
	conflicts     atomic.Int64
	cacheFailures atomic.Int64
	running       atomic.Int64
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	cache := opts.Cache
	if cache == nil {
		cache = NewCache(CacheOptions{Logger: opts.Logger})
	}
	timeout := opts.ValidationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cache:             cache,
		resolver:          opts.Resolver,
		source:            opts.Source,
		logger:            loggerOrDiscard(opts.Logger),
		strategy:          opts.BackgroundStrategy,
		validationTimeout: timeout,
		bgCtx:             bgCtx,
		bgCancel:          bgCancel,
	}
}

func (c *Coordinator) Cache() *Cache {
	return c.cache
}

// GetCachedOrFetch serves key from the cache, falling back to fetch on a miss. Cache failures
// never reach the caller.
func GetCachedOrFetch[T any](ctx context.Context, c *Coordinator, key string, entityType EntityType, fetch FetchFunc[T], opts FetchOptions) (T, error) {
	var zero T
	if fetch == nil {
		return zero, invalidInput("fetch function is required", "key", key)
	}
	ctx, span := startSpan(ctx, "relaycache.get_cached_or_fetch",
		attribute.String("cache.key", key),
		attribute.String("entity.type", string(entityType)))
	value, err := getCachedOrFetch(ctx, c, key, entityType, fetch, opts)
	endSpan(span, err)
	return value, err
}

func getCachedOrFetch[T any](ctx context.Context, c *Coordinator, key string, entityType EntityType, fetch FetchFunc[T], opts FetchOptions) (T, error) {
	var zero T
	if opts.SkipCache {
		c.fetches.Add(1)
		return fetch(ctx)
	}
	if opts.ForceRefresh {
		c.fetches.Add(1)
		value, err := fetch(ctx)
		if err != nil {
			return zero, err
		}
		c.store(ctx, key, entityType, value)
		return value, nil
	}

	var cached T
	err := c.cache.Get(ctx, key, &cached)
	switch {
	case err == nil:
		if opts.EntityID != "" {
			c.spawnValidation(key, entityType, opts.EntityID, cached, func(bg context.Context) (any, error) {
				return fetch(bg)
			})
		}
		return cached, nil
	case errors.Is(err, ErrCacheMiss):
	default:
		c.cacheFailures.Add(1)
		c.logger.WarnContext(ctx, "cache read failed, falling back to source", "key", key, "error", err)
	}

	flightKey := fmt.Sprintf("%s|%T", key, zero)
	// Joined callers share one fetch; it outlives the context of the caller that started it.
	flightCtx := context.WithoutCancel(ctx)
	results := c.group.DoChan(flightKey, func() (any, error) {
		c.fetches.Add(1)
		value, fetchErr := fetch(flightCtx)
		if fetchErr != nil {
			return nil, fetchErr
		}
		c.store(flightCtx, key, entityType, value)
		return value, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Val.(T)
		return value, nil
	}
}

func (c *Coordinator) store(ctx context.Context, key string, entityType EntityType, value any) {
	if err := c.cache.Set(ctx, key, entityType, value); err != nil {
		c.cacheFailures.Add(1)
		c.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}

// spawnValidation re-fetches in the background and hands the pair to the resolver. At most one
// validation per key runs at a time; the caller never waits.
func (c *Coordinator) spawnValidation(key string, entityType EntityType, entityID string, cached any, refetch func(context.Context) (any, error)) {
	if c.resolver == nil || c.closed.Load() {
		return
	}
	if _, busy := c.inFlight.LoadOrStore(key, struct{}{}); busy {
		return
	}
	c.bgWG.Add(1)
	c.running.Add(1)
	go func() {
		defer c.bgWG.Done()
		defer c.running.Add(-1)
		defer c.inFlight.Delete(key)
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Error("background validation panicked", "key", key, "panic", fmt.Sprint(rec))
			}
		}()
		ctx, cancel := context.WithTimeout(c.bgCtx, c.validationTimeout)
		defer cancel()
		c.validate(ctx, key, entityType, entityID, cached, refetch)
	}()
}

func (c *Coordinator) validate(ctx context.Context, key string, entityType EntityType, entityID string, cached any, refetch func(context.Context) (any, error)) {
	c.validations.Add(1)
	cachedSnap, err := toSnapshot(cached)
	if err != nil || cachedSnap == nil {
		return
	}
	if cachedSnap.IsProvisional() {
		return
	}
	fresh, err := refetch(ctx)
	if err != nil {
		c.logger.DebugContext(ctx, "background validation fetch failed", "key", key, "error", err)
		return
	}
	freshSnap, err := toSnapshot(fresh)
	if err != nil || freshSnap == nil {
		return
	}

	conflict := c.resolver.DetectConflict(ctx, entityType, entityID, cachedSnap, freshSnap)
	if conflict == nil {
		marker := c.resolver.Policy().LastModifiedField
		if freshSnap.String(marker) != "" && freshSnap.String(marker) != cachedSnap.String(marker) {
			c.store(ctx, key, entityType, freshSnap)
		}
		return
	}
	c.conflicts.Add(1)

	switch {
	case conflict.Resolution != ResolutionPending:
		if key != Key(entityType, entityID) && conflict.ResolvedSnapshot != nil {
			c.store(ctx, key, entityType, conflict.ResolvedSnapshot)
		}
	case c.strategy.IsStrategy():
		resolved, err := c.resolver.ResolveConflict(ctx, conflict, c.strategy)
		if err != nil {
			zerr.Log(ctx, c.logger, zerr.With(zerr.Wrap(err, "background resolution failed"), "key", key))
			return
		}
		c.store(ctx, key, entityType, resolved)
	}
}

// Invalidate drops one entity from the cache.
func (c *Coordinator) Invalidate(ctx context.Context, entityType EntityType, id string) error {
	return c.cache.Delete(ctx, Key(entityType, id))
}

// InvalidateType drops every cached entity of a type.
func (c *Coordinator) InvalidateType(ctx context.Context, entityType EntityType) (int, error) {
	return c.cache.InvalidatePattern(ctx, string(entityType)+":*")
}

// Warm loads every entity of a type from the source and caches it. Entries with unsynced local
// writes are left alone.
func (c *Coordinator) Warm(ctx context.Context, entityType EntityType) (int, error) {
	if c.source == nil {
		return 0, zerr.Wrap(ErrInvalidInput, "coordinator has no source client")
	}
	ctx, span := startSpan(ctx, "relaycache.warm", attribute.String("entity.type", string(entityType)))
	entities, err := c.source.FetchAll(ctx, entityType, nil)
	if err != nil {
		endSpan(span, err)
		return 0, zerr.With(zerr.Wrap(err, "warm cache"), "entity_type", string(entityType))
	}
	stored := 0
	for _, entity := range entities {
		id := entity.ID()
		if id == "" {
			continue
		}
		if _, err := c.cache.SetSettled(ctx, entityType, id, entity); err != nil {
			c.cacheFailures.Add(1)
			c.logger.WarnContext(ctx, "cache write failed during warm", "entity_type", entityType, "entity_id", id, "error", err)
			continue
		}
		stored++
	}
	endSpan(span, nil)
	c.logger.InfoContext(ctx, "cache warmed", "entity_type", entityType, "entities", stored)
	return stored, nil
}

func (c *Coordinator) Health(ctx context.Context) CoordinatorHealth {
	health := CoordinatorHealth{
		CacheHealthy:       true,
		Cache:              c.cache.Stats(),
		Fetches:            c.fetches.Load(),
		Validations:        c.validations.Load(),
		ConflictsFound:     c.conflicts.Load(),
		CacheFailures:      c.cacheFailures.Load(),
		BackgroundInFlight: c.running.Load(),
	}
	if err := c.cache.Ping(ctx); err != nil {
		health.CacheHealthy = false
		health.CacheError = err.Error()
	}
	return health
}

// Wait blocks until every background validation spawned so far has finished.
func (c *Coordinator) Wait() {
	c.bgWG.Wait()
}

// Close cancels background validations and waits for them to stop.
func (c *Coordinator) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.bgCancel()
	c.bgWG.Wait()
	return nil
}

func toSnapshot(value any) (Snapshot, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case Snapshot:
		return typed, nil
	case map[string]any:
		return Snapshot(typed), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return snap, nil
}
