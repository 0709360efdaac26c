package relaycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.trai.ch/zerr"
)

type ConflictResolverOptions struct {
	Cache  *Cache
	Ledger Ledger
	Policy *ConflictPolicy
	Events *EventBus
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// ConflictResolver detects divergence between cached and fresh snapshots and applies resolution
// strategies. It also decides what a terminal write failure means for cached state.
type ConflictResolver struct {
	cache  *Cache
	ledger Ledger
	events *EventBus
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	policy atomic.Pointer[ConflictPolicy]
	// mu serializes in-place updates of Conflict records.
	mu sync.Mutex
}

func NewConflictResolver(opts ConflictResolverOptions) *ConflictResolver {
	ledger := opts.Ledger
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return "conflict_" + uuid.NewString() }
	}
	r := &ConflictResolver{
		cache:  opts.Cache,
		ledger: ledger,
		events: opts.Events,
		logger: loggerOrDiscard(opts.Logger),
		now:    now,
		newID:  newID,
	}
	policy := DefaultConflictPolicy()
	if opts.Policy != nil {
		policy = opts.Policy.normalized()
	}
	r.policy.Store(&policy)
	return r
}

func (r *ConflictResolver) Policy() ConflictPolicy {
	return *r.policy.Load()
}

// SetPolicy swaps the classification policy. Safe to call while detections run.
func (r *ConflictResolver) SetPolicy(policy ConflictPolicy) {
	policy = policy.normalized()
	r.policy.Store(&policy)
}

func (r *ConflictResolver) Ledger() Ledger {
	return r.ledger
}

// DetectConflict returns nil when the snapshots agree, when either is missing, or when the
// last-modified markers are absent or equal. Any failure while comparing is logged and treated
// as no conflict.
func (r *ConflictResolver) DetectConflict(ctx context.Context, entityType EntityType, entityID string, cached, fresh Snapshot) (conflict *Conflict) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "conflict detection failed",
				"entity_type", entityType, "entity_id", entityID, "panic", fmt.Sprint(rec))
			conflict = nil
		}
	}()

	if cached == nil || fresh == nil {
		return nil
	}
	policy := r.Policy()
	cachedMarker := cached.String(policy.LastModifiedField)
	freshMarker := fresh.String(policy.LastModifiedField)
	if cachedMarker == "" || freshMarker == "" || cachedMarker == freshMarker {
		return nil
	}

	affected, err := diffFields(cached, fresh, policy.LastModifiedField)
	if err != nil {
		zerr.Log(ctx, r.logger, zerr.With(zerr.Wrap(err, "conflict detection failed"), "entity_id", entityID))
		return nil
	}
	if len(affected) == 0 {
		return nil
	}

	if existing := r.findPendingDivergence(ctx, entityType, entityID, policy.LastModifiedField, cachedMarker, freshMarker); existing != nil {
		return existing
	}

	sourceID := fresh.String("sourceId")
	if sourceID == "" {
		sourceID = entityID
	}
	conflict = &Conflict{
		ID:             r.newID(),
		EntityType:     entityType,
		EntityID:       entityID,
		SourceID:       sourceID,
		Resolution:     ResolutionPending,
		LocalSnapshot:  cached.Clone(),
		RemoteSnapshot: fresh.Clone(),
		DetectedAt:     r.now().UTC(),
		AffectedFields: affected,
		Severity:       classifySeverity(policy, affected),
	}
	if err := r.ledger.Append(ctx, *conflict); err != nil {
		zerr.Log(ctx, r.logger, zerr.With(zerr.Wrap(err, "record conflict"), "conflict_id", conflict.ID))
	}
	r.logger.InfoContext(ctx, "conflict detected",
		"conflict_id", conflict.ID,
		"entity_type", entityType,
		"entity_id", entityID,
		"severity", conflict.Severity,
		"affected_fields", affected)
	r.publish(EventConflictDetected, conflict)

	if !policy.autoResolves(conflict.Severity) {
		return conflict
	}
	resolved, err := r.resolve(ctx, conflict, policy.AutoResolveStrategy, true)
	if err != nil {
		zerr.Log(ctx, r.logger, err)
		return conflict
	}
	if r.cache != nil {
		if err := r.cache.SetSnapshot(ctx, entityType, entityID, resolved); err != nil {
			zerr.Log(ctx, r.logger, zerr.Wrap(err, "write auto-resolved snapshot"))
		}
	}
	return conflict
}

// findPendingDivergence returns the pending conflict already recorded for the same pair of
// last-modified markers, if any.
func (r *ConflictResolver) findPendingDivergence(ctx context.Context, entityType EntityType, entityID, marker, cachedMarker, freshMarker string) *Conflict {
	pending, err := r.ledger.FindPending(ctx)
	if err != nil {
		zerr.Log(ctx, r.logger, zerr.With(zerr.Wrap(err, "look up pending conflicts"), "entity_id", entityID))
		return nil
	}
	for i := range pending {
		c := pending[i]
		if c.EntityType != entityType || c.EntityID != entityID {
			continue
		}
		if c.LocalSnapshot.String(marker) == cachedMarker && c.RemoteSnapshot.String(marker) == freshMarker {
			r.logger.DebugContext(ctx, "conflict already pending", "conflict_id", c.ID, "entity_id", entityID)
			return &c
		}
	}
	return nil
}

// ClassifySeverity applies the current policy to a set of affected fields.
func (r *ConflictResolver) ClassifySeverity(affected []string) Severity {
	return classifySeverity(r.Policy(), affected)
}

func classifySeverity(policy ConflictPolicy, affected []string) Severity {
	critical := toSet(policy.CriticalFields)
	important := toSet(policy.ImportantFields)
	importantCount := 0
	for _, field := range affected {
		if _, ok := critical[field]; ok {
			return SeverityHigh
		}
		if _, ok := important[field]; ok {
			importantCount++
		}
	}
	if importantCount > 0 {
		return SeverityMedium
	}
	return SeverityLow
}

// ResolveConflict applies strategy, updates the conflict in place and persists it. Resolving an
// already resolved conflict with the same strategy returns the stored snapshot.
func (r *ConflictResolver) ResolveConflict(ctx context.Context, conflict *Conflict, strategy Resolution) (Snapshot, error) {
	return r.resolve(ctx, conflict, strategy, true)
}

// ResolvePending resolves a ledger conflict on behalf of a reviewer and writes the result to the
// cache.
func (r *ConflictResolver) ResolvePending(ctx context.Context, conflictID string, strategy Resolution) (Conflict, error) {
	conflict, err := r.ledger.Get(ctx, conflictID)
	if err != nil {
		return Conflict{}, err
	}
	resolved, err := r.resolve(ctx, &conflict, strategy, false)
	if err != nil {
		return Conflict{}, err
	}
	if r.cache != nil {
		if err := r.cache.SetSnapshot(ctx, conflict.EntityType, conflict.EntityID, resolved); err != nil {
			zerr.Log(ctx, r.logger, zerr.Wrap(err, "write reviewed snapshot"))
		}
	}
	return conflict, nil
}

func (r *ConflictResolver) resolve(ctx context.Context, conflict *Conflict, strategy Resolution, auto bool) (Snapshot, error) {
	if conflict == nil {
		return nil, invalidInput("conflict is required", "strategy", string(strategy))
	}
	if !strategy.IsStrategy() {
		return nil, invalidInput("unknown resolution strategy", "strategy", string(strategy))
	}

	r.mu.Lock()
	if conflict.Resolution != ResolutionPending {
		defer r.mu.Unlock()
		if conflict.Resolution == strategy && conflict.ResolvedSnapshot != nil {
			return conflict.ResolvedSnapshot.Clone(), nil
		}
		return nil, zerr.With(zerr.With(zerr.Wrap(ErrConflictAlreadyResolved, "resolve conflict"),
			"conflict_id", conflict.ID), "resolution", string(conflict.Resolution))
	}
	var resolved Snapshot
	switch strategy {
	case ResolutionNotionWins:
		resolved = conflict.RemoteSnapshot.Clone()
	case ResolutionLocalWins:
		resolved = conflict.LocalSnapshot.Clone()
	case ResolutionMerged:
		resolved = mergeSnapshots(conflict.LocalSnapshot, conflict.RemoteSnapshot)
	}
	if resolved == nil {
		resolved = Snapshot{}
	}
	resolvedAt := r.now().UTC()
	conflict.Resolution = strategy
	conflict.ResolvedAt = &resolvedAt
	conflict.AutoResolved = auto
	conflict.ResolvedSnapshot = resolved
	record := copyConflict(*conflict)
	r.mu.Unlock()

	if err := r.ledger.UpdateResolution(ctx, record); err != nil {
		zerr.Log(ctx, r.logger, zerr.With(zerr.Wrap(err, "persist conflict resolution"), "conflict_id", record.ID))
	}
	r.logger.InfoContext(ctx, "conflict resolved",
		"conflict_id", record.ID,
		"resolution", strategy,
		"auto_resolved", auto)
	r.publish(EventConflictResolved, &record)
	return resolved.Clone(), nil
}

// MarkFailed moves a pending conflict to the failed resolution.
func (r *ConflictResolver) MarkFailed(ctx context.Context, conflict *Conflict, cause error) error {
	if conflict == nil {
		return ErrInvalidInput
	}
	r.mu.Lock()
	if conflict.Resolution != ResolutionPending {
		r.mu.Unlock()
		return zerr.With(zerr.Wrap(ErrConflictAlreadyResolved, "mark conflict failed"), "conflict_id", conflict.ID)
	}
	at := r.now().UTC()
	conflict.Resolution = ResolutionFailed
	conflict.ResolvedAt = &at
	if cause != nil {
		conflict.FailureReason = cause.Error()
	}
	record := copyConflict(*conflict)
	r.mu.Unlock()
	return r.ledger.UpdateResolution(ctx, record)
}

func (r *ConflictResolver) GetPendingConflicts(ctx context.Context) ([]Conflict, error) {
	return r.ledger.FindPending(ctx)
}

func (r *ConflictResolver) GetConflictStats(ctx context.Context, sinceDays int) (ConflictStats, error) {
	return r.ledger.AggregateStats(ctx, sinceDays)
}

// ApplyWriteFailure rolls cached state back after a queued write failed for good. A failed create
// leaves nothing behind. A failed update keeps the optimistic view flagged with the error, and a
// failed delete brings the previous snapshot back flagged the same way.
func (r *ConflictResolver) ApplyWriteFailure(ctx context.Context, item QueueItem, cause error) error {
	if r.cache == nil {
		return nil
	}
	message := "sync failed"
	if cause != nil {
		message = cause.Error()
	}
	switch item.Operation {
	case OperationCreate:
		return r.cache.Delete(ctx, Key(item.EntityType, item.EntityID))
	case OperationUpdate:
		current, err := r.cache.GetSnapshot(ctx, item.EntityType, item.EntityID)
		if err != nil && !errors.Is(err, ErrCacheMiss) {
			return err
		}
		if current == nil {
			current = Snapshot(item.Payload).With(map[string]any{FieldID: item.EntityID})
		}
		return r.cache.SetSnapshot(ctx, item.EntityType, item.EntityID, annotateSyncError(current, message))
	case OperationDelete:
		if item.PreviousSnapshot == nil {
			return nil
		}
		return r.cache.SetSnapshot(ctx, item.EntityType, item.EntityID, annotateSyncError(item.PreviousSnapshot, message))
	default:
		return invalidInput("unknown queue operation", "operation", string(item.Operation))
	}
}

func annotateSyncError(snap Snapshot, message string) Snapshot {
	out := snap.Without(MarkerPendingSync)
	out[MarkerSyncError] = true
	out[MarkerSyncErrorMessage] = message
	return out
}

func (r *ConflictResolver) publish(eventType EventType, conflict *Conflict) {
	if r.events == nil {
		return
	}
	r.events.Publish(Event{
		Type:       eventType,
		EntityType: conflict.EntityType,
		EntityID:   conflict.EntityID,
		Data: map[string]any{
			"conflictId":     conflict.ID,
			"severity":       conflict.Severity,
			"resolution":     conflict.Resolution,
			"affectedFields": conflict.AffectedFields,
			"autoResolved":   conflict.AutoResolved,
		},
	})
}

// diffFields returns the sorted union of top-level keys whose serialized values differ. Local
// markers (leading underscore) and the last-modified field itself are ignored.
func diffFields(a, b Snapshot, lastModifiedField string) ([]string, error) {
	keys := map[string]struct{}{}
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	affected := []string{}
	for k := range keys {
		if k == lastModifiedField || strings.HasPrefix(k, "_") {
			continue
		}
		av, aok := a[k]
		bv, bok := b[k]
		if aok != bok {
			affected = append(affected, k)
			continue
		}
		af, err := fingerprint(av)
		if err != nil {
			return nil, zerr.With(err, "field", k)
		}
		bf, err := fingerprint(bv)
		if err != nil {
			return nil, zerr.With(err, "field", k)
		}
		if af != bf {
			affected = append(affected, k)
		}
	}
	sort.Strings(affected)
	return affected, nil
}

func fingerprint(v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
