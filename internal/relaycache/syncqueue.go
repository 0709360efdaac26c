package relaycache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.trai.ch/zerr"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

type QueueItemStatus string

const (
	StatusQueued     QueueItemStatus = "queued"
	StatusProcessing QueueItemStatus = "processing"
	StatusSucceeded  QueueItemStatus = "succeeded"
	StatusFailed     QueueItemStatus = "failed"
)

// QueueItem is one pending write. ID identifies the operation; EntityID is the temporary or real
// id of the entity it targets.
type QueueItem struct {
	ID               string          `json:"id"`
	EntityID         string          `json:"entityId"`
	Operation        Operation       `json:"operation"`
	EntityType       EntityType      `json:"entityType"`
	Payload          map[string]any  `json:"payload,omitempty"`
	PreviousSnapshot Snapshot        `json:"previousSnapshot,omitempty"`
	Attempts         int             `json:"attempts"`
	LastAttemptAt    *time.Time      `json:"lastAttemptAt,omitempty"`
	EnqueuedAt       time.Time       `json:"enqueuedAt"`
	NextAttemptAt    time.Time       `json:"nextAttemptAt"`
	Status           QueueItemStatus `json:"status"`
	LastError        string          `json:"lastError,omitempty"`
	ResultID         string          `json:"resultId,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

func (i QueueItem) clone() QueueItem {
	i.Payload = map[string]any(Snapshot(i.Payload).Clone())
	i.PreviousSnapshot = i.PreviousSnapshot.Clone()
	if i.LastAttemptAt != nil {
		at := *i.LastAttemptAt
		i.LastAttemptAt = &at
	}
	if i.CompletedAt != nil {
		at := *i.CompletedAt
		i.CompletedAt = &at
	}
	return i
}

type QueuedWrite struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

type QueueMetrics struct {
	Queued          int64   `json:"queued"`
	Processed       int64   `json:"processed"`
	Failed          int64   `json:"failed"`
	Retries         int64   `json:"retries"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`
}

type QueueStatus struct {
	QueueLength int          `json:"queueLength"`
	Processing  bool         `json:"processing"`
	Items       []QueueItem  `json:"items"`
	Failed      []QueueItem  `json:"failed"`
	Metrics     QueueMetrics `json:"metrics"`
}

type SyncQueueOptions struct {
	Cache     *Cache
	Source    SourceClient
	Resolver  *ConflictResolver
	Journal   Journal
	Validator *PayloadValidator
	Events    *EventBus
	Logger    *slog.Logger

	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	RemoteTimeout time.Duration
	HistoryLimit  int
	HistoryWindow time.Duration

	Now   func() time.Time
	NewID func() string
}

const processingSamples = 100

// SyncQueue applies writes to the cache optimistically and flushes them to the source of record
// one at a time, in enqueue order.
type SyncQueue struct {
	cache     *Cache
	source    SourceClient
	resolver  *ConflictResolver
	journal   Journal
	validator *PayloadValidator
	events    *EventBus
	logger    *slog.Logger

	maxAttempts   int
	backoffBase   time.Duration
	backoffCap    time.Duration
	remoteTimeout time.Duration
	historyLimit  int
	historyWindow time.Duration
	now           func() time.Time
	newID         func() string

	mu     sync.Mutex
	items  []*QueueItem
	failed []QueueItem

	journalMu sync.Mutex
	wake      chan struct{}

	processing atomic.Bool
	closed     atomic.Bool
	started    atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}

	queued    atomic.Int64
	processed atomic.Int64
	failures  atomic.Int64
	retries   atomic.Int64

	durMu     sync.Mutex
	durations []time.Duration
	durNext   int
	durSum    time.Duration
}

func NewSyncQueue(opts SyncQueueOptions) *SyncQueue {
	cache := opts.Cache
	if cache == nil {
		cache = NewCache(CacheOptions{Logger: opts.Logger})
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewConflictResolver(ConflictResolverOptions{Cache: cache, Events: opts.Events, Logger: opts.Logger})
	}
	journal := opts.Journal
	if journal == nil {
		journal = NewMemoryJournal()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	backoffCap := opts.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	remoteTimeout := opts.RemoteTimeout
	if remoteTimeout <= 0 {
		remoteTimeout = 30 * time.Second
	}
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 100
	}
	historyWindow := opts.HistoryWindow
	if historyWindow <= 0 {
		historyWindow = 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &SyncQueue{
		cache:         cache,
		source:        opts.Source,
		resolver:      resolver,
		journal:       journal,
		validator:     opts.Validator,
		events:        opts.Events,
		logger:        loggerOrDiscard(opts.Logger),
		maxAttempts:   maxAttempts,
		backoffBase:   backoffBase,
		backoffCap:    backoffCap,
		remoteTimeout: remoteTimeout,
		historyLimit:  historyLimit,
		historyWindow: historyWindow,
		now:           now,
		newID:         newID,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// EnqueueCreate caches a provisional entity under a temporary id and queues the remote create.
func (q *SyncQueue) EnqueueCreate(ctx context.Context, entityType EntityType, payload map[string]any) (QueuedWrite, error) {
	if err := q.checkWrite(entityType, OperationCreate, payload); err != nil {
		return QueuedWrite{}, err
	}
	tempID := TemporaryIDPrefix + q.newID()
	provisional := Snapshot(payload).With(map[string]any{
		FieldID:           tempID,
		MarkerTemporary:   true,
		MarkerPendingSync: true,
	})
	q.writeCache(ctx, entityType, tempID, provisional)

	item := q.newItem(OperationCreate, entityType, tempID, payload)
	if err := q.append(ctx, item); err != nil {
		_ = q.cache.Delete(ctx, Key(entityType, tempID))
		return QueuedWrite{}, err
	}
	return QueuedWrite{ID: tempID, Queued: true}, nil
}

// EnqueueUpdate merges payload over the cached view and queues the remote update.
func (q *SyncQueue) EnqueueUpdate(ctx context.Context, entityType EntityType, id string, payload map[string]any) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, invalidInput("entity id is required", "entity_type", string(entityType))
	}
	if err := q.checkWrite(entityType, OperationUpdate, payload); err != nil {
		return false, err
	}
	current, err := q.cache.GetSnapshot(ctx, entityType, id)
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		q.logger.WarnContext(ctx, "cache read failed before optimistic update", "entity_id", id, "error", err)
	}
	if current == nil {
		current = Snapshot{FieldID: id}
	}
	optimistic := current.Without(MarkerSyncError, MarkerSyncErrorMessage).With(payload).With(map[string]any{
		FieldID:           id,
		MarkerPendingSync: true,
	})
	q.writeCache(ctx, entityType, id, optimistic)

	if err := q.append(ctx, q.newItem(OperationUpdate, entityType, id, payload)); err != nil {
		return false, err
	}
	return true, nil
}

// EnqueueDelete removes the cached entity immediately and queues the remote archive. The removed
// snapshot is kept so a failed delete can restore it.
func (q *SyncQueue) EnqueueDelete(ctx context.Context, entityType EntityType, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, invalidInput("entity id is required", "entity_type", string(entityType))
	}
	if err := q.checkWrite(entityType, OperationDelete, nil); err != nil {
		return false, err
	}
	previous, err := q.cache.GetSnapshot(ctx, entityType, id)
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		q.logger.WarnContext(ctx, "cache read failed before optimistic delete", "entity_id", id, "error", err)
	}
	if err := q.cache.Delete(ctx, Key(entityType, id)); err != nil {
		q.logger.WarnContext(ctx, "optimistic cache delete failed", "entity_id", id, "error", err)
	}
	item := q.newItem(OperationDelete, entityType, id, nil)
	if previous != nil {
		item.PreviousSnapshot = previous.Without(MarkerPendingSync, MarkerSyncError, MarkerSyncErrorMessage)
	}
	if err := q.append(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyNow performs a write synchronously, bypassing the queue. Failures are returned to the
// caller and the cache is only touched on success.
func (q *SyncQueue) ApplyNow(ctx context.Context, op Operation, entityType EntityType, id string, payload map[string]any) (Snapshot, error) {
	if err := q.checkWrite(entityType, op, payload); err != nil {
		return nil, err
	}
	item := QueueItem{Operation: op, EntityType: entityType, EntityID: id, Payload: payload}
	result, err := q.execute(ctx, item)
	if err != nil {
		return nil, err
	}
	switch op {
	case OperationCreate, OperationUpdate:
		if result != nil && result.ID() != "" {
			q.writeCache(ctx, entityType, result.ID(), result)
		}
	case OperationDelete:
		if err := q.cache.Delete(ctx, Key(entityType, id)); err != nil {
			q.logger.WarnContext(ctx, "cache delete failed after synchronous delete", "entity_id", id, "error", err)
		}
	}
	return result, nil
}

func (q *SyncQueue) checkWrite(entityType EntityType, op Operation, payload map[string]any) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if !entityType.Valid() {
		return invalidInput("unknown entity type", "entity_type", string(entityType))
	}
	if q.source == nil {
		return zerr.Wrap(ErrInvalidInput, "sync queue has no source client")
	}
	if op == OperationDelete || q.validator == nil {
		return nil
	}
	return q.validator.Validate(entityType, op, payload)
}

func (q *SyncQueue) newItem(op Operation, entityType EntityType, entityID string, payload map[string]any) *QueueItem {
	now := q.now().UTC()
	return &QueueItem{
		ID:            "op_" + q.newID(),
		EntityID:      entityID,
		Operation:     op,
		EntityType:    entityType,
		Payload:       map[string]any(Snapshot(payload).Clone()),
		EnqueuedAt:    now,
		NextAttemptAt: now,
		Status:        StatusQueued,
	}
}

func (q *SyncQueue) append(ctx context.Context, item *QueueItem) error {
	q.mu.Lock()
	if q.closed.Load() {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.queued.Add(1)
	q.persist(ctx)
	q.logger.DebugContext(ctx, "write queued",
		"op_id", item.ID,
		"operation", item.Operation,
		"entity_type", item.EntityType,
		"entity_id", item.EntityID)
	q.signal()
	return nil
}

func (q *SyncQueue) writeCache(ctx context.Context, entityType EntityType, id string, snap Snapshot) {
	if err := q.cache.SetSnapshot(ctx, entityType, id, snap); err != nil {
		q.logger.WarnContext(ctx, "cache write failed", "entity_type", entityType, "entity_id", id, "error", err)
	}
}

func (q *SyncQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start restores journaled items and launches the single consumer.
func (q *SyncQueue) Start(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return nil
	}
	restored, err := q.journal.Load(ctx)
	if err != nil {
		q.started.Store(false)
		return zerr.Wrap(err, "load sync queue journal")
	}
	if len(restored) > 0 {
		q.mu.Lock()
		for i := range restored {
			item := restored[i].clone()
			if item.Status == StatusSucceeded || item.Status == StatusFailed {
				continue
			}
			item.Status = StatusQueued
			q.items = append(q.items, &item)
		}
		q.mu.Unlock()
		q.logger.InfoContext(ctx, "sync queue restored", "items", len(restored))
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	go q.run(runCtx)
	return nil
}

func (q *SyncQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		if ctx.Err() != nil {
			return
		}
		wait, ok := q.headWait()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		q.ProcessNext(ctx)
	}
}

func (q *SyncQueue) headWait() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	return q.items[0].NextAttemptAt.Sub(q.now()), true
}

// ProcessNext runs one attempt for the head item if it is due. It reports whether an attempt was
// made. Only one attempt runs at a time.
func (q *SyncQueue) ProcessNext(ctx context.Context) bool {
	if !q.processing.CompareAndSwap(false, true) {
		return false
	}
	defer q.processing.Store(false)

	q.mu.Lock()
	if len(q.items) == 0 || q.now().Before(q.items[0].NextAttemptAt) {
		q.mu.Unlock()
		return false
	}
	head := q.items[0]
	started := q.now().UTC()
	head.Status = StatusProcessing
	head.LastAttemptAt = &started
	item := head.clone()
	q.mu.Unlock()

	ctx, span := startSpan(context.WithoutCancel(ctx), "relaycache.sync_queue.process",
		attribute.String("op.id", item.ID),
		attribute.String("op.operation", string(item.Operation)),
		attribute.String("entity.type", string(item.EntityType)))
	result, err := q.execute(ctx, item)
	q.recordDuration(q.now().Sub(started))
	endSpan(span, err)

	if err == nil {
		q.complete(ctx, item, result)
	} else {
		q.fail(ctx, item, err)
	}
	return true
}

// execute issues the remote call bounded by the remote timeout. A timeout counts as a failure
// like any network error.
func (q *SyncQueue) execute(ctx context.Context, item QueueItem) (Snapshot, error) {
	if item.Operation != OperationCreate && IsTemporaryID(item.EntityID) {
		return nil, invalidInput("entity was never created remotely", "entity_id", item.EntityID)
	}
	callCtx, cancel := context.WithTimeout(ctx, q.remoteTimeout)
	defer cancel()
	payload := stripMarkers(item.Payload)
	switch item.Operation {
	case OperationCreate:
		return q.source.Create(callCtx, item.EntityType, payload)
	case OperationUpdate:
		return q.source.Update(callCtx, item.EntityType, item.EntityID, payload)
	case OperationDelete:
		return q.source.Archive(callCtx, item.EntityType, item.EntityID)
	default:
		return nil, invalidInput("unknown queue operation", "operation", string(item.Operation))
	}
}

func (q *SyncQueue) complete(ctx context.Context, item QueueItem, result Snapshot) {
	switch item.Operation {
	case OperationCreate:
		realID := result.ID()
		if realID == "" {
			q.logger.ErrorContext(ctx, "create returned no id, remote entity may be orphaned",
				"op_id", item.ID,
				"entity_type", item.EntityType,
				"temp_id", item.EntityID,
				"result", map[string]any(result))
			q.publish(EventWriteOrphaned, item, map[string]any{"opId": item.ID, "tempId": item.EntityID, "result": map[string]any(result.Clone())})
			q.fail(ctx, item, zerr.Wrap(ErrSourceValidationRejected, "source returned no id for created entity"))
			return
		}
		item.ResultID = realID
		q.remap(item.EntityID, realID)
		if view, ok := q.settledView(item, realID, result); ok {
			q.writeCache(ctx, item.EntityType, realID, view)
		}
		if err := q.cache.Delete(ctx, Key(item.EntityType, item.EntityID)); err != nil {
			q.logger.WarnContext(ctx, "temporary cache entry not removed", "entity_id", item.EntityID, "error", err)
		}
		q.publish(EventIDRemapped, item, map[string]any{"tempId": item.EntityID, "id": realID})
	case OperationUpdate:
		if result != nil {
			if view, ok := q.settledView(item, item.EntityID, result); ok {
				q.writeCache(ctx, item.EntityType, item.EntityID, view)
			}
		}
	case OperationDelete:
		if err := q.cache.Delete(ctx, Key(item.EntityType, item.EntityID)); err != nil {
			q.logger.WarnContext(ctx, "cache delete failed after archive", "entity_id", item.EntityID, "error", err)
		}
	}

	q.mu.Lock()
	q.removeLocked(item.ID)
	q.mu.Unlock()
	q.processed.Add(1)
	q.persist(ctx)
	q.logger.InfoContext(ctx, "write synced",
		"op_id", item.ID,
		"operation", item.Operation,
		"entity_type", item.EntityType,
		"entity_id", item.EntityID,
		"result_id", item.ResultID)
	q.publish(EventWriteSucceeded, item, map[string]any{"opId": item.ID, "resultId": item.ResultID})
}

// settledView is the cache entry after item succeeded with result. Writes still queued for the
// same entity are laid over it and keep it pending; a queued delete means nothing is written.
func (q *SyncQueue) settledView(item QueueItem, entityID string, result Snapshot) (Snapshot, bool) {
	view := result.Without(MarkerPendingSync, MarkerTemporary)
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := false
	for _, other := range q.items {
		if other.ID == item.ID || other.EntityType != item.EntityType || other.EntityID != entityID {
			continue
		}
		if other.Operation == OperationDelete {
			return nil, false
		}
		view = view.With(other.Payload)
		pending = true
	}
	if pending {
		view = view.With(map[string]any{FieldID: entityID, MarkerPendingSync: true})
	}
	return view, true
}

func (q *SyncQueue) fail(ctx context.Context, item QueueItem, cause error) {
	now := q.now().UTC()
	q.mu.Lock()
	head := q.findLocked(item.ID)
	if head == nil {
		q.mu.Unlock()
		return
	}
	head.Attempts++
	head.LastError = cause.Error()
	if IsRetryable(cause) && head.Attempts < q.maxAttempts {
		head.Status = StatusQueued
		delay := q.backoff(head.Attempts)
		head.NextAttemptAt = now.Add(delay)
		attempts := head.Attempts
		q.mu.Unlock()

		q.retries.Add(1)
		q.persist(ctx)
		q.logger.WarnContext(ctx, "write failed, retry scheduled",
			"op_id", item.ID,
			"entity_id", item.EntityID,
			"attempts", attempts,
			"retry_in", delay,
			"error", cause)
		q.publish(EventWriteRetryScheduled, item, map[string]any{"opId": item.ID, "attempts": attempts, "retryInMs": delay.Milliseconds()})
		return
	}

	head.Status = StatusFailed
	head.CompletedAt = &now
	terminal := head.clone()
	q.removeLocked(item.ID)
	q.recordFailedLocked(terminal)
	var dependents []QueueItem
	if item.Operation == OperationCreate {
		dependents = q.dropDependentsLocked(item.EntityID, now)
	}
	q.mu.Unlock()

	q.failures.Add(int64(1 + len(dependents)))
	if err := q.resolver.ApplyWriteFailure(ctx, terminal, cause); err != nil {
		zerr.Log(ctx, q.logger, zerr.With(zerr.Wrap(err, "rollback after failed write"), "op_id", item.ID))
	}
	q.persist(ctx)
	zerr.Log(ctx, q.logger, zerr.With(zerr.With(zerr.Wrap(cause, "write failed permanently"),
		"op_id", item.ID), "attempts", terminal.Attempts))
	q.publish(EventWriteFailed, terminal, map[string]any{"opId": item.ID, "error": cause.Error(), "attempts": terminal.Attempts})
	for _, dep := range dependents {
		q.publish(EventWriteFailed, dep, map[string]any{"opId": dep.ID, "error": dep.LastError, "attempts": dep.Attempts})
	}
}

// backoff is min(base * 2^attempts, cap).
func (q *SyncQueue) backoff(attempts int) time.Duration {
	delay := q.backoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= q.backoffCap {
			return q.backoffCap
		}
	}
	return delay
}

// remap points queued work for a temporary id at the real id.
func (q *SyncQueue) remap(tempID, realID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.EntityID == tempID {
			item.EntityID = realID
		}
		for key, value := range item.Payload {
			item.Payload[key] = replaceID(value, tempID, realID)
		}
	}
}

func replaceID(value any, tempID, realID string) any {
	switch typed := value.(type) {
	case string:
		if typed == tempID {
			return realID
		}
	case []string:
		out := make([]string, len(typed))
		for i, v := range typed {
			out[i] = v
			if v == tempID {
				out[i] = realID
			}
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = replaceID(v, tempID, realID)
		}
		return out
	}
	return value
}

func (q *SyncQueue) dropDependentsLocked(tempID string, now time.Time) []QueueItem {
	var dropped []QueueItem
	kept := q.items[:0]
	for _, item := range q.items {
		if item.EntityID != tempID {
			kept = append(kept, item)
			continue
		}
		item.Status = StatusFailed
		item.LastError = "create of " + tempID + " failed"
		item.CompletedAt = &now
		failed := item.clone()
		q.recordFailedLocked(failed)
		dropped = append(dropped, failed)
	}
	q.items = kept
	return dropped
}

func (q *SyncQueue) findLocked(id string) *QueueItem {
	for _, item := range q.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (q *SyncQueue) removeLocked(id string) {
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *SyncQueue) recordFailedLocked(item QueueItem) {
	q.failed = append(q.failed, item)
	cutoff := q.now().Add(-q.historyWindow)
	start := 0
	for start < len(q.failed) && q.failed[start].CompletedAt != nil && q.failed[start].CompletedAt.Before(cutoff) {
		start++
	}
	if over := len(q.failed) - start - q.historyLimit; over > 0 {
		start += over
	}
	if start > 0 {
		q.failed = append([]QueueItem(nil), q.failed[start:]...)
	}
}

func (q *SyncQueue) recordDuration(d time.Duration) {
	q.durMu.Lock()
	defer q.durMu.Unlock()
	if len(q.durations) < processingSamples {
		q.durations = append(q.durations, d)
		q.durSum += d
		return
	}
	q.durSum -= q.durations[q.durNext]
	q.durations[q.durNext] = d
	q.durSum += d
	q.durNext = (q.durNext + 1) % processingSamples
}

func (q *SyncQueue) avgProcessingMs() float64 {
	q.durMu.Lock()
	defer q.durMu.Unlock()
	if len(q.durations) == 0 {
		return 0
	}
	return float64(q.durSum.Microseconds()) / float64(len(q.durations)) / 1000
}

// Status is a read-only snapshot of the queue.
func (q *SyncQueue) Status() QueueStatus {
	q.mu.Lock()
	items := make([]QueueItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item.clone())
	}
	failed := make([]QueueItem, 0, len(q.failed))
	for _, item := range q.failed {
		failed = append(failed, item.clone())
	}
	q.mu.Unlock()
	return QueueStatus{
		QueueLength: len(items),
		Processing:  q.processing.Load(),
		Items:       items,
		Failed:      failed,
		Metrics: QueueMetrics{
			Queued:          q.queued.Load(),
			Processed:       q.processed.Load(),
			Failed:          q.failures.Load(),
			Retries:         q.retries.Load(),
			AvgProcessingMs: q.avgProcessingMs(),
		},
	}
}

// Drain waits until no items remain or ctx is done.
func (q *SyncQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		remaining := len(q.items)
		q.mu.Unlock()
		if remaining == 0 && !q.processing.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the consumer after the in-flight attempt and flushes the journal.
func (q *SyncQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	if q.started.Load() {
		q.cancel()
		<-q.done
	}
	q.persist(context.Background())
	return q.journal.Close()
}

func (q *SyncQueue) persist(ctx context.Context) {
	q.journalMu.Lock()
	defer q.journalMu.Unlock()
	q.mu.Lock()
	items := make([]QueueItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item.clone())
	}
	q.mu.Unlock()
	if err := q.journal.Save(ctx, items); err != nil {
		zerr.Log(ctx, q.logger, zerr.Wrap(err, "persist sync queue journal"))
	}
}

func (q *SyncQueue) publish(eventType EventType, item QueueItem, data map[string]any) {
	if q.events == nil {
		return
	}
	q.events.Publish(Event{
		Type:       eventType,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Data:       data,
	})
}

func stripMarkers(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if strings.HasPrefix(k, "_") || k == FieldID {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}
