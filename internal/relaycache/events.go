package relaycache

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventIDRemapped          EventType = "id_remapped"
	EventWriteSucceeded      EventType = "write_succeeded"
	EventWriteFailed         EventType = "write_failed"
	EventWriteRetryScheduled EventType = "write_retry_scheduled"
	EventWriteOrphaned       EventType = "write_orphaned"
	EventConflictDetected    EventType = "conflict_detected"
	EventConflictResolved    EventType = "conflict_resolved"
)

type Event struct {
	Type       EventType      `json:"type"`
	EntityType EntityType     `json:"entityType,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// EventBus fans events out to subscribers. A subscriber that falls behind loses events rather
// than blocking publishers.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Int64
	now     func() time.Time
}

func NewEventBus() *EventBus {
	return &EventBus{
		subs: map[uint64]chan Event{},
		now:  time.Now,
	}
}

// Subscribe returns a channel of events and a cancel function that closes it.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
