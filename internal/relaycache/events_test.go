package relaycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusFansOut(t *testing.T) {
	bus := NewEventBus()
	bus.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	first, cancelFirst := bus.Subscribe(4)
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe(4)
	defer cancelSecond()

	bus.Publish(Event{Type: EventIDRemapped, EntityType: EntityTask, EntityID: "page-1"})

	for i, ch := range []<-chan Event{first, second} {
		require.Len(t, ch, 1, "subscriber %d", i)
		event := <-ch
		assert.Equal(t, EventIDRemapped, event.Type)
		assert.Equal(t, "page-1", event.EntityID)
		assert.False(t, event.Timestamp.IsZero())
	}
}

func TestEventBusDropsForSlowSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: EventWriteSucceeded})
	bus.Publish(Event{Type: EventWriteFailed})

	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, EventWriteSucceeded, (<-ch).Type, "the first event is kept")
}

func TestEventBusCancelClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe(0)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	bus.Publish(Event{Type: EventConflictDetected})
	assert.Zero(t, bus.Dropped(), "cancelled subscribers are skipped")

	var nilBus *EventBus
	nilBus.Publish(Event{Type: EventConflictResolved})
}
