package relaycache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// FetchFilter narrows FetchAll. Properties are matched for equality by the client.
type FetchFilter struct {
	Properties    map[string]any
	ModifiedSince time.Time
}

// SourceClient reaches the source of record. Failures are *SourceError values carrying an HTTP
// status code.
type SourceClient interface {
	FetchEntity(ctx context.Context, entityType EntityType, id string) (Snapshot, error)
	FetchAll(ctx context.Context, entityType EntityType, filter *FetchFilter) ([]Snapshot, error)
	Create(ctx context.Context, entityType EntityType, payload map[string]any) (Snapshot, error)
	Update(ctx context.Context, entityType EntityType, id string, payload map[string]any) (Snapshot, error)
	Archive(ctx context.Context, entityType EntityType, id string) (Snapshot, error)
}

const DefaultMinInterval = 334 * time.Millisecond

// Throttle enforces a minimum spacing between calls to the source of record. Every component
// that talks to the source shares one Throttle.
type Throttle struct {
	limiter *rate.Limiter
	waits   atomic.Int64
}

func NewThrottle(minInterval time.Duration) *Throttle {
	if minInterval <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.waits.Add(1)
	return t.limiter.Wait(ctx)
}

// Calls is the number of calls that passed through the gate.
func (t *Throttle) Calls() int64 {
	if t == nil {
		return 0
	}
	return t.waits.Load()
}
