package relaycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeSource is an in-memory SourceClient with scripted failures.
type fakeSource struct {
	mu       sync.Mutex
	entities map[EntityType]map[string]Snapshot
	nextID   int

	fetchEntityCalls int
	fetchAllCalls    map[EntityType]int
	createCalls      int
	updateCalls      int
	archiveCalls     int

	fetchAllErr map[EntityType]error
	// writeErrs is consumed one error per write call; nil entries succeed.
	writeErrs []error
	block     chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		entities:      map[EntityType]map[string]Snapshot{},
		fetchAllCalls: map[EntityType]int{},
		fetchAllErr:   map[EntityType]error{},
	}
}

func (f *fakeSource) put(entityType EntityType, snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entities[entityType] == nil {
		f.entities[entityType] = map[string]Snapshot{}
	}
	f.entities[entityType][snap.ID()] = snap.Clone()
}

func (f *fakeSource) get(entityType EntityType, id string) Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[entityType][id].Clone()
}

func (f *fakeSource) failWrites(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErrs = append(f.writeErrs, errs...)
}

func (f *fakeSource) nextWriteErr() error {
	if len(f.writeErrs) == 0 {
		return nil
	}
	err := f.writeErrs[0]
	f.writeErrs = f.writeErrs[1:]
	return err
}

func (f *fakeSource) counts() (fetchEntity, create, update, archive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchEntityCalls, f.createCalls, f.updateCalls, f.archiveCalls
}

func (f *fakeSource) fetchAllCount(entityType EntityType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchAllCalls[entityType]
}

func (f *fakeSource) FetchEntity(ctx context.Context, entityType EntityType, id string) (Snapshot, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchEntityCalls++
	snap, ok := f.entities[entityType][id]
	if !ok {
		return nil, &SourceError{StatusCode: 404, Code: "object_not_found", Message: id}
	}
	return snap.Clone(), nil
}

func (f *fakeSource) FetchAll(_ context.Context, entityType EntityType, _ *FetchFilter) ([]Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchAllCalls[entityType]++
	if err := f.fetchAllErr[entityType]; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(f.entities[entityType]))
	for _, snap := range f.entities[entityType] {
		out = append(out, snap.Clone())
	}
	return out, nil
}

func (f *fakeSource) Create(_ context.Context, entityType EntityType, payload map[string]any) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err := f.nextWriteErr(); err != nil {
		return nil, err
	}
	f.nextID++
	snap := Snapshot(payload).With(map[string]any{
		FieldID:                  fmt.Sprintf("page-%d", f.nextID),
		DefaultLastModifiedField: time.Date(2026, 1, 1, 0, 0, f.nextID, 0, time.UTC).Format(time.RFC3339),
	})
	if f.entities[entityType] == nil {
		f.entities[entityType] = map[string]Snapshot{}
	}
	f.entities[entityType][snap.ID()] = snap
	return snap.Clone(), nil
}

func (f *fakeSource) Update(_ context.Context, entityType EntityType, id string, payload map[string]any) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if err := f.nextWriteErr(); err != nil {
		return nil, err
	}
	current, ok := f.entities[entityType][id]
	if !ok {
		return nil, &SourceError{StatusCode: 404, Code: "object_not_found", Message: id}
	}
	updated := current.With(payload)
	f.entities[entityType][id] = updated
	return updated.Clone(), nil
}

func (f *fakeSource) Archive(_ context.Context, entityType EntityType, id string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archiveCalls++
	if err := f.nextWriteErr(); err != nil {
		return nil, err
	}
	current, ok := f.entities[entityType][id]
	if !ok {
		return nil, &SourceError{StatusCode: 404, Code: "object_not_found", Message: id}
	}
	delete(f.entities[entityType], id)
	return current.With(map[string]any{"archived": true}), nil
}

var errStoreDown = errors.New("connection refused")

// failingStore is a KeyValueStore whose every call fails.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error)              { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error { return errStoreDown }
func (failingStore) Delete(context.Context, ...string) error                  { return errStoreDown }
func (failingStore) Scan(context.Context, string) ([]string, error)           { return nil, errStoreDown }
func (failingStore) Ping(context.Context) error                               { return errStoreDown }
func (failingStore) Close() error                                             { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}
