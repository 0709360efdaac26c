package relaycache

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.trai.ch/zerr"
)

type MemoryLedger struct {
	mu        sync.RWMutex
	order     []string
	conflicts map[string]Conflict
	now       func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		conflicts: map[string]Conflict{},
		now:       time.Now,
	}
}

func (l *MemoryLedger) Append(_ context.Context, conflict Conflict) error {
	if strings.TrimSpace(conflict.ID) == "" {
		return invalidInput("conflict id is required", "entity_id", conflict.EntityID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.conflicts[conflict.ID]; exists {
		return zerr.With(zerr.Wrap(ErrInvalidInput, "conflict already recorded"), "conflict_id", conflict.ID)
	}
	l.order = append(l.order, conflict.ID)
	l.conflicts[conflict.ID] = copyConflict(conflict)
	return nil
}

func (l *MemoryLedger) UpdateResolution(_ context.Context, conflict Conflict) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.conflicts[conflict.ID]
	if !ok {
		return zerr.With(zerr.Wrap(ErrNotFound, "conflict not recorded"), "conflict_id", conflict.ID)
	}
	if current.Resolution != ResolutionPending && current.Resolution != conflict.Resolution {
		return zerr.With(zerr.Wrap(ErrConflictAlreadyResolved, "ledger refuses resolution change"), "conflict_id", conflict.ID)
	}
	current.Resolution = conflict.Resolution
	current.ResolvedAt = conflict.ResolvedAt
	current.AutoResolved = conflict.AutoResolved
	current.ResolvedSnapshot = conflict.ResolvedSnapshot.Clone()
	current.FailureReason = conflict.FailureReason
	l.conflicts[conflict.ID] = current
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (Conflict, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	conflict, ok := l.conflicts[id]
	if !ok {
		return Conflict{}, zerr.With(zerr.Wrap(ErrNotFound, "conflict not recorded"), "conflict_id", id)
	}
	return copyConflict(conflict), nil
}

func (l *MemoryLedger) FindPending(context.Context) ([]Conflict, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pending := []Conflict{}
	for _, id := range l.order {
		if c := l.conflicts[id]; c.Resolution == ResolutionPending {
			pending = append(pending, copyConflict(c))
		}
	}
	return pending, nil
}

func (l *MemoryLedger) AggregateStats(_ context.Context, sinceDays int) (ConflictStats, error) {
	cutoff := statsCutoff(l.now(), sinceDays)
	stats := newConflictStats(sinceDays)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, id := range l.order {
		c := l.conflicts[id]
		if c.DetectedAt.Before(cutoff) {
			continue
		}
		stats.add(conflictStatsRow{
			resolution:   c.Resolution,
			severity:     c.Severity,
			entityType:   c.EntityType,
			autoResolved: c.AutoResolved,
			count:        1,
		})
	}
	return stats, nil
}

func (l *MemoryLedger) Close() error {
	return nil
}

func copyConflict(c Conflict) Conflict {
	c.LocalSnapshot = c.LocalSnapshot.Clone()
	c.RemoteSnapshot = c.RemoteSnapshot.Clone()
	c.ResolvedSnapshot = c.ResolvedSnapshot.Clone()
	c.AffectedFields = append([]string(nil), c.AffectedFields...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		c.ResolvedAt = &at
	}
	return c
}
