package relaycache

import (
	"context"
	"time"
)

type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionNotionWins Resolution = "notion_wins"
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionFailed     Resolution = "failed"
)

// IsStrategy reports whether r names a strategy a caller may ask for.
func (r Resolution) IsStrategy() bool {
	switch r {
	case ResolutionNotionWins, ResolutionLocalWins, ResolutionMerged:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Conflict records one divergence between the cache and the source of record.
type Conflict struct {
	ID               string     `json:"id"`
	EntityType       EntityType `json:"entityType"`
	EntityID         string     `json:"entityId"`
	SourceID         string     `json:"sourceId"`
	Resolution       Resolution `json:"resolution"`
	LocalSnapshot    Snapshot   `json:"localSnapshot"`
	RemoteSnapshot   Snapshot   `json:"remoteSnapshot"`
	ResolvedSnapshot Snapshot   `json:"resolvedSnapshot,omitempty"`
	DetectedAt       time.Time  `json:"detectedAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	AutoResolved     bool       `json:"autoResolved"`
	AffectedFields   []string   `json:"affectedFields"`
	Severity         Severity   `json:"severity"`
	FailureReason    string     `json:"failureReason,omitempty"`
}

type ConflictStats struct {
	SinceDays    int                `json:"sinceDays"`
	Total        int                `json:"total"`
	Pending      int                `json:"pending"`
	AutoResolved int                `json:"autoResolved"`
	ByResolution map[Resolution]int `json:"byResolution"`
	BySeverity   map[Severity]int   `json:"bySeverity"`
	ByEntityType map[EntityType]int `json:"byEntityType"`
}

func newConflictStats(sinceDays int) ConflictStats {
	return ConflictStats{
		SinceDays:    sinceDays,
		ByResolution: map[Resolution]int{},
		BySeverity:   map[Severity]int{},
		ByEntityType: map[EntityType]int{},
	}
}

func (s *ConflictStats) add(c conflictStatsRow) {
	s.Total += c.count
	s.ByResolution[c.resolution] += c.count
	s.BySeverity[c.severity] += c.count
	s.ByEntityType[c.entityType] += c.count
	if c.resolution == ResolutionPending {
		s.Pending += c.count
	}
	if c.autoResolved {
		s.AutoResolved += c.count
	}
}

type conflictStatsRow struct {
	resolution   Resolution
	severity     Severity
	entityType   EntityType
	autoResolved bool
	count        int
}

// Ledger is the durable, append-only audit trail of conflicts. Records are never deleted.
type Ledger interface {
	Append(ctx context.Context, conflict Conflict) error
	UpdateResolution(ctx context.Context, conflict Conflict) error
	Get(ctx context.Context, id string) (Conflict, error)
	FindPending(ctx context.Context) ([]Conflict, error)
	AggregateStats(ctx context.Context, sinceDays int) (ConflictStats, error)
	Close() error
}

func statsCutoff(now time.Time, sinceDays int) time.Time {
	if sinceDays <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(sinceDays) * 24 * time.Hour)
}
