package relaycache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgresIntegrationCounter uint64

func TestMemoryLedgerContract(t *testing.T) {
	runLedgerContract(t, func(t *testing.T) Ledger { return NewMemoryLedger() })
}

func TestSQLiteLedgerContract(t *testing.T) {
	runLedgerContract(t, func(t *testing.T) Ledger {
		ledger, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "conflicts.db"))
		require.NoError(t, err)
		skipWithoutCGO(t, ledger)
		t.Cleanup(func() { _ = ledger.Close() })
		return ledger
	})
}

func TestPostgresIntegrationLedgerContract(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	runLedgerContract(t, func(t *testing.T) Ledger {
		ledger, err := NewPostgresLedger(dsn)
		require.NoError(t, err)
		ledger.tableName = postgresIntegrationTableName("relaycache_conflicts_it")
		t.Cleanup(func() {
			_ = ledger.Close()
			postgresIntegrationDropTable(t, dsn, ledger.tableName)
		})
		return ledger
	})
}

func TestSQLiteLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conflicts.db")

	first, err := NewSQLiteLedger(path)
	require.NoError(t, err)
	skipWithoutCGO(t, first)
	require.NoError(t, first.Append(ctx, sampleConflict("c1", time.Now().UTC())))
	require.NoError(t, first.Close())

	second, err := NewSQLiteLedger(path)
	require.NoError(t, err)
	defer second.Close()
	got, err := second.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.EntityID)
	assert.Equal(t, "todo", got.LocalSnapshot.String("status"))
}

func runLedgerContract(t *testing.T, build func(t *testing.T) Ledger) {
	t.Run("append and get", func(t *testing.T) {
		ctx := context.Background()
		ledger := build(t)
		detected := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, ledger.Append(ctx, sampleConflict("c1", detected)))

		got, err := ledger.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, ResolutionPending, got.Resolution)
		assert.Equal(t, SeverityHigh, got.Severity)
		assert.Equal(t, []string{"status"}, got.AffectedFields)
		assert.Equal(t, "done", got.RemoteSnapshot.String("status"))
		assert.True(t, detected.Equal(got.DetectedAt), "detectedAt %v != %v", got.DetectedAt, detected)
		assert.Nil(t, got.ResolvedAt)

		_, err = ledger.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("resolution transitions once", func(t *testing.T) {
		ctx := context.Background()
		ledger := build(t)
		conflict := sampleConflict("c2", time.Now().UTC())
		require.NoError(t, ledger.Append(ctx, conflict))

		resolvedAt := time.Now().UTC()
		conflict.Resolution = ResolutionMerged
		conflict.ResolvedAt = &resolvedAt
		conflict.ResolvedSnapshot = Snapshot{"status": "done"}
		require.NoError(t, ledger.UpdateResolution(ctx, conflict))
		require.NoError(t, ledger.UpdateResolution(ctx, conflict))

		conflict.Resolution = ResolutionLocalWins
		assert.ErrorIs(t, ledger.UpdateResolution(ctx, conflict), ErrConflictAlreadyResolved)

		got, err := ledger.Get(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, ResolutionMerged, got.Resolution)
		require.NotNil(t, got.ResolvedAt)
		assert.Equal(t, "done", got.ResolvedSnapshot.String("status"))
	})

	t.Run("pending and stats", func(t *testing.T) {
		ctx := context.Background()
		ledger := build(t)
		now := time.Now().UTC()

		require.NoError(t, ledger.Append(ctx, sampleConflict("p1", now.Add(-time.Hour))))
		old := sampleConflict("p-old", now.Add(-40*24*time.Hour))
		require.NoError(t, ledger.Append(ctx, old))
		auto := sampleConflict("a1", now)
		auto.Severity = SeverityLow
		auto.EntityType = EntityProject
		require.NoError(t, ledger.Append(ctx, auto))
		auto.Resolution = ResolutionNotionWins
		auto.AutoResolved = true
		auto.ResolvedAt = &now
		require.NoError(t, ledger.UpdateResolution(ctx, auto))

		pending, err := ledger.FindPending(ctx)
		require.NoError(t, err)
		ids := []string{}
		for _, c := range pending {
			ids = append(ids, c.ID)
		}
		assert.ElementsMatch(t, []string{"p1", "p-old"}, ids)

		stats, err := ledger.AggregateStats(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 7, stats.SinceDays)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.AutoResolved)
		assert.Equal(t, 1, stats.BySeverity[SeverityLow])
		assert.Equal(t, 1, stats.ByEntityType[EntityProject])
		assert.Equal(t, 1, stats.ByResolution[ResolutionNotionWins])

		all, err := ledger.AggregateStats(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, all.Total)
	})
}

func sampleConflict(id string, detected time.Time) Conflict {
	return Conflict{
		ID:             id,
		EntityType:     EntityTask,
		EntityID:       "t1",
		SourceID:       "t1",
		Resolution:     ResolutionPending,
		LocalSnapshot:  Snapshot{"id": "t1", "status": "todo"},
		RemoteSnapshot: Snapshot{"id": "t1", "status": "done"},
		DetectedAt:     detected,
		AffectedFields: []string{"status"},
		Severity:       SeverityHigh,
	}
}

func skipWithoutCGO(t *testing.T, ledger *SQLLedger) {
	t.Helper()
	if _, err := ledger.FindPending(context.Background()); err != nil {
		if strings.Contains(err.Error(), "CGO_ENABLED") || strings.Contains(err.Error(), "cgo") {
			t.Skipf("sqlite driver unavailable: %v", err)
		}
		require.NoError(t, err, "open sqlite ledger")
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYCACHE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYCACHE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlQuoteIdentifier(tableName))
	require.NoError(t, err, "drop %s", tableName)
}
