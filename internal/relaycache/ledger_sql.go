package relaycache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.trai.ch/zerr"
)

const (
	sqlLedgerTableName  = "relaycache_conflicts"
	sqlOperationTimeout = 5 * time.Second
	sqlDialectPostgres  = "postgres"
	sqlDialectSQLite    = "sqlite3"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLLedger persists conflicts in Postgres or SQLite. Both dialects share one schema; snapshots
// are stored as JSON text and timestamps as unix milliseconds.
type SQLLedger struct {
	driver    string
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLedger(dsn string) (*SQLLedger, error) {
	return newSQLLedger(sqlDialectPostgres, dsn)
}

// NewSQLiteLedger opens an embedded ledger at path.
func NewSQLiteLedger(path string) (*SQLLedger, error) {
	if dir := filepath.Dir(strings.TrimSpace(path)); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, zerr.With(zerr.Wrap(err, "create ledger directory"), "path", path)
		}
	}
	return newSQLLedger(sqlDialectSQLite, path)
}

func newSQLLedger(driver, dsn string) (*SQLLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLLedger{
		driver:    driver,
		dsn:       dsn,
		tableName: sqlLedgerTableName,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (l *SQLLedger) Append(ctx context.Context, conflict Conflict) error {
	if strings.TrimSpace(conflict.ID) == "" {
		return invalidInput("conflict id is required", "entity_id", conflict.EntityID)
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	row, err := encodeConflictRow(conflict)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, entity_type, entity_id, source_id, resolution, severity, auto_resolved,
			affected_fields, local_snapshot, remote_snapshot, resolved_snapshot,
			failure_reason, detected_at, resolved_at
		) VALUES (%s)`, sqlQuoteIdentifier(l.tableName), l.placeholders(1, 14))
	_, err = l.db.ExecContext(ctx, query,
		row.id, row.entityType, row.entityID, row.sourceID, row.resolution, row.severity, row.autoResolved,
		row.affectedFields, row.localSnapshot, row.remoteSnapshot, row.resolvedSnapshot,
		row.failureReason, row.detectedAt, row.resolvedAt,
	)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "append conflict"), "conflict_id", conflict.ID)
	}
	return nil
}

// UpdateResolution only moves pending rows. A row already resolved to the same outcome is left
// alone; any other transition is refused.
func (l *SQLLedger) UpdateResolution(ctx context.Context, conflict Conflict) error {
	if err := l.ensureReady(); err != nil {
		return err
	}
	row, err := encodeConflictRow(conflict)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET resolution = %s, auto_resolved = %s, resolved_snapshot = %s, failure_reason = %s, resolved_at = %s
		WHERE id = %s AND resolution = %s`,
		sqlQuoteIdentifier(l.tableName),
		l.placeholder(1), l.placeholder(2), l.placeholder(3), l.placeholder(4), l.placeholder(5),
		l.placeholder(6), l.placeholder(7))
	result, err := l.db.ExecContext(ctx, query,
		row.resolution, row.autoResolved, row.resolvedSnapshot, row.failureReason, row.resolvedAt,
		row.id, string(ResolutionPending))
	if err != nil {
		return zerr.With(zerr.Wrap(err, "update conflict resolution"), "conflict_id", conflict.ID)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	current, err := l.Get(ctx, conflict.ID)
	if err != nil {
		return err
	}
	if current.Resolution == conflict.Resolution {
		return nil
	}
	return zerr.With(zerr.Wrap(ErrConflictAlreadyResolved, "ledger refuses resolution change"), "conflict_id", conflict.ID)
}

func (l *SQLLedger) Get(ctx context.Context, id string) (Conflict, error) {
	if err := l.ensureReady(); err != nil {
		return Conflict{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", conflictColumns, sqlQuoteIdentifier(l.tableName), l.placeholder(1))
	conflict, err := scanConflict(l.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conflict{}, zerr.With(zerr.Wrap(ErrNotFound, "conflict not recorded"), "conflict_id", id)
	}
	if err != nil {
		return Conflict{}, zerr.With(zerr.Wrap(err, "load conflict"), "conflict_id", id)
	}
	return conflict, nil
}

func (l *SQLLedger) FindPending(ctx context.Context) ([]Conflict, error) {
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE resolution = %s ORDER BY detected_at ASC, id ASC",
		conflictColumns, sqlQuoteIdentifier(l.tableName), l.placeholder(1))
	rows, err := l.db.QueryContext(ctx, query, string(ResolutionPending))
	if err != nil {
		return nil, zerr.Wrap(err, "query pending conflicts")
	}
	defer rows.Close()

	pending := []Conflict{}
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, zerr.Wrap(err, "scan pending conflict")
		}
		pending = append(pending, conflict)
	}
	return pending, rows.Err()
}

func (l *SQLLedger) AggregateStats(ctx context.Context, sinceDays int) (ConflictStats, error) {
	stats := newConflictStats(sinceDays)
	if err := l.ensureReady(); err != nil {
		return stats, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var cutoff int64
	if at := statsCutoff(l.now(), sinceDays); !at.IsZero() {
		cutoff = at.UnixMilli()
	}
	query := fmt.Sprintf(`
		SELECT resolution, severity, entity_type, auto_resolved, COUNT(*)
		FROM %s
		WHERE detected_at >= %s
		GROUP BY resolution, severity, entity_type, auto_resolved`,
		sqlQuoteIdentifier(l.tableName), l.placeholder(1))
	rows, err := l.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return stats, zerr.Wrap(err, "aggregate conflict stats")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			resolution, severity, entityType string
			autoResolved                     int
			count                            int
		)
		if err := rows.Scan(&resolution, &severity, &entityType, &autoResolved, &count); err != nil {
			return stats, zerr.Wrap(err, "scan conflict stats")
		}
		stats.add(conflictStatsRow{
			resolution:   Resolution(resolution),
			severity:     Severity(severity),
			entityType:   EntityType(entityType),
			autoResolved: autoResolved != 0,
			count:        count,
		})
	}
	return stats, rows.Err()
}

func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLLedger) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB(l.driver, l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		if l.driver == sqlDialectSQLite {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		table := sqlQuoteIdentifier(l.tableName)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					entity_type TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					source_id TEXT NOT NULL,
					resolution TEXT NOT NULL,
					severity TEXT NOT NULL,
					auto_resolved INTEGER NOT NULL DEFAULT 0,
					affected_fields TEXT NOT NULL,
					local_snapshot TEXT NOT NULL,
					remote_snapshot TEXT NOT NULL,
					resolved_snapshot TEXT NOT NULL DEFAULT '',
					failure_reason TEXT NOT NULL DEFAULT '',
					detected_at BIGINT NOT NULL,
					resolved_at BIGINT
				)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (resolution, detected_at)",
				sqlQuoteIdentifier(l.tableName+"_resolution_idx"), table),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				l.initErr = zerr.With(zerr.Wrap(err, "prepare conflict ledger"), "driver", l.driver)
				return
			}
		}
		l.db = db
	})
	return l.initErr
}

func (l *SQLLedger) placeholder(n int) string {
	if l.driver == sqlDialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (l *SQLLedger) placeholders(from, to int) string {
	parts := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		parts = append(parts, l.placeholder(i))
	}
	return strings.Join(parts, ", ")
}

const conflictColumns = `id, entity_type, entity_id, source_id, resolution, severity, auto_resolved,
	affected_fields, local_snapshot, remote_snapshot, resolved_snapshot, failure_reason, detected_at, resolved_at`

type conflictRow struct {
	id               string
	entityType       string
	entityID         string
	sourceID         string
	resolution       string
	severity         string
	autoResolved     int
	affectedFields   string
	localSnapshot    string
	remoteSnapshot   string
	resolvedSnapshot string
	failureReason    string
	detectedAt       int64
	resolvedAt       sql.NullInt64
}

func encodeConflictRow(c Conflict) (conflictRow, error) {
	row := conflictRow{
		id:            c.ID,
		entityType:    string(c.EntityType),
		entityID:      c.EntityID,
		sourceID:      c.SourceID,
		resolution:    string(c.Resolution),
		severity:      string(c.Severity),
		failureReason: c.FailureReason,
		detectedAt:    c.DetectedAt.UnixMilli(),
	}
	if c.AutoResolved {
		row.autoResolved = 1
	}
	if c.ResolvedAt != nil {
		row.resolvedAt = sql.NullInt64{Int64: c.ResolvedAt.UnixMilli(), Valid: true}
	}
	fields := c.AffectedFields
	if fields == nil {
		fields = []string{}
	}
	encoded := []struct {
		dst   *string
		value any
	}{
		{&row.affectedFields, fields},
		{&row.localSnapshot, c.LocalSnapshot},
		{&row.remoteSnapshot, c.RemoteSnapshot},
	}
	for _, item := range encoded {
		data, err := json.Marshal(item.value)
		if err != nil {
			return conflictRow{}, zerr.With(zerr.Wrap(err, "encode conflict"), "conflict_id", c.ID)
		}
		*item.dst = string(data)
	}
	if c.ResolvedSnapshot != nil {
		data, err := json.Marshal(c.ResolvedSnapshot)
		if err != nil {
			return conflictRow{}, zerr.With(zerr.Wrap(err, "encode resolved snapshot"), "conflict_id", c.ID)
		}
		row.resolvedSnapshot = string(data)
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(scanner rowScanner) (Conflict, error) {
	var row conflictRow
	if err := scanner.Scan(
		&row.id, &row.entityType, &row.entityID, &row.sourceID, &row.resolution, &row.severity, &row.autoResolved,
		&row.affectedFields, &row.localSnapshot, &row.remoteSnapshot, &row.resolvedSnapshot,
		&row.failureReason, &row.detectedAt, &row.resolvedAt,
	); err != nil {
		return Conflict{}, err
	}
	c := Conflict{
		ID:            row.id,
		EntityType:    EntityType(row.entityType),
		EntityID:      row.entityID,
		SourceID:      row.sourceID,
		Resolution:    Resolution(row.resolution),
		Severity:      Severity(row.severity),
		AutoResolved:  row.autoResolved != 0,
		FailureReason: row.failureReason,
		DetectedAt:    time.UnixMilli(row.detectedAt).UTC(),
	}
	if row.resolvedAt.Valid {
		at := time.UnixMilli(row.resolvedAt.Int64).UTC()
		c.ResolvedAt = &at
	}
	if err := json.Unmarshal([]byte(row.affectedFields), &c.AffectedFields); err != nil {
		return Conflict{}, err
	}
	var err error
	if c.LocalSnapshot, err = decodeSnapshot([]byte(row.localSnapshot)); err != nil {
		return Conflict{}, err
	}
	if c.RemoteSnapshot, err = decodeSnapshot([]byte(row.remoteSnapshot)); err != nil {
		return Conflict{}, err
	}
	if c.ResolvedSnapshot, err = decodeSnapshot([]byte(row.resolvedSnapshot)); err != nil {
		return Conflict{}, err
	}
	return c, nil
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
