package relaycache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.trai.ch/zerr"
)

const (
	postgresJournalTableName = "relaycache_queue_journal"
	postgresJournalKey       = "default"
)

// PostgresJournal keeps the active queue as one JSON row keyed by journal name.
type PostgresJournal struct {
	dsn        string
	tableName  string
	journalKey string
	openDB     sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresJournal{
		dsn:        dsn,
		tableName:  postgresJournalTableName,
		journalKey: postgresJournalKey,
		openDB:     sql.Open,
	}, nil
}

func (j *PostgresJournal) Load(ctx context.Context) ([]QueueItem, error) {
	if err := j.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE journal_key = $1", sqlQuoteIdentifier(j.tableName))
	var payload string
	err := j.db.QueryRowContext(ctx, query, j.journalKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, zerr.Wrap(err, "load journal")
	}
	var state fileJournalState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, zerr.Wrap(err, "decode journal")
	}
	return state.Items, nil
}

func (j *PostgresJournal) Save(ctx context.Context, items []QueueItem) error {
	if err := j.ensureReady(); err != nil {
		return err
	}
	if items == nil {
		items = []QueueItem{}
	}
	payload, err := json.Marshal(fileJournalState{Items: items})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (journal_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (journal_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, sqlQuoteIdentifier(j.tableName))
	if _, err := j.db.ExecContext(ctx, query, j.journalKey, string(payload)); err != nil {
		return zerr.Wrap(err, "save journal")
	}
	return nil
}

func (j *PostgresJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *PostgresJournal) ensureReady() error {
	if j == nil {
		return ErrInvalidInput
	}
	j.initOnce.Do(func() {
		db, err := j.openDB("postgres", j.dsn)
		if err != nil {
			j.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				journal_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, sqlQuoteIdentifier(j.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			j.initErr = zerr.Wrap(err, "prepare journal table")
			return
		}
		j.db = db
	})
	return j.initErr
}
