package relaycache

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.trai.ch/zerr"
)

// Journal keeps the active queue items durable so a restart resumes them. Save always receives
// the full active list in queue order.
type Journal interface {
	Load(ctx context.Context) ([]QueueItem, error)
	Save(ctx context.Context, items []QueueItem) error
	Close() error
}

type MemoryJournal struct {
	mu    sync.Mutex
	items []QueueItem
	saves int
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Load(context.Context) ([]QueueItem, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return cloneItems(j.items), nil
}

func (j *MemoryJournal) Save(_ context.Context, items []QueueItem) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.items = cloneItems(items)
	j.saves++
	return nil
}

// Saves counts Save calls.
func (j *MemoryJournal) Saves() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.saves
}

func (j *MemoryJournal) Close() error {
	return nil
}

type fileJournalState struct {
	Items []QueueItem `json:"items"`
}

// FileJournal stores the queue as one JSON document, replaced atomically on every save.
type FileJournal struct {
	path string
	mu   sync.Mutex
}

func NewFileJournal(path string) (*FileJournal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileJournal{path: path}, nil
}

func (j *FileJournal) Load(context.Context) ([]QueueItem, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, zerr.With(zerr.Wrap(err, "read journal"), "path", j.path)
	}
	var state fileJournalState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "decode journal"), "path", j.path)
	}
	return state.Items, nil
}

func (j *FileJournal) Save(_ context.Context, items []QueueItem) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if items == nil {
		items = []QueueItem{}
	}
	data, err := json.Marshal(fileJournalState{Items: items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

func (j *FileJournal) Close() error {
	return nil
}

// BuildJournalFromDSN picks the queue journal for a DSN. An empty DSN means in-memory.
func BuildJournalFromDSN(dsn string) (Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryJournal(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, invalidInput("invalid journal dsn: "+err.Error(), "dsn", redactDSN(dsn))
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupJournalFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileJournal(path)
	case "memory", "mem", "inmem":
		return NewMemoryJournal(), nil
	case "postgres", "postgresql":
		return NewPostgresJournal(dsn)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, zerr.With(zerr.Wrap(ErrNotImplemented, "journal backend"), "scheme", scheme)
	default:
		return nil, invalidInput("unsupported journal scheme", "scheme", scheme)
	}
}

func cloneItems(items []QueueItem) []QueueItem {
	if items == nil {
		return nil
	}
	out := make([]QueueItem, len(items))
	for i, item := range items {
		out[i] = item.clone()
	}
	return out
}
