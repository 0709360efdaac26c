package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "warn", Format: "json", Output: &buf})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("queue stalled", "queue_length", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "queue stalled", record["msg"])
	assert.Equal(t, float64(3), record["queue_length"])
}

func TestNewDefaultsToText(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Output: &buf})
	require.NoError(t, err)

	logger.Debug("dropped")
	logger.Info("cache warmed", "entity_type", "task")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "entity_type=task")
}

func TestNewRotatesIntoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaycache.log")
	logger, closer, err := New(Options{Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("conflict resolved", "conflict_id", "c1")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"conflict_id":"c1"`)
}

func TestNewRejectsUnknownOptions(t *testing.T) {
	_, _, err := New(Options{Format: "xml"})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, _, err = New(Options{Level: "verbose"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}
