// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"go.trai.ch/zerr"
	"gopkg.in/natefinch/lumberjack.v2"
)

var ErrInvalidOptions = zerr.New("invalid logging options")

type Options struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// Format is text or json. Empty means text.
	Format string
	// File enables size-based rotation through lumberjack. Empty logs to Output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Output receives records when File is empty. Defaults to stderr.
	Output io.Writer
}

// New returns a logger and the closer for its sink. The closer is a no-op unless File is set.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var sink io.Writer = opts.Output
	var closer io.Closer = nopCloser{}
	if strings.TrimSpace(opts.File) != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    positiveOr(opts.MaxSizeMB, 100),
			MaxBackups: positiveOr(opts.MaxBackups, 5),
			MaxAge:     positiveOr(opts.MaxAgeDays, 28),
			Compress:   opts.Compress,
		}
		sink = rotator
		closer = rotator
	}
	if sink == nil {
		sink = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		handler = slog.NewTextHandler(sink, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(sink, handlerOpts)
	default:
		return nil, nil, zerr.With(zerr.Wrap(ErrInvalidOptions, "unknown log format"), "format", opts.Format)
	}
	return slog.New(handler), closer, nil
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, zerr.With(zerr.Wrap(ErrInvalidOptions, "unknown log level"), "level", raw)
	}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
