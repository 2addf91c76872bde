// Package log provides the logging infrastructure shared by all loom
// components.
//
// Loggers are injected, never global: each component receives a log.Logger in
// its constructor and narrows it with With("component", ...). Tests use
// NewNop, or NewWithWriter over a buffer when output needs inspecting.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger is an alias for *slog.Logger so components depend on the standard
// library type directly and keep access to With() for contextual fields.
type Logger = *slog.Logger

// Config defines logger options.
type Config struct {
	// Level is the minimum level emitted. Default: slog.LevelInfo.
	Level slog.Level

	// JSON switches output to JSON records (text otherwise).
	JSON bool

	// AddSource attaches the emitting source location to each record.
	AddSource bool
}

// New creates a logger writing to os.Stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w. Used by tests that capture
// output and by commands that redirect logs.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// NewNop returns a logger that discards everything. Test use only —
// production components should always receive a configured logger.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForComponent narrows a logger to one component. A nil base falls back to a
// discard logger so library code never panics on logging.
func ForComponent(base Logger, name string) Logger {
	if base == nil {
		return NewNop()
	}
	return base.With("component", name)
}
