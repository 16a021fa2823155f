// Package corelog wires structured logging for the rest of the module: a
// slog.Logger whose records carry the running cord/fiber's name, writing
// either to stderr or to a rotated file via lumberjack, the way the
// teacher's own operational tooling favors structured, rotated logs over
// ad hoc fmt.Println.
package corelog

import (
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is the minimum level that gets logged.
	Level slog.Level
	// JSON selects slog.JSONHandler over a human-readable text handler.
	JSON bool
	// File, if set, routes output through a rotating lumberjack writer
	// instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a root *slog.Logger per Options. Call .With("cord", name) (or
// use WithFiber) to scope it to a specific cord/fiber before handing it to
// fiber.NewCord.
func New(opts Options) *slog.Logger {
	var writer interface {
		Write([]byte) (int, error)
	} = os.Stderr
	if opts.File != "" {
		writer = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}
	return slog.New(handler)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WithFiber scopes a logger to a running fiber, the way a request-scoped
// logger picks up a correlation id; it is a plain slog.With wrapper kept
// here so call sites don't need to remember the attribute names.
func WithFiber(logger *slog.Logger, cordName string, fiberID uint32, fiberName string) *slog.Logger {
	return logger.With("cord", cordName, "fiber_id", fiberID, "fiber", fiberName)
}

// Discard returns a logger that drops everything, for tests that don't
// want scheduler chatter in their output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
