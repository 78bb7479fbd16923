// Package observability provides structured logging and metrics for the
// switchboard bridge components.
package observability

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a structured logger for bridge components.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new structured logger writing JSON to stderr.
// Stdout is reserved for the stdio request transport.
func NewLogger(component string, level slog.Level) *Logger {
	return NewLoggerTo(os.Stderr, component, level)
}

// NewLoggerTo creates a structured logger writing to the given writer.
func NewLoggerTo(w io.Writer, component string, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(w, opts)

	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "switchboard"),
	)

	return &Logger{Logger: logger}
}

// ParseLevel maps a config level string to a slog level. Unknown strings
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithServer returns a logger with tool-server fields.
func (l *Logger) WithServer(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("server", name),
		),
	}
}

// WithRequest returns a logger with request-correlation fields.
func (l *Logger) WithRequest(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("request_id", id),
		),
	}
}

// WithSession returns a logger with edit-session fields.
func (l *Logger) WithSession(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("session_path", path),
		),
	}
}
