package logger

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with the hunter's output conventions
type Logger struct {
	*slog.Logger
}

// Options selects level and encoding
type Options struct {
	Verbose bool
	JSON    bool
}

// New creates a new logger writing text to stdout
func New() *Logger {
	return NewWriter(os.Stdout, Options{})
}

// NewWriter creates a new logger that writes to the provided writer
func NewWriter(w io.Writer, opts Options) *Logger {
	if w == nil {
		w = os.Stdout
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return &Logger{Logger: slog.New(h)}
}

// Discard drops everything; handy in tests
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a child logger carrying extra attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// OpenFile opens (appending) a log file
func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
