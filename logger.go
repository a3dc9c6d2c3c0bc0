package otree

import (
	"context"
	"log/slog"
	"os"

	"github.com/arejula27/otree/model"
)

// Logger wraps slog.Logger for structured operational logging.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger from a slog handler. A nil handler logs text
// to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that emits JSON to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that emits text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger returns a Logger that discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithTable tags the logger with a table identifier.
func (l *Logger) WithTable(table model.TableID) *Logger {
	return &Logger{Logger: l.Logger.With("table", string(table))}
}

// WithRevision tags the logger with a revision identifier.
func (l *Logger) WithRevision(id int64) *Logger {
	return &Logger{Logger: l.Logger.With("revision", id)}
}

// LogAppend logs one append pass.
func (l *Logger) LogAppend(ctx context.Context, table model.TableID, rows int, version int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "append failed",
			"table", string(table),
			"rows", rows,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "append committed",
			"table", string(table),
			"rows", rows,
			"version", version,
		)
	}
}

// LogOptimize logs one optimization pass.
func (l *Logger) LogOptimize(ctx context.Context, table model.TableID, cubes int, rows int64, version int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "optimize failed",
			"table", string(table),
			"cubes", cubes,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "optimize completed",
			"table", string(table),
			"cubes", cubes,
			"rows", rows,
			"version", version,
		)
	}
}

// LogAnalyze logs one announcement pass.
func (l *Logger) LogAnalyze(ctx context.Context, table model.TableID, announced int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "analyze failed",
			"table", string(table),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "analyze completed",
			"table", string(table),
			"announced", announced,
		)
	}
}
