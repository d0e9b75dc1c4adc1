package recgo

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with recgo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithTable adds the table name to the logger.
func (l *Logger) WithTable(table string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", table),
	}
}

// LogPut logs a put operation.
func (l *Logger) LogPut(ctx context.Context, id string, created bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "put completed",
			"id", id,
			"created", created,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
		)
	}
}

// LogFind logs a query execution.
func (l *Logger) LogFind(ctx context.Context, plan string, matches int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "find failed",
			"plan", plan,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "find completed",
			"plan", plan,
			"matches", matches,
		)
	}
}

// LogRebuild logs an index rebuild.
func (l *Logger) LogRebuild(ctx context.Context, records uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index rebuild failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index rebuild completed",
			"live_records", records,
		)
	}
}

// LogCompaction logs a compaction run.
func (l *Logger) LogCompaction(ctx context.Context, before, after float64, kept uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"garbage_ratio", before,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"garbage_before", before,
			"garbage_after", after,
			"live_records", kept,
		)
	}
}

// LogMigration logs a schema or taxonomy migration.
func (l *Logger) LogMigration(ctx context.Context, kind string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "migration failed",
			"kind", kind,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "migration completed",
			"kind", kind,
		)
	}
}

// LogBackup logs a backup rotation.
func (l *Logger) LogBackup(ctx context.Context, dest string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "backup failed",
			"dest", dest,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "backup written",
			"dest", dest,
		)
	}
}
