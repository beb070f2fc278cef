// Package logging provides structured logging infrastructure for the sync service.
// It wraps Go's standard log/slog package with context-aware logging, correlation IDs,
// job/table/operation attributes and optional rotating log files.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// contextKey is used for storing logger-related values in context.
type contextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs.
	CorrelationIDKey contextKey = "correlation_id"
	// JobIDKey is the context key for sync job IDs.
	JobIDKey contextKey = "job_id"
	// TableKey is the context key for the table being synchronized.
	TableKey contextKey = "table"
	// OperationIDKey is the context key for sync operation IDs.
	OperationIDKey contextKey = "operation_id"
)

// EnvLevel overrides the configured level when set.
const EnvLevel = "SYNC_LOG_LEVEL"

// Level represents log levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format represents log output formats.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logging configuration.
type Config struct {
	Level      Level     `yaml:"level" toml:"level"`
	Format     Format    `yaml:"format" toml:"format"`
	Output     io.Writer `yaml:"-" toml:"-"`
	AddSource  bool      `yaml:"add_source" toml:"add_source"`
	TimeFormat string    `yaml:"time_format" toml:"time_format"`

	// File, when set, sends output to a rotating log file instead of Output.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     os.Stderr,
		AddSource:  false,
		TimeFormat: time.RFC3339,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// LevelFromEnv returns the level named by SYNC_LOG_LEVEL, or fallback when unset.
func LevelFromEnv(fallback Level) Level {
	if v := strings.TrimSpace(os.Getenv(EnvLevel)); v != "" {
		return Level(strings.ToLower(v))
	}
	return fallback
}

// Logger wraps slog.Logger with additional functionality for the sync service.
type Logger struct {
	slogger *slog.Logger
	level   *slog.LevelVar
	closer  io.Closer
}

// global is the package-level default logger.
var (
	global     *Logger
	globalOnce sync.Once
)

// Init initializes the global logger with the provided configuration.
func Init(cfg Config) *Logger {
	globalOnce.Do(func() {
		global = New(cfg)
	})
	return global
}

// Default returns the global logger, initializing it with defaults if necessary.
func Default() *Logger {
	if global == nil {
		Init(DefaultConfig())
	}
	return global
}

// New creates a new Logger with the provided configuration.
func New(cfg Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize time format
			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return a
		},
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	var closer io.Closer
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		output = rotator
		closer = rotator
	}

	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		slogger: slog.New(handler),
		level:   level,
		closer:  closer,
	}
}

// parseLevel converts a Level to slog.Level.
func parseLevel(l Level) slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel dynamically changes the log level.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(parseLevel(level))
}

// Close closes the rotating log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slogger: l.slogger.With(args...),
		level:   l.level,
	}
}

// WithGroup returns a new Logger with the given group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{
		slogger: l.slogger.WithGroup(name),
		level:   l.level,
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.slogger.Debug(msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.slogger.Info(msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.slogger.Warn(msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.slogger.Error(msg, args...)
}

// DebugContext logs at debug level with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slogger.DebugContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// InfoContext logs at info level with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slogger.InfoContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// WarnContext logs at warn level with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slogger.WarnContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// ErrorContext logs at error level with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slogger.ErrorContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// enrichArgs extracts context values and adds them as log attributes.
func (l *Logger) enrichArgs(ctx context.Context, args []any) []any {
	enriched := make([]any, 0, len(args)+10)

	// Extract standard context values
	if v := ctx.Value(CorrelationIDKey); v != nil {
		enriched = append(enriched, "correlation_id", v)
	}
	if v := ctx.Value(JobIDKey); v != nil {
		enriched = append(enriched, "job_id", v)
	}
	if v := ctx.Value(TableKey); v != nil {
		enriched = append(enriched, "table", v)
	}
	if v := ctx.Value(OperationIDKey); v != nil {
		enriched = append(enriched, "operation_id", v)
	}

	enriched = append(enriched, args...)
	return enriched
}

// Underlying returns the underlying slog.Logger.
func (l *Logger) Underlying() *slog.Logger {
	return l.slogger
}

// --- Context helpers ---

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithJobID adds a sync job ID to the context.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}

// WithTable adds a table name to the context.
func WithTable(ctx context.Context, table string) context.Context {
	return context.WithValue(ctx, TableKey, table)
}

// WithOperationID adds a sync operation ID to the context.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, OperationIDKey, id)
}

// CorrelationID extracts the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if v := ctx.Value(CorrelationIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// CorrelationIDFromContext is an alias for CorrelationID for semantic clarity.
func CorrelationIDFromContext(ctx context.Context) string {
	return CorrelationID(ctx)
}

// --- Domain-specific logging helpers ---

// unlessScoped prepends name=value to args when ctx does not already carry
// key, since enrichArgs adds it in that case.
func unlessScoped(ctx context.Context, key contextKey, name, value string, args ...any) []any {
	if ctx.Value(key) != nil {
		return args
	}
	return append([]any{name, value}, args...)
}

// LogJobStart logs the start (or resume) of a sync job.
func LogJobStart(ctx context.Context, logger *Logger, jobID string, tables int, resumed bool) {
	logger.InfoContext(ctx, "sync job started", unlessScoped(ctx, JobIDKey, "job_id", jobID,
		"tables", tables,
		"resumed", resumed,
	)...)
}

// LogJobComplete logs the end of a sync job.
func LogJobComplete(ctx context.Context, logger *Logger, jobID, status string, processed int, duration time.Duration) {
	logger.InfoContext(ctx, "sync job finished", unlessScoped(ctx, JobIDKey, "job_id", jobID,
		"status", status,
		"processed_records", processed,
		"duration_ms", duration.Milliseconds(),
	)...)
}

// LogJobFailed logs a sync job that failed.
func LogJobFailed(ctx context.Context, logger *Logger, jobID string, err error, duration time.Duration) {
	logger.ErrorContext(ctx, "sync job failed", unlessScoped(ctx, JobIDKey, "job_id", jobID,
		"error", err.Error(),
		"duration_ms", duration.Milliseconds(),
	)...)
}

// LogTableStart logs the start of a table.
func LogTableStart(ctx context.Context, logger *Logger, table string) {
	logger.DebugContext(ctx, "table sync started", unlessScoped(ctx, TableKey, "table", table)...)
}

// LogTableComplete logs the change counts of a finished table.
func LogTableComplete(ctx context.Context, logger *Logger, table string, changes int, duration time.Duration) {
	logger.InfoContext(ctx, "table sync completed", unlessScoped(ctx, TableKey, "table", table,
		"changes", changes,
		"duration_ms", duration.Milliseconds(),
	)...)
}

// LogOperationRetry logs a scheduled operation retry.
func LogOperationRetry(ctx context.Context, logger *Logger, operationID string, attempt int, delay time.Duration, err error) {
	logger.WarnContext(ctx, "operation retry scheduled", unlessScoped(ctx, OperationIDKey, "operation_id", operationID,
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
		"error", err.Error(),
	)...)
}

// LogOperationFailed logs an operation that failed terminally.
func LogOperationFailed(ctx context.Context, logger *Logger, operationID, recordID string, err error) {
	logger.ErrorContext(ctx, "operation failed", unlessScoped(ctx, OperationIDKey, "operation_id", operationID,
		"record_id", recordID,
		"error", err.Error(),
	)...)
}

// LogConflict logs a detected conflict and how it was handled.
func LogConflict(ctx context.Context, logger *Logger, recordID, strategy, outcome string) {
	logger.InfoContext(ctx, "conflict detected",
		"record_id", recordID,
		"strategy", strategy,
		"outcome", outcome,
	)
}
