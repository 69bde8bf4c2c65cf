// Package logging provides a configured slog logger with:
// - TTY detection for human-readable vs JSON output
// - LOG_FORMAT env var override (text/json)
// - LOG_LEVEL env var (debug/info/warn/error)
// - Context-based job ID / queue-name extraction for log attributes
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// ContextKey is a type for context keys used in logging.
type ContextKey string

const (
	// JobIDKey is the context key for the job ID currently being processed.
	JobIDKey ContextKey = "log_job_id"
	// QueueNameKey is the context key for the queue a job was dequeued from.
	QueueNameKey ContextKey = "log_queue_name"
)

// WithJobID adds a job ID to the context for logging.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithQueueName adds a queue name to the context for logging.
func WithQueueName(ctx context.Context, queueName string) context.Context {
	return context.WithValue(ctx, QueueNameKey, queueName)
}

// JobIDFromContext extracts the job ID from context, if any.
func JobIDFromContext(ctx context.Context) string {
	if v := ctx.Value(JobIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// QueueNameFromContext extracts the queue name from context, if any.
func QueueNameFromContext(ctx context.Context) string {
	if v := ctx.Value(QueueNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// FromContext returns a logger with job_id/queue attributes from context
// added. No end-user identifying fields flow through this pipeline (HSDS
// provider records carry no end-user PII), so unlike a typical request
// logger there is nothing else to scrub out here.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctx == nil {
		return logger
	}
	if jobID := JobIDFromContext(ctx); jobID != "" {
		logger = logger.With("job_id", jobID)
	}
	if queue := QueueNameFromContext(ctx); queue != "" {
		logger = logger.With("queue", queue)
	}
	return logger
}

// New creates a new configured logger.
// Format is determined by:
// 1. LOG_FORMAT env var (text/json)
// 2. TTY detection (text for TTY, JSON otherwise)
// Level is determined by LOG_LEVEL env var (debug/info/warn/error, default: info)
func New() *slog.Logger {
	logFormat := os.Getenv("LOG_FORMAT")
	format := "json"
	if logFormat == "text" || (logFormat == "" && isatty(os.Stdout)) {
		format = "text"
	}

	level := parseLogLevel(os.Getenv("LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level, AddSource: true}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault creates a new logger and sets it as the default slog logger.
// Returns the created logger for additional use.
func SetDefault() *slog.Logger {
	logger := New()
	slog.SetDefault(logger)
	return logger
}

// isatty returns true if the file is a terminal.
func isatty(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
