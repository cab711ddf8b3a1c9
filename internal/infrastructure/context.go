package infrastructure

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
)

// GenerateTraceID creates a new unique trace ID using UUID v4
func GenerateTraceID() string {
	return uuid.New().String()
}

// EnsureTraceID ensures the context has a trace ID, generating one if needed
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		return WithTraceID(ctx, GenerateTraceID())
	}
	return ctx
}

// LoggerWithContext creates a logger that includes the trace ID from context.
func LoggerWithContext(ctx context.Context) *slog.Logger {
	logger := GetLogger()
	if traceID := GetTraceID(ctx); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}
	return logger
}

// WithComponent creates a logger with a component field
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = GetLogger()
	}
	return logger.With("component", component)
}

var watermillLevels = map[slog.Level]slog.Level{
	watermill.LevelTrace: slog.LevelDebug,
	slog.LevelDebug:      slog.LevelDebug,
	slog.LevelInfo:       slog.LevelInfo,
	slog.LevelWarn:       slog.LevelWarn,
	slog.LevelError:      slog.LevelError,
}

// NewWatermillLogger adapts logger for the messaging libraries. Watermill's
// trace level is folded into debug.
func NewWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = GetLogger()
	}
	return watermill.NewSlogLoggerWithLevelMapping(logger, watermillLevels)
}
