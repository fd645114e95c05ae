package observability

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

// Request-scoped context keys set by the correlation middleware.
const (
	CorrelationIDKey contextKey = "correlation_id"
	LoggerKey        contextKey = "logger"
)

// WithLogger returns ctx carrying logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// LoggerFromContext returns the request logger, or nil when none was attached.
func LoggerFromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(LoggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return nil
}

// CorrelationID returns the request's correlation ID, or "".
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}
