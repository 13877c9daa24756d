package logging

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey string

const (
	requestIDKey     ctxKey = "request_id"
	correlationIDKey ctxKey = "correlation_id"
	userIDKey        ctxKey = "user_id"
)

// Canonical field names shared by request and security logs.
const (
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldUserID        = "user_id"
	FieldClientIP      = "client_ip"
	FieldUserAgent     = "user_agent"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldEventType     = "event_type"
	FieldSeverity      = "severity"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request ID stored in the context, if any.
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithCorrelationID stores the correlation ID in the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID returns the correlation ID stored in the context, if any.
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// WithUserID stores the authenticated user ID in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID returns the authenticated user ID stored in the context, if any.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// WithRequestContext returns a logger annotated with the identifiers found in ctx.
func WithRequestContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	var fields []zap.Field
	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String(FieldRequestID, id))
	}
	if id := GetCorrelationID(ctx); id != "" {
		fields = append(fields, zap.String(FieldCorrelationID, id))
	}
	if id := GetUserID(ctx); id != "" {
		fields = append(fields, zap.String(FieldUserID, id))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
