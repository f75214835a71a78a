package logger

import (
	"context"
)

// Logger defines the structured logging contract used by every component.
// Log methods accept a message followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that carries the given key-value pairs.
	With(args ...any) Logger

	// WithContext returns a child logger enriched with the correlation
	// values stored in ctx (request id, job id, stage).
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	jobIDKey     contextKey = "job_id"
	stageKey     contextKey = "stage"
)

// ContextWithRequestID stores an HTTP request id for later log enrichment.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithJob stores the job id and stage being processed.
func ContextWithJob(ctx context.Context, jobID, stage string) context.Context {
	ctx = context.WithValue(ctx, jobIDKey, jobID)
	return context.WithValue(ctx, stageKey, stage)
}

func contextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	fields := make([]any, 0, 6)
	for _, key := range []contextKey{requestIDKey, jobIDKey, stageKey} {
		if value, ok := ctx.Value(key).(string); ok && value != "" {
			fields = append(fields, string(key), value)
		}
	}
	return fields
}
