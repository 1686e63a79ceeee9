package logger

import (
	"context"
	"log/slog"
)

type requestIDKey struct{}
type taskIDKey struct{}

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithTaskID returns a new context carrying the queued task the work belongs to.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskID extracts the task ID from the context, or "" for ad-hoc work.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

// Attrs returns the correlation attributes stored in ctx, for use with
// slog's *Context methods or Logger.With.
func Attrs(ctx context.Context) []any {
	var attrs []any
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if id := TaskID(ctx); id != "" {
		attrs = append(attrs, slog.String("task_id", id))
	}
	return attrs
}
