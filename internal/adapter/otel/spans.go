package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentdeck"

// StartTaskSpan starts a span covering one dispatched task, from TASK_START
// to its terminal phase.
func StartTaskSpan(ctx context.Context, sessionKey, taskID, label string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("session.key", sessionKey),
			attribute.String("task.id", taskID),
			attribute.String("task.label", label),
		),
	)
}

// StartRegistrySpan starts a span for one registry call.
func StartRegistrySpan(ctx context.Context, op, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "registry."+op,
		trace.WithAttributes(
			attribute.String("task.id", taskID),
		),
	)
}
