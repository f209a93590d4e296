package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const engineTracerName = "agor-engine"

func engineTracer() trace.Tracer {
	return Tracer(engineTracerName)
}

// TracePrompt creates a span for one prompt pipeline run.
func TracePrompt(ctx context.Context, sessionID, tool string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "engine.prompt",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("tool", tool),
	)
	return ctx, span
}

// TraceExecutorSpawn creates a span for an executor subprocess launch.
func TraceExecutorSpawn(ctx context.Context, sessionID, taskID, unixUser string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "executor.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("task_id", taskID),
		attribute.String("unix_user", unixUser),
	)
	return ctx, span
}

// TraceWorktreeOp creates a span for a worktree filesystem operation.
func TraceWorktreeOp(ctx context.Context, op, worktreeID string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "worktree."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("worktree_id", worktreeID))
	return ctx, span
}

// EndSpan records the outcome and finishes the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
