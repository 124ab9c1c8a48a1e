package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer emits kernel spans through the globally registered provider. With
// no SDK installed every span is a no-op, so the kernel never pays for
// tracing that nobody configured.
var tracer = otel.Tracer("github.com/shadowrealm-ai/shadow/internal/agent")

// startTurnSpan opens the span covering one user turn: workspace
// initialization, the model stream, and the post-stream side effects.
func startTurnSpan(ctx context.Context, taskID, model string, queued bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kernel.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("llm.model", model),
			attribute.Bool("turn.queued", queued),
		),
	)
}

// endSpan records the error, if any, and closes the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
