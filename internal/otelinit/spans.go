package otelinit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for fleet spans.
var (
	AttrAgentID           = attribute.Key("fleet.agent.id")
	AttrTaskID            = attribute.Key("fleet.task.id")
	AttrTaskStatus        = attribute.Key("fleet.task.status")
	AttrStepID            = attribute.Key("fleet.step.id")
	AttrDelegationID      = attribute.Key("fleet.delegation.id")
	AttrConversationID    = attribute.Key("fleet.a2a.conversation_id")
	AttrA2AJobID          = attribute.Key("fleet.a2a.job_id")
	AttrContinuationLayer = attribute.Key("fleet.continuation.layer")
	AttrSessionKey        = attribute.Key("fleet.session.key")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (the out-of-scope
// monitor HTTP+WS server, if wired by an embedder).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (milestone sync HTTP
// client).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
