package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for NanoClaw spans.
var (
	AttrFolder      = attribute.Key("nanoclaw.folder")
	AttrChatAddress = attribute.Key("nanoclaw.chat.address")
	AttrRunID       = attribute.Key("nanoclaw.run.id")
	AttrTaskID      = attribute.Key("nanoclaw.task.id")
	AttrBackend     = attribute.Key("nanoclaw.agent.backend")
	AttrIPCKind     = attribute.Key("nanoclaw.ipc.kind")
	AttrAttempt     = attribute.Key("nanoclaw.dispatch.attempt")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (channel send, backend run).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
