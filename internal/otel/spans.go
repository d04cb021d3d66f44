package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for tasksync spans.
var (
	AttrPassID     = attribute.Key("tasksync.pass.id")
	AttrIdentity   = attribute.Key("tasksync.identity")
	AttrSystemA    = attribute.Key("tasksync.system.a")
	AttrSystemB    = attribute.Key("tasksync.system.b")
	AttrSystem     = attribute.Key("tasksync.system")
	AttrState      = attribute.Key("tasksync.state")
	AttrExternalID = attribute.Key("tasksync.external.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (adapter fetch/push).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
