package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for moderation spans and metrics.
var (
	AttrScope       = attribute.Key("warden.group.id")
	AttrUser        = attribute.Key("warden.user.id")
	AttrEvent       = attribute.Key("warden.event")
	AttrIntent      = attribute.Key("warden.correlation.intent")
	AttrAction      = attribute.Key("warden.action")
	AttrStatus      = attribute.Key("warden.sanction.status")
	AttrTotalWeight = attribute.Key("warden.score.total")
	AttrCommand     = attribute.Key("warden.command")
	AttrOutcome     = attribute.Key("warden.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartConsumerSpan starts a span for an inbound platform event.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartClientSpan starts a span for an outbound platform action.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
