package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartInvocationSpan starts the span of one invocation. Host-provided
// attributes are copied onto it.
func StartInvocationSpan(ctx context.Context, function string, hostAttrs map[string]string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	for k, v := range hostAttrs {
		attrs = append(attrs, attribute.String(k, v))
	}
	attrs = append(attrs, AttrFunctionName.String(function))
	return Tracer().Start(ctx, "invoke "+function,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartSpan creates an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys for worker spans
var (
	AttrFunctionName = attribute.Key("quasar.function.name")
	AttrFunctionID   = attribute.Key("quasar.function.id")
	AttrInvocationID = attribute.Key("quasar.invocation.id")
	AttrLane         = attribute.Key("quasar.lane")
	AttrRetryCount   = attribute.Key("quasar.retry_count")
	AttrStatus       = attribute.Key("quasar.status")
)
