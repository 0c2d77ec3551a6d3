package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartDispatch opens the span covering one proxied request.
func StartDispatch(ctx context.Context, requestID, method, path, mode string) (context.Context, trace.Span) {
	return start(ctx, "proxy", "proxy.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("proxy.request_id", requestID),
			attribute.String("http.method", method),
			attribute.String("http.target", path),
			attribute.String("proxy.streaming_mode", mode),
		),
	)
}

// StartRotation opens the span covering one credential switch.
func StartRotation(ctx context.Context, from, to int, reason string) (context.Context, trace.Span) {
	return start(ctx, "credential", "credential.switch",
		trace.WithAttributes(
			attribute.Int("credential.from", from),
			attribute.Int("credential.to", to),
			attribute.String("credential.reason", reason),
		),
	)
}

// EndWithError records err (if any) on the span and ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
