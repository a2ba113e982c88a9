package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerScope is the instrumentation scope for spans opened by this package.
const tracerScope = "github.com/kitsunebi-ai/kitsunebi"

// StartSpan opens a span named name on the globally registered tracer
// provider. The caller owns span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerScope).Start(ctx, name, opts...)
}

// CorrelationID returns the identifier that ties one request's events, logs
// and spans together: the active trace ID. Empty when ctx carries no span.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger annotated with the active trace and span
// IDs, so pipeline log lines can be joined back to their traces. Without a
// span it is just [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
