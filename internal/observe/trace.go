package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of all moshi spans.
const tracerName = "github.com/eschmidbauer/moshi"

// Span attribute keys for the ingest domain.
var (
	sessionIDKey   = attribute.Key("moshi.session.id")
	audioFormatKey = attribute.Key("moshi.audio.format")
)

// SessionID is the span attribute identifying one ingest session.
func SessionID(id string) attribute.KeyValue { return sessionIDKey.String(id) }

// AudioFormat is the span attribute for a connection's negotiated wire format.
func AudioFormat(format string) attribute.KeyValue { return audioFormatKey.String(format) }

// Tracer returns the moshi [trace.Tracer] from the globally registered
// provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span under the moshi tracer. The caller must call
// span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the active trace ID, or "" when ctx carries no span
// with a valid trace ID. It is the value of the X-Correlation-ID header and
// the trace_id log attribute, so one ID follows a request through headers,
// spans, and logs.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] carrying trace_id and span_id from ctx.
// Without an active span it is the default logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
