// Package observe provides application-wide observability primitives for
// moshi: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all moshi metrics.
const meterName = "github.com/eschmidbauer/moshi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// AudioSeconds counts total audio duration pushed through the detector.
	// Measured in seconds of audio, not wall time.
	AudioSeconds metric.Float64Counter

	// TranscriptUpdates counts emitted updates. Use with attribute:
	//   attribute.String("kind", "partial" or "final")
	TranscriptUpdates metric.Int64Counter

	// WordEvents counts recogniser events ingested. Use with attribute:
	//   attribute.String("type", "word" or "end_word")
	WordEvents metric.Int64Counter

	// ProtocolErrors counts malformed client messages. Use with attribute:
	//   attribute.String("reason", ...)
	ProtocolErrors metric.Int64Counter

	// SegmentDuration tracks the span of finalised segments (stop minus start).
	SegmentDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsOpened counts sessions opened since process start.
	SessionsOpened metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// segmentBuckets defines histogram bucket boundaries (in seconds) sized for
// spoken utterances, from a clipped single word to a long monologue.
var segmentBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AudioSeconds, err = m.Float64Counter("moshi.audio.seconds",
		metric.WithDescription("Total audio duration ingested, in seconds of audio."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.TranscriptUpdates, err = m.Int64Counter("moshi.transcript.updates",
		metric.WithDescription("Total transcript updates emitted by kind."),
	); err != nil {
		return nil, err
	}
	if met.WordEvents, err = m.Int64Counter("moshi.word.events",
		metric.WithDescription("Total recogniser word events ingested by type."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("moshi.protocol.errors",
		metric.WithDescription("Total malformed client messages by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("moshi.segment.duration",
		metric.WithDescription("Duration of finalised transcript segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("moshi.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsOpened, err = m.Int64Counter("moshi.sessions.opened",
		metric.WithDescription("Total sessions opened since process start."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("moshi.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUpdate records one emitted transcript update of the given kind
// ("partial" or "final").
func (m *Metrics) RecordUpdate(ctx context.Context, kind string) {
	m.TranscriptUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordWordEvent records one ingested recogniser event of the given type
// ("word" or "end_word").
func (m *Metrics) RecordWordEvent(ctx context.Context, typ string) {
	m.WordEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordProtocolError records one malformed client message.
func (m *Metrics) RecordProtocolError(ctx context.Context, reason string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
