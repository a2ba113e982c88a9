// Package observe provides application-wide observability primitives for
// Kitsunebi: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Kitsunebi metrics.
const meterName = "github.com/kitsunebi-ai/kitsunebi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// PolicyDuration tracks full policy invocation latency per segment.
	PolicyDuration metric.Float64Histogram

	// TTSDuration tracks per-chunk text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PipelineStageDuration tracks named pipeline stages. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("mode", ...)
	PipelineStageDuration metric.Float64Histogram

	// --- Counters ---

	// PolicyFailures counts policy invocations that ended without a usable
	// reply (unavailable or meta.status == "error").
	PolicyFailures metric.Int64Counter

	// SegmentsDeduped counts ASR segments rejected by the dedup registry.
	SegmentsDeduped metric.Int64Counter

	// ChunksSynthesized counts successfully synthesised reply chunks. Use with
	// attribute: attribute.String("mode", ...).
	ChunksSynthesized metric.Int64Counter

	// ChildRestarts counts supervised child process restarts. Use with
	// attribute: attribute.String("service", ...).
	ChildRestarts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming reply sessions.
	ActiveSessions metric.Int64UpDownCounter

	// WebSocketClients tracks the number of connected event subscribers.
	WebSocketClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversation-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PolicyDuration, err = m.Float64Histogram("kitsunebi.policy.duration",
		metric.WithDescription("Latency of one full policy invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("kitsunebi.tts.duration",
		metric.WithDescription("Latency of per-chunk speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineStageDuration, err = m.Float64Histogram("kitsunebi.pipeline.stage.duration",
		metric.WithDescription("Latency of named pipeline stages by stage and mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PolicyFailures, err = m.Int64Counter("kitsunebi.policy.failures",
		metric.WithDescription("Total policy invocations that produced no usable reply."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDeduped, err = m.Int64Counter("kitsunebi.segments.deduped",
		metric.WithDescription("Total ASR segments rejected as duplicates."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSynthesized, err = m.Int64Counter("kitsunebi.tts.chunks",
		metric.WithDescription("Total successfully synthesised reply chunks by mode."),
	); err != nil {
		return nil, err
	}
	if met.ChildRestarts, err = m.Int64Counter("kitsunebi.supervisor.restarts",
		metric.WithDescription("Total supervised child process restarts by service."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kitsunebi.active_sessions",
		metric.WithDescription("Number of live streaming reply sessions."),
	); err != nil {
		return nil, err
	}
	if met.WebSocketClients, err = m.Int64UpDownCounter("kitsunebi.websocket_clients",
		metric.WithDescription("Number of connected event subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kitsunebi.http.request.duration",
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

// RecordStage records one named pipeline stage duration. latencyMS is in
// milliseconds as measured by the pipeline; the histogram stores seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage, mode string, latencyMS float64) {
	m.PipelineStageDuration.Record(ctx, latencyMS/1000,
		metric.WithAttributes(Attr("stage", stage), Attr("mode", mode)))
}

// RecordPolicyFailure records one failed policy invocation.
func (m *Metrics) RecordPolicyFailure(ctx context.Context) {
	m.PolicyFailures.Add(ctx, 1)
}

// RecordDedup records one rejected duplicate segment.
func (m *Metrics) RecordDedup(ctx context.Context) {
	m.SegmentsDeduped.Add(ctx, 1)
}

// RecordChunk records one successfully synthesised chunk with its latency.
func (m *Metrics) RecordChunk(ctx context.Context, mode string, latencyMS float64) {
	m.ChunksSynthesized.Add(ctx, 1, metric.WithAttributes(Attr("mode", mode)))
	m.TTSDuration.Record(ctx, latencyMS/1000)
}

// RecordRestart records one supervised child restart.
func (m *Metrics) RecordRestart(ctx context.Context, service string) {
	m.ChildRestarts.Add(ctx, 1, metric.WithAttributes(Attr("service", service)))
}
