package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// serviceName is the service.name resource attribute on everything this
// process exports.
const serviceName = "kitsunebi"

// providerSettings collects the [InitProvider] options.
type providerSettings struct {
	version      string
	spanExporter sdktrace.SpanExporter
}

// ProviderOption configures [InitProvider].
type ProviderOption func(*providerSettings)

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) ProviderOption {
	return func(s *providerSettings) {
		s.version = v
	}
}

// WithSpanExporter exports spans through exp, batched. Without it spans are
// recorded in-process only, which is enough for correlation IDs and the
// trace-aware logger.
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(s *providerSettings) {
		s.spanExporter = exp
	}
}

// InitProvider registers the global OTel providers: a meter provider whose
// reader is the Prometheus exporter bridge (so instruments surface on the
// /metrics endpoint) and a tracer provider. The returned function flushes and
// shuts both down; defer it from main.
func InitProvider(ctx context.Context, opts ...ProviderOption) (func(context.Context) error, error) {
	var set providerSettings
	for _, o := range opts {
		o(&set)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(set.version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if set.spanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(set.spanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
