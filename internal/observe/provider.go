package observe

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// AttrMode is the resource attribute naming the front-end (web or terminal)
// the process was started with.
const AttrMode = "parley.mode"

type providerSettings struct {
	version    string
	mode       string
	registerer prometheus.Registerer
	exporter   sdktrace.SpanExporter
	sampler    sdktrace.Sampler
	metrics    bool
}

// ProviderOption customises [InitProvider].
type ProviderOption func(*providerSettings)

// WithVersion sets the service.version resource attribute.
func WithVersion(v string) ProviderOption {
	return func(s *providerSettings) { s.version = v }
}

// WithMode records the front-end in the [AttrMode] resource attribute.
func WithMode(mode string) ProviderOption {
	return func(s *providerSettings) { s.mode = mode }
}

// WithRegisterer sends the Prometheus collectors to r instead of the default
// registry served by promhttp.Handler.
func WithRegisterer(r prometheus.Registerer) ProviderOption {
	return func(s *providerSettings) { s.registerer = r }
}

// WithSpanExporter batches finished spans to exp. Without one, spans are
// sampled for log correlation but never leave the process.
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(s *providerSettings) { s.exporter = exp }
}

// WithSampleRatio samples the given fraction of new traces. Traces continued
// from a sampled parent are always kept.
func WithSampleRatio(ratio float64) ProviderOption {
	return func(s *providerSettings) {
		s.sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// WithoutMetrics skips the Prometheus bridge. Instruments still work but
// record into a meter provider nobody reads.
func WithoutMetrics() ProviderOption {
	return func(s *providerSettings) { s.metrics = false }
}

// InitProvider installs the global OTel meter and tracer providers and the
// W3C trace-context propagator. Metrics are bridged into Prometheus so the
// web front-end can serve them on /metrics.
//
// The returned shutdown flushes both providers; call it once on exit.
func InitProvider(ctx context.Context, opts ...ProviderOption) (shutdown func(context.Context) error, err error) {
	s := providerSettings{metrics: true, sampler: sdktrace.ParentBased(sdktrace.AlwaysSample())}
	for _, o := range opts {
		o(&s)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName("parley")}
	if s.version != "" {
		attrs = append(attrs, semconv.ServiceVersion(s.version))
	}
	if s.mode != "" {
		attrs = append(attrs, attribute.String(AttrMode, s.mode))
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithProcessRuntimeVersion(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, err
	}

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if s.metrics {
		var promOpts []promexporter.Option
		if s.registerer != nil {
			promOpts = append(promOpts, promexporter.WithRegisterer(s.registerer))
		}
		reader, err := promexporter.New(promOpts...)
		if err != nil {
			return nil, err
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(s.sampler),
	}
	if s.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(s.exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		var result *multierror.Error
		if err := tp.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	}, nil
}
