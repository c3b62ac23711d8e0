// Package observe wires parley's telemetry: OpenTelemetry metrics bridged to
// Prometheus, tracing, trace-aware slog output and the HTTP middleware that
// ties a request to all three.
//
// Code records through a [Metrics] value. [DefaultMetrics] binds to the
// global meter provider that [InitProvider] installs; tests build their own
// with [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every parley instrument.
const meterName = "github.com/MrWong99/parley"

// Provider kinds, used as the "kind" attribute.
const (
	KindSTT = "stt"
	KindLLM = "llm"
	KindTTS = "tts"
)

// stageBuckets are in seconds. Local models are slow, so the tail is long.
var stageBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

// Metrics records parley's instruments. The zero value is not usable; the
// methods are safe for concurrent use.
type Metrics struct {
	stages   map[string]metric.Float64Histogram
	playback metric.Float64Histogram
	http     metric.Float64Histogram

	turns    metric.Int64Counter
	speech   metric.Int64Counter
	requests metric.Int64Counter
	failures metric.Int64Counter
	sessions metric.Int64UpDownCounter
}

// builder creates instruments and remembers every failure.
type builder struct {
	m    metric.Meter
	errs *multierror.Error
}

func (b *builder) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	b.errs = multierror.Append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = multierror.Append(b.errs, err)
	return c
}

// NewMetrics registers parley's instruments with mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{m: mp.Meter(meterName)}
	m := &Metrics{
		stages: map[string]metric.Float64Histogram{
			KindSTT: b.histogram("parley.stt.duration", "Time to transcribe one utterance.", stageBuckets...),
			KindLLM: b.histogram("parley.llm.duration", "Time to generate one reply.", stageBuckets...),
			KindTTS: b.histogram("parley.tts.duration", "Time to synthesise one reply.", stageBuckets...),
		},
		playback: b.histogram("parley.playback.duration", "Time spent playing one reply.", stageBuckets...),
		http:     b.histogram("parley.http.request.duration", "HTTP request latency by method and route."),

		turns:    b.counter("parley.turns", "Finished turns by outcome."),
		speech:   b.counter("parley.speech.events", "Utterance boundaries by kind."),
		requests: b.counter("parley.provider.requests", "Provider calls by provider, kind and status."),
		failures: b.counter("parley.provider.errors", "Failed provider calls by provider and kind."),
	}
	var err error
	m.sessions, err = b.m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Conversations currently running."))
	b.errs = multierror.Append(b.errs, err)

	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on the global meter
// provider. Install the provider with [InitProvider] before the first call.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordProviderCall records one provider call on the kind's latency
// histogram and the request counter. Failed calls also count as errors.
// Kinds other than stt, llm and tts only count.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind string, d time.Duration, err error) {
	if h, ok := m.stages[kind]; ok {
		h.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("provider", provider)))
	}
	status := "ok"
	if err != nil {
		status = "error"
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		))
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSpeechEvent counts an utterance boundary.
func (m *Metrics) RecordSpeechEvent(ctx context.Context, kind string) {
	m.speech.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPlayback records how long a reply played.
func (m *Metrics) RecordPlayback(ctx context.Context, d time.Duration) {
	m.playback.Record(ctx, d.Seconds())
}

// RecordHTTP records one served request. route is the mux pattern, not the
// raw path.
func (m *Metrics) RecordHTTP(ctx context.Context, method, route string, d time.Duration) {
	m.http.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", route),
	))
}

// AddSessions moves the running-session gauge by delta.
func (m *Metrics) AddSessions(ctx context.Context, delta int64) {
	m.sessions.Add(ctx, delta)
}
