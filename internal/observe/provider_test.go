package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// restoreGlobals puts the global providers back after InitProvider replaced
// them.
func restoreGlobals(t *testing.T) {
	t.Helper()
	mp, tp, prop := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

// retainingExporter keeps its spans across Shutdown so the test can read
// what the final flush delivered.
type retainingExporter struct {
	*tracetest.InMemoryExporter
}

func (retainingExporter) Shutdown(context.Context) error { return nil }

func gatheredNames(t *testing.T, reg *prometheus.Registry) []string {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	return names
}

func TestInitProvider_BridgesMetrics(t *testing.T) {
	restoreGlobals(t)
	reg := prometheus.NewRegistry()

	shutdown, err := InitProvider(context.Background(), WithRegisterer(reg), WithVersion("1.2.3"), WithMode("web"))
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordTurn(context.Background(), "completed")

	names := gatheredNames(t, reg)
	found := false
	for _, n := range names {
		if strings.HasPrefix(n, "parley_turns") {
			found = true
		}
	}
	if !found {
		t.Errorf("gathered families %v, want a parley_turns family", names)
	}
}

func TestInitProvider_WithoutMetrics(t *testing.T) {
	restoreGlobals(t)
	reg := prometheus.NewRegistry()

	shutdown, err := InitProvider(context.Background(), WithRegisterer(reg), WithoutMetrics())
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordTurn(context.Background(), "completed")

	if names := gatheredNames(t, reg); len(names) != 0 {
		t.Errorf("gathered families %v, want none", names)
	}
}

func TestInitProvider_ExportsSpans(t *testing.T) {
	restoreGlobals(t)
	exp := tracetest.NewInMemoryExporter()

	shutdown, err := InitProvider(context.Background(), WithoutMetrics(), WithSpanExporter(retainingExporter{exp}), WithMode("terminal"))
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	_, span := StartSpan(WithSession(context.Background(), "s1"), "turn")
	span.End()

	// Shutdown flushes the batcher.
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	mode, ok := attrValue(spans[0].Resource.Attributes(), AttrMode)
	if !ok || mode.AsString() != "terminal" {
		t.Errorf("resource %s = %q, want terminal", AttrMode, mode.AsString())
	}
	svc, _ := attrValue(spans[0].Resource.Attributes(), "service.name")
	if svc.AsString() != "parley" {
		t.Errorf("service.name = %q, want parley", svc.AsString())
	}
}

func TestInitProvider_SampleRatioZero(t *testing.T) {
	restoreGlobals(t)
	exp := tracetest.NewInMemoryExporter()

	shutdown, err := InitProvider(context.Background(), WithoutMetrics(), WithSpanExporter(exp), WithSampleRatio(0))
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	_, span := StartSpan(context.Background(), "turn")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := len(exp.GetSpans()); n != 0 {
		t.Errorf("exported spans = %d, want 0 at ratio 0", n)
	}
}
