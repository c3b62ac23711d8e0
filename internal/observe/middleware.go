package observe

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// HeaderSession names the request header that carries a web session ID.
const HeaderSession = "X-Session-ID"

// HeaderTrace is the response header that echoes the request's trace ID.
const HeaderTrace = "X-Trace-ID"

// responseRecorder captures the status code and body size written by the
// wrapped handler.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to a WebSocket upgrade. The status is recorded
// as 101 since the handler never writes one through this recorder.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// route returns the mux pattern that matched r, falling back to the raw path
// so that unmatched requests are still attributed.
func route(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// requestSession returns the session named by the session header or the
// session query parameter.
func requestSession(r *http.Request) string {
	if id := r.Header.Get(HeaderSession); id != "" {
		return id
	}
	return r.URL.Query().Get("session")
}

// Middleware traces and measures every request. It continues a W3C trace
// from the request headers, echoes the trace ID in [HeaderTrace], tags the
// context with the request's session (see [WithSession]) and records
// the duration with [Metrics.RecordHTTP] by method and route pattern.
//
// WebSocket upgrades are traced but left out of the duration histogram,
// since a connection lives as long as its conversation.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	tracer := otel.Tracer(tracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if id := requestSession(r); id != "" {
				ctx = WithSession(ctx, id)
			}
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				w.Header().Set(HeaderTrace, sc.TraceID().String())
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			upgrade := isUpgrade(r)

			next.ServeHTTP(rec, r)

			// The mux fills in the pattern while routing.
			path := route(r)
			span.SetName(r.Method + " " + strings.TrimPrefix(path, r.Method+" "))
			span.SetAttributes(
				semconv.HTTPResponseStatusCode(rec.status),
				semconv.HTTPRoute(path),
			)

			d := time.Since(start)
			if !upgrade {
				m.RecordHTTP(ctx, r.Method, path, d)
			}

			Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "request completed",
				slog.String("method", r.Method),
				slog.String("route", path),
				slog.Int("status", rec.status),
				slog.Int64("bytes", rec.written),
				slog.Bool("websocket", upgrade),
				slog.Duration("duration", d),
			)
		})
	}
}
