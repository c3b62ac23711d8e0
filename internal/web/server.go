// Package web serves the browser front-end.
//
// The page is a push-to-talk client: it records one utterance at a time and
// uploads it either over the WebSocket at /ws (binary PCM16) or as a WAV file
// to POST /api/turn. The reply comes back as text plus a WAV file. With
// /ws?mode=stream the browser instead streams its microphone continuously and
// the server runs the full voice-activity pipeline and session loop on it.
//
// Every browser conversation is an [app.WebSession] with its own history.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
)

//go:embed static
var staticFS embed.FS

// Defaults for the HTTP server.
const (
	defaultReapInterval    = time.Minute
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second

	// maxUploadBytes bounds a single uploaded utterance. 15 s of 48 kHz
	// stereo float WAV is well below this.
	maxUploadBytes = 32 << 20
)

// Option configures a [Server].
type Option func(*Server)

// WithReadiness registers the checks served on /readyz.
func WithReadiness(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithPrometheus serves g on /metrics. Without this option /metrics is not
// registered.
func WithPrometheus(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithOriginPatterns allows WebSocket connections from the given host
// patterns in addition to the page's own origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

// WithReapInterval sets how often idle sessions are closed.
func WithReapInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.reapInterval = d
		}
	}
}

// WithShutdownTimeout bounds how long Serve waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server is the web front-end.
type Server struct {
	app      *app.App
	sessions *app.SessionManager

	checkers       []health.Checker
	gatherer       prometheus.Gatherer
	originPatterns []string

	reapInterval    time.Duration
	shutdownTimeout time.Duration
}

// New creates a Server that runs conversations from a and keeps them in
// sessions.
func New(a *app.App, sessions *app.SessionManager, opts ...Option) *Server {
	s := &Server{
		app:             a,
		sessions:        sessions,
		reapInterval:    defaultReapInterval,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the complete HTTP handler, wrapped in the tracing and
// metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/turn", s.handleTurn)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/voices", s.handleVoices)

	health.New(s.checkers, health.WithSessionCount(s.sessions.Len)).Register(mux)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return observe.Middleware(s.app.Metrics())(mux)
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled. TLS is used when the server config names a certificate.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.ServerConfig) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("web: listen on %s: %w", cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln, cfg.TLS)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts the HTTP
// server down gracefully and closes every session. A clean shutdown returns
// nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener, tls *config.TLSConfig) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		// WebSocket handlers watch the request context, so cancelling ctx
		// ends live conversations as well.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheme := "http"
		if tls != nil {
			scheme = "https"
		}
		slog.Info("web server listening", "url", fmt.Sprintf("%s://%s", scheme, ln.Addr()))

		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.sessions.CloseAll()
		if err != nil {
			return fmt.Errorf("web: shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.sessions.RunReaper(gctx, s.reapInterval)
		return nil
	})

	return g.Wait()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFileFS(w, r, staticFS, "static/index.html")
}
