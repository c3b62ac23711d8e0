// Package health serves the web front-end's liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP and reports
// uptime plus, when wired, the number of open conversations. GET /readyz
// runs the registered [Checker]s (typically "is the Ollama daemon up") and
// answers 503 if any of them fails. Readiness results are cached briefly so
// that a tight probe loop does not hammer the model server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults for [New].
const (
	DefaultCheckTimeout = 5 * time.Second
	DefaultCacheTTL     = 2 * time.Second
)

// Checker probes one dependency. Check returns nil when it is usable.
type Checker struct {
	// Name keys the result in the /readyz body, e.g. "ollama".
	Name string

	// Check must honour ctx cancellation.
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the /readyz body.
type Report struct {
	Status    string                 `json:"status"`
	CheckedAt time.Time              `json:"checked_at"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == "ok" }

type liveness struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Sessions *int   `json:"sessions,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout bounds each check. The default is [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithCacheTTL sets how long a readiness report is reused. Zero disables
// caching.
func WithCacheTTL(d time.Duration) Option {
	return func(h *Handler) {
		if d >= 0 {
			h.ttl = d
		}
	}
}

// WithSessionCount adds the open conversation count to /healthz.
func WithSessionCount(fn func() int) Option {
	return func(h *Handler) { h.sessions = fn }
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	ttl      time.Duration
	sessions func() int
	started  time.Time
	now      func() time.Time

	mu     sync.Mutex
	cached *Report
}

// New returns a Handler evaluating checkers on /readyz.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
		ttl:      DefaultCacheTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.started = h.now()
	return h
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	body := liveness{
		Status: "ok",
		Uptime: h.now().Sub(h.started).Round(time.Second).String(),
	}
	if h.sessions != nil {
		n := h.sessions()
		body.Sessions = &n
	}
	writeJSON(w, http.StatusOK, body)
}

// Readyz answers 200 when every check passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Check returns a readiness report, reusing the previous one while it is
// younger than the cache TTL. Checks run concurrently and a failing check
// does not cancel the others.
func (h *Handler) Check(ctx context.Context) Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cached != nil && h.now().Sub(h.cached.CheckedAt) < h.ttl {
		return *h.cached
	}

	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", CheckedAt: h.now()}
	if len(h.checkers) > 0 {
		rep.Checks = make(map[string]CheckResult, len(h.checkers))
	}
	for i, c := range h.checkers {
		rep.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			rep.Status = "fail"
		}
	}
	// A request cancelled mid-check says nothing about the dependency.
	if ctx.Err() == nil {
		h.cached = &rep
	}
	return rep
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
