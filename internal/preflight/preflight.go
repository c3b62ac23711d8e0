// Package preflight checks the prerequisites of a run before any device or
// model is opened: the Go runtime, the Ollama daemon and its model, and local
// model files. Every failing check is reported, not just the first.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/pkg/provider/llm/ollama"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// MinGoVersion is the oldest runtime parley is supported on.
const MinGoVersion = "1.26"

// Check is one named prerequisite.
type Check struct {
	Name string

	// Run returns nil when the prerequisite is met. A returned *Failure
	// keeps its hint; any other error is reported without one.
	Run func(ctx context.Context) error
}

// Failure is a failed check. Hint tells the user how to fix it.
type Failure struct {
	Check string
	Err   error
	Hint  string
}

func (f *Failure) Error() string {
	if f.Check == "" {
		return f.Err.Error()
	}
	return f.Check + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(err error, hint string) *Failure {
	return &Failure{Err: err, Hint: hint}
}

// Option configures [Checks].
type Option func(*options)

type options struct {
	httpClient *http.Client
	goVersion  func() string
}

// WithHTTPClient sets the client used to reach HTTP daemons.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithGoVersion overrides the runtime version source, which defaults to
// [runtime.Version].
func WithGoVersion(fn func() string) Option {
	return func(o *options) { o.goVersion = fn }
}

// Checks returns the prerequisites implied by cfg.
func Checks(cfg *config.Config, opts ...Option) []Check {
	o := options{goVersion: runtime.Version}
	for _, opt := range opts {
		opt(&o)
	}

	checks := []Check{{Name: "go", Run: func(context.Context) error { return checkGoVersion(o.goVersion()) }}}

	llmEntry := cfg.Providers.LLM
	if llmEntry.Name == "ollama" {
		checks = append(checks, Check{
			Name: "ollama",
			Run: func(ctx context.Context) error {
				return checkOllama(ctx, llmEntry.BaseURL, llmEntry.Model, o.httpClient)
			},
		})
	}

	sttEntry := cfg.Providers.STT
	if sttEntry.Name == "whisper-native" {
		path := sttEntry.OptionString("model_path")
		if path == "" {
			path = sttEntry.Model
		}
		checks = append(checks, Check{
			Name: "whisper model",
			Run:  func(context.Context) error { return checkFile(path) },
		})
	}
	return checks
}

// maxListedVoices bounds the voice IDs suggested in a failed voice check.
const maxListedVoices = 8

// VoiceCheck verifies that the synthesiser offers voiceID. It needs a built
// provider, so it runs after [Checks]. An empty voiceID passes, and so does a
// provider whose voices cannot be listed: the first reply will tell.
// Kokoro voice mixes ("af_bella+af_sky") pass when every part is offered.
func VoiceCheck(p tts.Provider, voiceID string) Check {
	return Check{
		Name: "tts voice",
		Run: func(ctx context.Context) error {
			if voiceID == "" {
				return nil
			}
			voices, err := p.ListVoices(ctx)
			if err != nil {
				slog.Warn("preflight: cannot list voices", "err", err)
				return nil
			}
			if len(voices) == 0 {
				return nil
			}
			offered := make(map[string]bool, len(voices))
			ids := make([]string, 0, len(voices))
			for _, v := range voices {
				offered[v.ID] = true
				ids = append(ids, v.ID)
			}
			for part := range strings.SplitSeq(voiceID, "+") {
				if offered[strings.TrimSpace(part)] {
					continue
				}
				if len(ids) > maxListedVoices {
					ids = append(ids[:maxListedVoices], "...")
				}
				return fail(
					fmt.Errorf("voice %q is not offered by the TTS provider", voiceID),
					"Set assistant.voice.voice_id to one of: "+strings.Join(ids, ", "),
				)
			}
			return nil
		},
	}
}

// Run executes checks concurrently and returns nil when all pass. Otherwise
// the error is a *multierror.Error holding one *Failure per failed check, in
// the order the checks were given.
func Run(ctx context.Context, checks []Check) error {
	failures := make([]*Failure, len(checks))

	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			err := c.Run(ctx)
			if err == nil {
				slog.Debug("preflight check passed", "check", c.Name)
				return nil
			}
			var f *Failure
			if !errors.As(err, &f) {
				f = &Failure{Err: err}
			}
			f.Check = c.Name
			failures[i] = f
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for _, f := range failures {
		if f != nil {
			merr = multierror.Append(merr, f)
		}
	}
	if merr == nil {
		return nil
	}
	merr.ErrorFormat = formatFailures
	return merr
}

// Failures extracts the failed checks from an error returned by [Run].
func Failures(err error) []*Failure {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		var f *Failure
		if errors.As(err, &f) {
			return []*Failure{f}
		}
		return nil
	}
	out := make([]*Failure, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		var f *Failure
		if errors.As(e, &f) {
			out = append(out, f)
		}
	}
	return out
}

// Readiness converts the checks that probe running daemons into readiness
// checkers. Static checks (runtime, files) are left out.
func Readiness(cfg *config.Config, opts ...Option) []health.Checker {
	var out []health.Checker
	for _, c := range Checks(cfg, opts...) {
		if c.Name != "ollama" {
			continue
		}
		out = append(out, health.Checker{Name: c.Name, Check: c.Run})
	}
	return out
}

func formatFailures(errs []error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d prerequisite check(s) failed:", len(errs))
	for _, err := range errs {
		b.WriteString("\n  * ")
		b.WriteString(err.Error())
		var f *Failure
		if errors.As(err, &f) && f.Hint != "" {
			b.WriteString("\n    ")
			b.WriteString(f.Hint)
		}
	}
	return b.String()
}

func checkGoVersion(raw string) error {
	// Development builds report "devel go1.x-hash ..." and are accepted.
	if strings.HasPrefix(raw, "devel") {
		return nil
	}
	s, _, _ := strings.Cut(strings.TrimPrefix(raw, "go"), " ")
	have, err := version.NewVersion(s)
	if err != nil {
		return fail(fmt.Errorf("parse runtime version %q: %w", raw, err), "")
	}
	want := version.Must(version.NewVersion(MinGoVersion))
	if have.Core().LessThan(want) {
		return fail(
			fmt.Errorf("go %s or newer required (you have %s)", MinGoVersion, have),
			"Rebuild parley with a current Go toolchain.",
		)
	}
	return nil
}

func checkOllama(ctx context.Context, baseURL, model string, client *http.Client) error {
	cat, err := ollama.New(baseURL, client)
	if err != nil {
		return fail(err, "Fix providers.llm.base_url in the config file.")
	}
	if err := cat.Ping(ctx); err != nil {
		return fail(err, "Run: ollama serve")
	}
	if model == "" {
		return nil
	}
	if err := cat.RequireModel(ctx, model); err != nil {
		if errors.Is(err, ollama.ErrModelNotFound) {
			return fail(err, "Run: ollama pull "+model)
		}
		return fail(err, "")
	}
	return nil
}

func checkFile(path string) error {
	if path == "" {
		return fail(errors.New("no model path configured"), "Set providers.stt.options.model_path.")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fail(fmt.Errorf("model file: %w", err), "Download a ggml whisper model to "+path+".")
	}
	if info.IsDir() {
		return fail(fmt.Errorf("model file %s is a directory", path), "")
	}
	return nil
}
