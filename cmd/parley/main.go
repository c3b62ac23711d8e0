// Command parley is a local voice assistant. It runs either a web front-end
// or a terminal conversation on the local sound card.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/preflight"
	"github.com/MrWong99/parley/internal/terminal"
	"github.com/MrWong99/parley/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	modeWeb      = "web"
	modeTerminal = "terminal"
)

var modes = []string{modeWeb, modeTerminal}

// voiceCheckTimeout bounds the voice listing done after the providers are built.
const voiceCheckTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type cliFlags struct {
	configPath string
	logLevel   string
	fixed      bool
	help       bool
}

func run(args []string, stdout, stderr io.Writer) int {
	out := newOutput(stdout, stderr)

	// ── CLI flags ──────────────────────────────────────────────────────────────
	var cf cliFlags
	fs := pflag.NewFlagSet("parley", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&cf.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	fs.StringVar(&cf.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	fs.BoolVar(&cf.fixed, "fixed", false, "terminal mode: record a fixed-length clip per turn instead of using voice activity")
	fs.BoolVarP(&cf.help, "help", "h", false, "show this help")

	if err := fs.Parse(args); err != nil {
		out.Error(err)
		out.Usage(fs)
		return 1
	}
	if cf.help {
		out.Usage(fs)
		return 0
	}
	if fs.NArg() == 0 {
		out.Error(errors.New("no mode specified"))
		out.Usage(fs)
		return 1
	}
	if fs.NArg() > 1 {
		out.Error(fmt.Errorf("expected one mode, got %d", fs.NArg()))
		out.Usage(fs)
		return 1
	}
	mode := fs.Arg(0)
	if !slices.Contains(modes, mode) {
		out.Error(fmt.Errorf("invalid mode %q", mode))
		out.Usage(fs)
		return 1
	}
	if cf.logLevel != "" && !config.LogLevel(cf.logLevel).IsValid() {
		out.Error(fmt.Errorf("invalid --log-level %q", cf.logLevel))
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration ─────────────────────────────────────────────────────────
	var live atomic.Pointer[app.App]
	onChange := func(_, newCfg *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged && cf.logLevel == "" {
			level.Set(newCfg.Server.LogLevel.SlogLevel())
		}
		if a := live.Load(); a != nil {
			a.Reload(nil, newCfg, d)
		}
	}
	cfg, current, stopWatch, err := loadConfig(cf.configPath, onChange)
	if err != nil {
		out.Error(err)
		return 1
	}
	defer stopWatch()

	if cf.logLevel != "" {
		level.Set(config.LogLevel(cf.logLevel).SlogLevel())
	} else {
		level.Set(cfg.Server.LogLevel.SlogLevel())
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Prerequisites ─────────────────────────────────────────────────────────
	if err := preflight.Run(ctx, preflight.Checks(cfg)); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		out.Diagnostics(preflight.Failures(err))
		return 1
	}
	slog.Info("all prerequisites met")

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetryOpts := []observe.ProviderOption{observe.WithVersion(version), observe.WithMode(mode)}
	if !cfg.Telemetry.MetricsEnabled() {
		telemetryOpts = append(telemetryOpts, observe.WithoutMetrics())
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, telemetryOpts...)
	if err != nil {
		out.Error(fmt.Errorf("init telemetry: %w", err))
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		out.Error(err)
		return 1
	}
	vctx, cancelVoice := context.WithTimeout(ctx, voiceCheckTimeout)
	err = preflight.Run(vctx, []preflight.Check{preflight.VoiceCheck(providers.TTS, cfg.Assistant.Voice.VoiceID)})
	cancelVoice()
	if err != nil {
		_ = providers.Close()
		if ctx.Err() != nil {
			return 0
		}
		out.Diagnostics(preflight.Failures(err))
		return 1
	}
	if mode == modeTerminal {
		if err := providers.OpenAudio(cfg, reg); err != nil {
			_ = providers.Close()
			out.Error(err)
			return 1
		}
	}

	application, err := app.New(cfg, providers, app.WithConfigSource(current))
	if err != nil {
		_ = providers.Close()
		out.Error(err)
		return 1
	}
	live.Store(application)

	modeLabel := mode
	if mode == modeTerminal && cf.fixed {
		modeLabel = "terminal (fixed " + cfg.Pipeline.FixedRecord.String() + ")"
	}
	ui := terminal.New(stdout, cfg.Assistant.Name)
	ui.Banner(bannerInfo(cfg, modeLabel))

	// ── Run ───────────────────────────────────────────────────────────────────
	var runErr error
	switch mode {
	case modeWeb:
		runErr = runWeb(ctx, application, cfg)
	case modeTerminal:
		runErr = terminal.Run(ctx, application, ui, terminal.Options{Fixed: cf.fixed})
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		ui.Error(runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig watches path for changes. A missing file is not an error: the
// built-in defaults are used and nothing is watched.
func loadConfig(path string, onChange config.ChangeFunc) (*config.Config, func() *config.Config, func(), error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		cfg := config.Default()
		return cfg, func() *config.Config { return cfg }, func() {}, nil
	}
	w, err := config.NewWatcher(path, onChange)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.Info("configuration loaded", "path", path)

	// SIGHUP forces a reload without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-hup:
				if _, err := w.Reload(); err != nil {
					slog.Warn("config reload failed", "path", path, "err", err)
				}
			}
		}
	}()
	stop := func() {
		signal.Stop(hup)
		close(done)
		w.Stop()
	}
	return w.Current(), w.Current, stop, nil
}

func runWeb(ctx context.Context, a *app.App, cfg *config.Config) error {
	sessions := app.NewSessionManager(a)
	opts := []web.Option{web.WithReadiness(preflight.Readiness(cfg)...)}
	if cfg.Telemetry.MetricsEnabled() {
		opts = append(opts, web.WithPrometheus(prometheus.DefaultGatherer))
	}
	srv := web.New(a, sessions, opts...)

	scheme := "http"
	if cfg.Server.TLS != nil {
		scheme = "https"
	}
	slog.Info("web server ready, press Ctrl+C to stop", "url", scheme+"://"+cfg.Server.ListenAddr)
	return srv.ListenAndServe(ctx, cfg.Server)
}

func bannerInfo(cfg *config.Config, mode string) terminal.BannerInfo {
	p := cfg.Providers
	withModel := func(e config.ProviderEntry) string {
		if e.Name == "" || e.Model == "" {
			return e.Name
		}
		return e.Name + " / " + e.Model
	}
	return terminal.BannerInfo{
		Assistant: cfg.Assistant.Name,
		Mode:      mode,
		LLM:       withModel(p.LLM),
		STT:       withModel(p.STT),
		TTS:       withModel(p.TTS),
		VAD:       p.VAD.Name,
	}
}
