// Package app wires the parley subsystems into a running application.
//
// [App] owns the providers and builds the per-conversation pieces from the
// current configuration: a [turn.Controller] for each conversation and an
// [utterance.Recorder] for each audio stream. Controllers created through the
// App follow configuration hot reloads until they are released.
//
// For testing, construct [Providers] from mocks and pass them to New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/speech"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/utterance"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// App owns the provider lifetimes and builds conversation components.
type App struct {
	providers *Providers
	metrics   *observe.Metrics
	current   func() *config.Config

	mu          sync.Mutex
	controllers map[*turn.Controller]struct{}

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithConfigSource makes the App read the configuration through fn, e.g.
// [config.Watcher.Current], so new conversations pick up reloaded settings.
func WithConfigSource(fn func() *config.Config) Option {
	return func(a *App) { a.current = fn }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCloser registers fn to run during Shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App around providers. cfg is used unless a config source
// option overrides it.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil || providers.VAD == nil {
		return nil, errors.New("app: LLM, STT, TTS and VAD providers are required")
	}
	a := &App{
		providers:   providers,
		current:     func() *config.Config { return cfg },
		controllers: make(map[*turn.Controller]struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.closers = append([]func() error{providers.Close}, a.closers...)
	return a, nil
}

// Config returns the current configuration.
func (a *App) Config() *config.Config { return a.current() }

// Providers returns the provider set.
func (a *App) Providers() *Providers { return a.providers }

// Metrics returns the metrics instance shared by all conversations.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// NewController builds a turn controller that plays replies through player.
// onStage may be nil. Call [App.Release] when the conversation is over.
func (a *App) NewController(player audio.Player, onStage func(turn.Stage, string)) (*turn.Controller, error) {
	cfg := a.current()
	asst, pipe := cfg.Assistant, cfg.Pipeline

	ctrl, err := turn.NewController(turn.Config{
		STT:           a.providers.STT,
		LLM:           a.providers.LLM,
		TTS:           a.providers.TTS,
		Player:        player,
		AssistantName: asst.Name,
		SystemPrompt:  asst.SystemPrompt,
		Voice:         voiceOptions(asst.Voice),
		Language:      pipe.Language,
		MinUtterance:  pipe.MinUtterance(),
		EndMarkers:    asst.EndMarkers,
		Farewells:     asst.Farewells,
		Timeouts: turn.Timeouts{
			STT:      pipe.Timeouts.STT,
			LLM:      pipe.Timeouts.LLM,
			TTS:      pipe.Timeouts.TTS,
			Playback: pipe.Timeouts.Playback,
		},
		Names:   a.providers.Names,
		Metrics: a.metrics,
		OnStage: onStage,
	})
	if err != nil {
		return nil, fmt.Errorf("app: new controller: %w", err)
	}

	a.mu.Lock()
	a.controllers[ctrl] = struct{}{}
	a.mu.Unlock()
	return ctrl, nil
}

// Release stops applying config reloads to ctrl.
func (a *App) Release(ctrl *turn.Controller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.controllers, ctrl)
}

// NewRecorder builds a VAD-driven recorder over src. Every speech event is
// counted and passed on to onEvent, which may be nil. The returned close
// function releases the classifier.
func (a *App) NewRecorder(src *audio.FrameSource, onEvent func(speech.Event)) (*utterance.Recorder, func() error, error) {
	cfg := a.current()
	pipe := cfg.Pipeline
	vadEntry := cfg.Providers.VAD

	cls, err := a.providers.VAD.NewClassifier(vad.Config{
		SampleRate:      src.SampleRate(),
		FrameSizeMs:     pipe.FrameMs,
		Aggressiveness:  vadEntry.OptionInt("aggressiveness", 2),
		EnergyThreshold: vadEntry.OptionFloat("threshold", 0),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("app: new vad classifier: %w", err)
	}

	tracker := speech.New(cls, speech.Config{
		ActivationFrames:   pipe.ActivationFrames,
		SilenceFramesToEnd: speech.SilenceFrames(pipe.Silence(), pipe.FrameDuration()),
		FrameSamples:       src.FrameSize(),
	})
	hook := func(ev speech.Event) {
		a.metrics.RecordSpeechEvent(context.Background(), ev.Kind.String())
		if onEvent != nil {
			onEvent(ev)
		}
	}
	rec := utterance.NewRecorder(src, tracker, utterance.RecorderConfig{
		MaxFrames:     utterance.MaxFrames(pipe.MaxUtterance, pipe.FrameDuration()),
		ListenTimeout: pipe.ListenTimeout,
	}, utterance.WithEventHook(hook))
	return rec, cls.Close, nil
}

// NewFrameSource creates a frame source at the configured capture rate and
// frame duration. capture may be nil for sources fed through Write.
func (a *App) NewFrameSource(capture audio.Capture) *audio.FrameSource {
	pipe := a.current().Pipeline
	return audio.NewFrameSource(capture,
		audio.WithSampleRate(pipe.CaptureSampleRate),
		audio.WithFrameDuration(pipe.FrameDuration()),
	)
}

// Reload applies the hot-reloadable parts of a configuration change to every
// live controller. It matches [config.ChangeFunc] minus the log level, which
// the caller owns.
func (a *App) Reload(_, newCfg *config.Config, d config.ConfigDiff) {
	if !d.AssistantChanged() {
		return
	}
	asst := newCfg.Assistant

	a.mu.Lock()
	ctrls := make([]*turn.Controller, 0, len(a.controllers))
	for c := range a.controllers {
		ctrls = append(ctrls, c)
	}
	a.mu.Unlock()

	for _, c := range ctrls {
		if d.PromptChanged {
			c.SetSystemPrompt(asst.SystemPrompt)
		}
		if d.VoiceChanged {
			c.SetVoice(voiceOptions(asst.Voice))
		}
		if d.EndMarkersChanged {
			c.SetEndMarkers(asst.EndMarkers)
		}
		if d.FarewellsChanged {
			c.SetFarewells(asst.Farewells)
		}
	}
	slog.Info("assistant settings reloaded", "conversations", len(ctrls))
}

// Shutdown releases all resources in reverse registration order. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				return
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func voiceOptions(v config.VoiceConfig) tts.Options {
	return tts.Options{Voice: v.VoiceID, Speed: tts.ClampSpeed(v.Speed)}
}
