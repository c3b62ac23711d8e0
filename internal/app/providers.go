package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/miniaudio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/coqui"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/parley/pkg/provider/tts/kokoro"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
	"github.com/MrWong99/parley/pkg/provider/vad/webrtc"
)

// Providers holds one interface value per provider slot. Audio is nil until
// [Providers.OpenAudio] is called, which only terminal mode does.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	VAD   vad.Engine
	Audio audio.Device

	// Names labels metrics and logs with the configured provider names.
	Names turn.ProviderNames

	closers []io.Closer
}

// Close releases every provider that holds native resources, in reverse
// creation order.
func (p *Providers) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func (p *Providers) track(v any) {
	if c, ok := v.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
}

// RegisterBuiltinProviders wires all built-in provider factories into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, name := range anyllm.Backends() {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllm.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllm.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllm.WithBaseURL(entry.BaseURL))
			}
			if t := entry.OptionFloat("temperature", 0); t > 0 {
				opts = append(opts, anyllm.WithTemperature(t))
			}
			if n := entry.OptionInt("max_tokens", 0); n > 0 {
				opts = append(opts, anyllm.WithMaxTokens(n))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	reg.RegisterLLM("openai-compat", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		opts = append(opts, whisperOptions(entry)...)
		return whisper.NewServer(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.OptionString("model_path")
		if modelPath == "" {
			modelPath = entry.Model
		}
		opts := whisperOptions(entry)
		if n := entry.OptionInt("threads", 0); n > 0 {
			opts = append(opts, whisper.WithThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if terms := entry.OptionString("keyterms"); terms != "" {
			opts = append(opts, deepgram.WithKeyterms(strings.Split(terms, ",")...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("kokoro", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []kokoro.Option
		if entry.Model != "" {
			opts = append(opts, kokoro.WithModel(entry.Model))
		}
		if entry.APIKey != "" {
			opts = append(opts, kokoro.WithAPIKey(entry.APIKey))
		}
		if v := entry.OptionString("voice"); v != "" {
			opts = append(opts, kokoro.WithVoice(v))
		}
		return kokoro.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if v := entry.OptionString("voice"); v != "" {
			opts = append(opts, coqui.WithVoice(v))
		}
		if rate := entry.OptionInt("output_sample_rate", 0); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if f := entry.OptionString("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if v := entry.OptionString("voice"); v != "" {
			opts = append(opts, elevenlabs.WithVoice(v))
		}
		if st := entry.OptionFloat("stability", 0); st > 0 {
			opts = append(opts, elevenlabs.WithVoiceSettings(st, entry.OptionFloat("similarity_boost", 0.75)))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("webrtc", func(config.ProviderEntry) (vad.Engine, error) {
		return webrtc.New(), nil
	})
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("malgo", func(entry config.ProviderEntry, p config.PipelineConfig) (audio.Device, error) {
		opts := []miniaudio.Option{
			miniaudio.WithCaptureRate(p.CaptureSampleRate),
			miniaudio.WithPlaybackRate(p.PlaybackSampleRate),
		}
		if n := entry.OptionInt("period_frames", 0); n > 0 {
			opts = append(opts, miniaudio.WithPeriodFrames(uint32(n)))
		}
		return miniaudio.New(opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts", "vad", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// BuildProviders instantiates the LLM, STT, TTS and VAD providers named in
// cfg. When fallbacks are configured, each primary is wrapped in a
// circuit-breaking fallback chain. The sound device is not opened; see
// [Providers.OpenAudio].
func BuildProviders(cfg *config.Config, reg *config.Registry) (_ *Providers, err error) {
	ps := &Providers{
		Names: turn.ProviderNames{
			LLM: cfg.Providers.LLM.Name,
			STT: cfg.Providers.STT.Name,
			TTS: cfg.Providers.TTS.Name,
		},
	}
	defer func() {
		if err != nil {
			_ = ps.Close()
		}
	}()

	fb := cfg.Providers.Fallbacks
	chainCfg := resilience.ChainConfig{
		Breaker: resilience.Settings{
			Threshold: fb.MaxFailures,
			Cooldown:  fb.ResetTimeout,
		},
	}

	// ── LLM ───────────────────────────────────────────────────────────────────
	llms, err := members(ps, "llm", cfg.Providers.LLM, fb.LLM, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	ps.LLM = llms[0].Provider
	if len(llms) > 1 {
		chain := resilience.NewLLM(chainCfg, llms...)
		slog.Info("llm fallback chain", "order", chain.Names())
		ps.LLM = chain
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	stts, err := members(ps, "stt", cfg.Providers.STT, fb.STT, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	ps.STT = stts[0].Provider
	if len(stts) > 1 {
		chain := resilience.NewSTT(chainCfg, stts...)
		slog.Info("stt fallback chain", "order", chain.Names())
		ps.STT = chain
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	ttss, err := members(ps, "tts", cfg.Providers.TTS, fb.TTS, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	ps.TTS = ttss[0].Provider
	if len(ttss) > 1 {
		chain := resilience.NewTTS(chainCfg, ttss...)
		slog.Info("tts fallback chain", "order", chain.Names())
		ps.TTS = chain
	}

	// ── VAD ───────────────────────────────────────────────────────────────────
	if ps.VAD, err = create(ps, "vad", cfg.Providers.VAD, reg.CreateVAD); err != nil {
		return nil, err
	}

	return ps, nil
}

// OpenAudio opens the configured sound device.
func (p *Providers) OpenAudio(cfg *config.Config, reg *config.Registry) error {
	dev, err := reg.CreateAudio(cfg.Providers.Audio, cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("app: open audio device %q: %w", cfg.Providers.Audio.Name, err)
	}
	p.Audio = dev
	p.track(dev)
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)
	return nil
}

// whisperOptions maps the options both whisper backends understand.
func whisperOptions(entry config.ProviderEntry) []whisper.Option {
	var opts []whisper.Option
	if lang := entry.OptionString("language"); lang != "" {
		opts = append(opts, whisper.WithLanguage(lang))
	}
	if prompt := entry.OptionString("prompt"); prompt != "" {
		opts = append(opts, whisper.WithPrompt(prompt))
	}
	if entry.OptionBool("translate", false) {
		opts = append(opts, whisper.WithTranslate())
	}
	return opts
}

// members creates the primary followed by its fallbacks.
func members[T any](ps *Providers, kind string, primary config.ProviderEntry, fallbacks []config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) ([]resilience.Member[T], error) {
	out := make([]resilience.Member[T], 0, 1+len(fallbacks))
	for _, e := range append([]config.ProviderEntry{primary}, fallbacks...) {
		p, err := create(ps, kind, e, factory)
		if err != nil {
			return nil, err
		}
		out = append(out, resilience.Member[T]{Name: e.Name, Provider: p})
	}
	return out, nil
}

// create builds one provider and records it for Close.
func create[T any](ps *Providers, kind string, entry config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) (T, error) {
	p, err := factory(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("app: create %s provider %q: %w", kind, entry.Name, err)
	}
	ps.track(p)
	slog.Info("provider created", "kind", kind, "name", entry.Name)
	return p, nil
}
