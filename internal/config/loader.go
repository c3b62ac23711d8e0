package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames are the built-in provider names per kind. Other names
// are accepted with a warning, since a build may register its own.
var ValidProviderNames = map[string][]string{
	"llm":   {"ollama", "openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-compat"},
	"stt":   {"whisper", "whisper-native", "deepgram"},
	"tts":   {"kokoro", "coqui", "elevenlabs"},
	"vad":   {"webrtc", "energy"},
	"audio": {"malgo"},
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, fills in defaults and validates.
// Unknown keys are errors. An empty document gives [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checker collects every problem instead of stopping at the first.
type checker struct {
	errs *multierror.Error
}

func (c *checker) failf(format string, args ...any) {
	c.errs = multierror.Append(c.errs, fmt.Errorf(format, args...))
}

func (c *checker) notNegative(key string, v int) {
	if v < 0 {
		c.failf("%s %d must not be negative", key, v)
	}
}

func (c *checker) notNegativeDuration(key string, d time.Duration) {
	if d < 0 {
		c.failf("%s %s must not be negative", key, d)
	}
}

// Validate reports every inconsistent value in cfg as one error. Unknown
// provider names only log a warning.
func Validate(cfg *Config) error {
	var c checker

	if lvl := cfg.Server.LogLevel; lvl != "" && !lvl.IsValid() {
		c.failf("server.log_level %q is invalid; valid values: debug, info, warn, error", lvl)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		c.failf("server.tls needs both cert_file and key_file")
	}

	c.providers(&cfg.Providers)
	c.assistant(&cfg.Assistant)
	c.pipeline(&cfg.Pipeline)

	return c.errs.ErrorOrNil()
}

func (c *checker) providers(p *ProvidersConfig) {
	for kind, e := range map[string]ProviderEntry{"llm": p.LLM, "stt": p.STT, "tts": p.TTS, "vad": p.VAD, "audio": p.Audio} {
		warnUnknown(kind, e.Name)
	}
	fb := p.Fallbacks
	for kind, chain := range map[string][]ProviderEntry{"llm": fb.LLM, "stt": fb.STT, "tts": fb.TTS} {
		for i, e := range chain {
			if e.Name == "" {
				c.failf("providers.fallbacks.%s[%d].name is required", kind, i)
				continue
			}
			warnUnknown(kind, e.Name)
		}
	}
	c.notNegative("providers.fallbacks.max_failures", fb.MaxFailures)

	if a := p.VAD.OptionInt("aggressiveness", DefaultVADAggressiveness); a < 0 || a > 3 {
		c.failf("providers.vad.options.aggressiveness %d is out of range [0, 3]", a)
	}
}

func (c *checker) assistant(a *AssistantConfig) {
	if s := a.Voice.Speed; s != 0 && (s < 0.5 || s > 2.0) {
		c.failf("assistant.voice.speed %.2f is out of range [0.5, 2.0]", s)
	}
	for key, list := range map[string][]string{"end_markers": a.EndMarkers, "farewells": a.Farewells} {
		for i, v := range list {
			if v == "" {
				c.failf("assistant.%s[%d] is empty", key, i)
			}
		}
	}
}

func (c *checker) pipeline(p *PipelineConfig) {
	c.notNegative("pipeline.capture_sample_rate", p.CaptureSampleRate)
	c.notNegative("pipeline.playback_sample_rate", p.PlaybackSampleRate)
	c.notNegative("pipeline.activation_frames", p.ActivationFrames)
	c.notNegative("pipeline.silence_ms", p.SilenceMs)
	c.notNegative("pipeline.min_utterance_ms", p.MinUtteranceMs)
	c.notNegativeDuration("pipeline.max_utterance", p.MaxUtterance)
	c.notNegativeDuration("pipeline.listen_timeout", p.ListenTimeout)
	c.notNegativeDuration("pipeline.fixed_record", p.FixedRecord)
	c.notNegativeDuration("pipeline.timeouts.stt", p.Timeouts.STT)
	c.notNegativeDuration("pipeline.timeouts.llm", p.Timeouts.LLM)
	c.notNegativeDuration("pipeline.timeouts.tts", p.Timeouts.TTS)
	c.notNegativeDuration("pipeline.timeouts.playback", p.Timeouts.Playback)

	switch p.FrameMs {
	case 0, 10, 20, 30:
	default:
		c.failf("pipeline.frame_ms %d is invalid; valid values: 10, 20, 30", p.FrameMs)
	}
	if p.MaxUtterance > 0 && p.MinUtterance() > p.MaxUtterance {
		c.failf("pipeline.min_utterance_ms %d exceeds pipeline.max_utterance %s", p.MinUtteranceMs, p.MaxUtterance)
	}
}

// warnUnknown logs names that are not built in.
func warnUnknown(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("config: unknown provider name, expecting a custom registration",
		"kind", kind, "name", name, "builtin", ValidProviderNames[kind])
}
