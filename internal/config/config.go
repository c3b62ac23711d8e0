// Package config provides the configuration schema, loader, and provider registry
// for the parley voice assistant.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown or empty levels map
// to [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Assistant AssistantConfig `yaml:"assistant"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the web front-end.
type ServerConfig struct {
	// ListenAddr is the TCP address the web mode listens on
	// (e.g., "127.0.0.1:7860").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to TLS certificate and key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects and configures each pluggable backend.
type ProvidersConfig struct {
	LLM   ProviderEntry `yaml:"llm"`
	STT   ProviderEntry `yaml:"stt"`
	TTS   ProviderEntry `yaml:"tts"`
	VAD   ProviderEntry `yaml:"vad"`
	Audio ProviderEntry `yaml:"audio"`

	// Fallbacks lists secondary backends tried, in order, when the primary
	// fails or its circuit breaker is open.
	Fallbacks FallbacksConfig `yaml:"fallbacks"`
}

// FallbacksConfig configures failover chains for the network-bound providers.
type FallbacksConfig struct {
	LLM []ProviderEntry `yaml:"llm"`
	STT []ProviderEntry `yaml:"stt"`
	TTS []ProviderEntry `yaml:"tts"`

	// MaxFailures is the number of consecutive failures that open a
	// provider's circuit breaker. Zero uses the breaker default.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// Enabled reports whether any fallback entries are configured.
func (f FallbacksConfig) Enabled() bool {
	return len(f.LLM) > 0 || len(f.STT) > 0 || len(f.TTS) > 0
}

// ProviderEntry is the common configuration block for any provider.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "ollama", "kokoro").
	Name string `yaml:"name"`

	// APIKey is the authentication key for cloud providers.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration not covered by the common
	// fields (e.g., "aggressiveness" for webrtc, "api_mode" for coqui).
	Options map[string]any `yaml:"options"`
}

// OptionString returns the string option key, or "" when it is absent or not
// a string.
func (p ProviderEntry) OptionString(key string) string {
	if v, ok := p.Options[key].(string); ok {
		return v
	}
	return ""
}

// OptionInt returns the integer option key, or def when it is absent. YAML
// numbers decode as int or float64; both are accepted.
func (p ProviderEntry) OptionInt(key string, def int) int {
	switch v := p.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// OptionFloat returns the numeric option key, or def when it is absent.
func (p ProviderEntry) OptionFloat(key string, def float64) float64 {
	switch v := p.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// OptionBool returns the boolean option key, or def when it is absent or not
// a bool.
func (p ProviderEntry) OptionBool(key string, def bool) bool {
	if v, ok := p.Options[key].(bool); ok {
		return v
	}
	return def
}

// AssistantConfig describes the assistant persona and its conversation rules.
type AssistantConfig struct {
	// Name is the assistant's display name, used in greetings and the banner.
	Name string `yaml:"name"`

	// SystemPrompt is sent as the first message of every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	Voice VoiceConfig `yaml:"voice"`

	// EndMarkers are phrases the LLM emits to end the conversation. They are
	// matched case-insensitively and removed from the spoken reply.
	EndMarkers []string `yaml:"end_markers"`

	// Farewells are words that, when found in the user's transcript, end the
	// conversation after the reply has been spoken.
	Farewells []string `yaml:"farewells"`
}

// VoiceConfig selects the synthesis voice.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier. Empty selects the
	// provider default.
	VoiceID string `yaml:"voice_id"`

	// Speed is the speaking rate in [0.5, 2.0].
	Speed float64 `yaml:"speed"`
}

// PipelineConfig tunes capture, utterance detection, and per-call deadlines.
type PipelineConfig struct {
	CaptureSampleRate  int `yaml:"capture_sample_rate"`
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// FrameMs is the frame duration fed to the VAD (10, 20 or 30).
	FrameMs int `yaml:"frame_ms"`

	// ActivationFrames is the number of consecutive speech frames needed to
	// start an utterance.
	ActivationFrames int `yaml:"activation_frames"`

	// SilenceMs is how much trailing silence ends an utterance.
	SilenceMs int `yaml:"silence_ms"`

	// MaxUtterance caps the length of one utterance.
	MaxUtterance time.Duration `yaml:"max_utterance"`

	// MinUtteranceMs is the shortest utterance worth transcribing.
	MinUtteranceMs int `yaml:"min_utterance_ms"`

	// ListenTimeout bounds how long a listen waits for speech to start.
	// Zero waits forever.
	ListenTimeout time.Duration `yaml:"listen_timeout"`

	// FixedRecord is the capture length used by fixed-duration recording.
	FixedRecord time.Duration `yaml:"fixed_record"`

	// Language is the STT recognition language.
	Language string `yaml:"language"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

// FrameDuration returns FrameMs as a [time.Duration].
func (p PipelineConfig) FrameDuration() time.Duration {
	return time.Duration(p.FrameMs) * time.Millisecond
}

// Silence returns SilenceMs as a [time.Duration].
func (p PipelineConfig) Silence() time.Duration {
	return time.Duration(p.SilenceMs) * time.Millisecond
}

// MinUtterance returns MinUtteranceMs as a [time.Duration].
func (p PipelineConfig) MinUtterance() time.Duration {
	return time.Duration(p.MinUtteranceMs) * time.Millisecond
}

// TimeoutsConfig holds per-call deadlines. Zero means no deadline beyond
// cancellation of the surrounding context.
type TimeoutsConfig struct {
	STT      time.Duration `yaml:"stt"`
	LLM      time.Duration `yaml:"llm"`
	TTS      time.Duration `yaml:"tts"`
	Playback time.Duration `yaml:"playback"`
}

// TelemetryConfig toggles observability outputs.
type TelemetryConfig struct {
	// Metrics enables the Prometheus /metrics endpoint in web mode. Nil means
	// enabled.
	Metrics *bool `yaml:"metrics"`
}

// MetricsEnabled reports whether metrics should be exported.
func (t TelemetryConfig) MetricsEnabled() bool {
	return t.Metrics == nil || *t.Metrics
}
