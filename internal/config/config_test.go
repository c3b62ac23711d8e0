package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/provider/vad"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

providers:
  llm:
    name: ollama
    base_url: http://localhost:11434
    model: llama3.2:3b
  stt:
    name: whisper
    base_url: http://localhost:8081
    model: base.en
  tts:
    name: kokoro
    base_url: http://localhost:8880/v1
  vad:
    name: webrtc
    options:
      aggressiveness: 3
  audio:
    name: malgo
  fallbacks:
    llm:
      - name: openai
        api_key: sk-test
        model: gpt-4o-mini
    max_failures: 3
    reset_timeout: 10s

assistant:
  name: Ada
  system_prompt: You are Ada.
  voice:
    voice_id: af_sky
    speed: 1.2
  end_markers: ["[[bye]]"]
  farewells: [ciao]

pipeline:
  silence_ms: 1500
  max_utterance: 20s
  listen_timeout: 30s
  timeouts:
    llm: 45s
    tts: 20s

telemetry:
  metrics: false
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Providers.LLM.Model != "llama3.2:3b" {
		t.Errorf("providers.llm.model: got %q, want %q", cfg.Providers.LLM.Model, "llama3.2:3b")
	}
	if got := cfg.Providers.VAD.OptionInt("aggressiveness", 0); got != 3 {
		t.Errorf("providers.vad.options.aggressiveness: got %d, want 3", got)
	}
	if len(cfg.Providers.Fallbacks.LLM) != 1 || cfg.Providers.Fallbacks.LLM[0].Name != "openai" {
		t.Errorf("providers.fallbacks.llm: got %+v", cfg.Providers.Fallbacks.LLM)
	}
	if cfg.Providers.Fallbacks.ResetTimeout != 10*time.Second {
		t.Errorf("providers.fallbacks.reset_timeout: got %s, want 10s", cfg.Providers.Fallbacks.ResetTimeout)
	}
	if cfg.Assistant.Name != "Ada" {
		t.Errorf("assistant.name: got %q, want %q", cfg.Assistant.Name, "Ada")
	}
	if cfg.Assistant.Voice.Speed != 1.2 {
		t.Errorf("assistant.voice.speed: got %.2f, want 1.2", cfg.Assistant.Voice.Speed)
	}
	if len(cfg.Assistant.EndMarkers) != 1 || cfg.Assistant.EndMarkers[0] != "[[bye]]" {
		t.Errorf("assistant.end_markers: got %v", cfg.Assistant.EndMarkers)
	}
	if cfg.Pipeline.Silence() != 1500*time.Millisecond {
		t.Errorf("pipeline.silence_ms: got %s, want 1.5s", cfg.Pipeline.Silence())
	}
	if cfg.Pipeline.MaxUtterance != 20*time.Second {
		t.Errorf("pipeline.max_utterance: got %s, want 20s", cfg.Pipeline.MaxUtterance)
	}
	if cfg.Pipeline.Timeouts.LLM != 45*time.Second {
		t.Errorf("pipeline.timeouts.llm: got %s, want 45s", cfg.Pipeline.Timeouts.LLM)
	}
	if cfg.Pipeline.Timeouts.STT != 0 {
		t.Errorf("pipeline.timeouts.stt: got %s, want 0", cfg.Pipeline.Timeouts.STT)
	}
	if cfg.Telemetry.MetricsEnabled() {
		t.Error("telemetry.metrics: got enabled, want disabled")
	}

	// Unset fields still get defaults.
	if cfg.Pipeline.FrameMs != config.DefaultFrameMs {
		t.Errorf("pipeline.frame_ms: got %d, want %d", cfg.Pipeline.FrameMs, config.DefaultFrameMs)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		def := config.Default()
		if cfg.Providers.LLM.Name != def.Providers.LLM.Name || cfg.Providers.LLM.Model != def.Providers.LLM.Model {
			t.Errorf("%q: llm = %s/%s, want %s/%s", doc, cfg.Providers.LLM.Name, cfg.Providers.LLM.Model,
				def.Providers.LLM.Name, def.Providers.LLM.Model)
		}
		if cfg.Pipeline != def.Pipeline {
			t.Errorf("%q: pipeline = %+v, want %+v", doc, cfg.Pipeline, def.Pipeline)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("npcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestDefault(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, "127.0.0.1:7860"},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"llm.name", cfg.Providers.LLM.Name, "ollama"},
		{"llm.model", cfg.Providers.LLM.Model, "gemma3:4b"},
		{"llm.base_url", cfg.Providers.LLM.BaseURL, "http://localhost:11434"},
		{"stt.name", cfg.Providers.STT.Name, "whisper-native"},
		{"stt.model_path", cfg.Providers.STT.OptionString("model_path"), config.DefaultSTTModelPath},
		{"tts.name", cfg.Providers.TTS.Name, "kokoro"},
		{"vad.name", cfg.Providers.VAD.Name, "webrtc"},
		{"vad.aggressiveness", cfg.Providers.VAD.OptionInt("aggressiveness", -1), 2},
		{"audio.name", cfg.Providers.Audio.Name, "malgo"},
		{"assistant.name", cfg.Assistant.Name, "Sofia"},
		{"voice_id", cfg.Assistant.Voice.VoiceID, "af_bella"},
		{"speed", cfg.Assistant.Voice.Speed, 1.0},
		{"end_markers", len(cfg.Assistant.EndMarkers), 2},
		{"farewells", len(cfg.Assistant.Farewells), 2},
		{"capture_sample_rate", cfg.Pipeline.CaptureSampleRate, 16000},
		{"playback_sample_rate", cfg.Pipeline.PlaybackSampleRate, 24000},
		{"frame", cfg.Pipeline.FrameDuration(), 30 * time.Millisecond},
		{"activation_frames", cfg.Pipeline.ActivationFrames, 1},
		{"silence", cfg.Pipeline.Silence(), 2 * time.Second},
		{"max_utterance", cfg.Pipeline.MaxUtterance, 15 * time.Second},
		{"min_utterance", cfg.Pipeline.MinUtterance(), 300 * time.Millisecond},
		{"listen_timeout", cfg.Pipeline.ListenTimeout, time.Duration(0)},
		{"fixed_record", cfg.Pipeline.FixedRecord, 5 * time.Second},
		{"language", cfg.Pipeline.Language, "en"},
		{"metrics", cfg.Telemetry.MetricsEnabled(), true},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate(Default()) = %v, want nil", err)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.TTS.Name = "elevenlabs"
	cfg.Pipeline.SilenceMs = 800
	config.ApplyDefaults(cfg)

	if cfg.Pipeline.SilenceMs != 800 {
		t.Errorf("silence_ms = %d, want 800", cfg.Pipeline.SilenceMs)
	}
	// The Kokoro default voice is meaningless for other TTS backends.
	if cfg.Assistant.Voice.VoiceID != "" {
		t.Errorf("voice_id = %q, want empty for elevenlabs", cfg.Assistant.Voice.VoiceID)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		want  string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := tt.level.SlogLevel().String(); got != tt.want {
			t.Errorf("LogLevel(%q).SlogLevel() = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestProviderEntry_Options(t *testing.T) {
	e := config.ProviderEntry{Options: map[string]any{
		"s": "x",
		"i": 3,
		"f": 0.25,
		"b": true,
	}}
	if got := e.OptionString("s"); got != "x" {
		t.Errorf("OptionString(s) = %q, want x", got)
	}
	if got := e.OptionString("i"); got != "" {
		t.Errorf("OptionString(i) = %q, want empty", got)
	}
	if got := e.OptionInt("i", 0); got != 3 {
		t.Errorf("OptionInt(i) = %d, want 3", got)
	}
	if got := e.OptionInt("f", 0); got != 0 {
		t.Errorf("OptionInt(f) = %d, want 0 (truncated)", got)
	}
	if got := e.OptionInt("missing", 7); got != 7 {
		t.Errorf("OptionInt(missing) = %d, want 7", got)
	}
	if got := e.OptionFloat("i", 0); got != 3 {
		t.Errorf("OptionFloat(i) = %g, want 3", got)
	}
	if got := e.OptionFloat("f", 0); got != 0.25 {
		t.Errorf("OptionFloat(f) = %g, want 0.25", got)
	}
	if !e.OptionBool("b", false) {
		t.Error("OptionBool(b) = false, want true")
	}
	if !e.OptionBool("s", true) {
		t.Error("OptionBool(s) ignored default for a non-bool value")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	_, errLLM := reg.CreateLLM(entry)
	_, errSTT := reg.CreateSTT(entry)
	_, errTTS := reg.CreateTTS(entry)
	_, errVAD := reg.CreateVAD(entry)
	_, errAudio := reg.CreateAudio(entry, config.PipelineConfig{})

	tests := []struct {
		kind string
		err  error
	}{
		{"llm", errLLM},
		{"stt", errSTT},
		{"tts", errTTS},
		{"vad", errVAD},
		{"audio", errAudio},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			if !errors.Is(tt.err, config.ErrProviderNotRegistered) {
				t.Fatalf("expected ErrProviderNotRegistered, got %v", tt.err)
			}
			if !strings.Contains(tt.err.Error(), tt.kind+`/"nope"`) {
				t.Errorf("error %q should name %s/\"nope\"", tt.err, tt.kind)
			}
		})
	}
}

func TestRegistry_Registered(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{Reply: "hi"}, nil })
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{Text: "hello"}, nil })
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) { return &vadmock.Engine{}, nil })

	var gotRate int
	reg.RegisterAudio("mock", func(_ config.ProviderEntry, p config.PipelineConfig) (audio.Device, error) {
		gotRate = p.CaptureSampleRate
		return &audiomock.Device{}, nil
	})

	entry := config.ProviderEntry{Name: "mock"}

	p, err := reg.CreateLLM(entry)
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "hi" {
		t.Errorf("Complete = %v, %v; want hi", resp, err)
	}
	if _, err := reg.CreateSTT(entry); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := reg.CreateTTS(entry); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if _, err := reg.CreateVAD(entry); err != nil {
		t.Errorf("CreateVAD: %v", err)
	}
	if _, err := reg.CreateAudio(entry, config.PipelineConfig{CaptureSampleRate: 8000}); err != nil {
		t.Errorf("CreateAudio: %v", err)
	}
	if gotRate != 8000 {
		t.Errorf("audio factory saw capture rate %d, want 8000", gotRate)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	want := errors.New("bad api key")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, want })

	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, want) {
		t.Errorf("CreateLLM error = %v, want %v", err, want)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterTTS("kokoro", func(config.ProviderEntry) (tts.Provider, error) { return nil, nil })
	reg.RegisterTTS("coqui", func(config.ProviderEntry) (tts.Provider, error) { return nil, nil })

	got := reg.Names("tts")
	if len(got) != 2 || got[0] != "coqui" || got[1] != "kokoro" {
		t.Errorf("Names(tts) = %v, want [coqui kokoro]", got)
	}
	if got := reg.Names("llm"); len(got) != 0 {
		t.Errorf("Names(llm) = %v, want empty", got)
	}
	if got := reg.Names("s2s"); got != nil {
		t.Errorf("Names(s2s) = %v, want nil", got)
	}
}
