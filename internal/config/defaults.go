package config

import "time"

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = "127.0.0.1:7860"

	DefaultLLMProvider = "ollama"
	DefaultLLMModel    = "gemma3:4b"
	DefaultLLMBaseURL  = "http://localhost:11434"

	DefaultSTTProvider  = "whisper-native"
	DefaultSTTModel     = "tiny.en"
	DefaultSTTModelPath = "models/ggml-tiny.en.bin"

	DefaultTTSProvider = "kokoro"
	DefaultTTSVoice    = "af_bella"

	DefaultVADProvider       = "webrtc"
	DefaultVADAggressiveness = 2

	DefaultAudioProvider = "malgo"

	DefaultAssistantName = "Sofia"

	DefaultCaptureSampleRate  = 16000
	DefaultPlaybackSampleRate = 24000
	DefaultFrameMs            = 30
	DefaultActivationFrames   = 1
	DefaultSilenceMs          = 2000
	DefaultMaxUtterance       = 15 * time.Second
	DefaultMinUtteranceMs     = 300
	DefaultFixedRecord        = 5 * time.Second
	DefaultLanguage           = "en"
)

// DefaultSystemPrompt is the persona used when assistant.system_prompt is
// empty.
const DefaultSystemPrompt = `You are Sofia, a friendly and concise voice assistant.
Your replies are spoken aloud, so keep them short: one to three sentences,
plain conversational language, no lists, no markdown, no emoji.
If you do not know something, say so briefly.
When the user clearly wants to end the conversation, say a short goodbye and
finish your reply with end_conversation.`

// DefaultEndMarkers are the phrases that end a conversation when they appear in
// an LLM reply.
var DefaultEndMarkers = []string{"end_conversation", "*[call_end_signal]*"}

// DefaultFarewells are the user words that end a conversation.
var DefaultFarewells = []string{"goodbye", "bye"}

// Default returns a fully populated config that runs against local services
// only: Ollama for chat, whisper.cpp for transcription, and Kokoro for speech.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field of cfg with its default. Fields
// that are already set are left untouched.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}

	p := &cfg.Providers
	if p.LLM.Name == "" {
		p.LLM.Name = DefaultLLMProvider
		if p.LLM.Model == "" {
			p.LLM.Model = DefaultLLMModel
		}
		if p.LLM.BaseURL == "" {
			p.LLM.BaseURL = DefaultLLMBaseURL
		}
	}
	if p.STT.Name == "" {
		p.STT.Name = DefaultSTTProvider
		if p.STT.Model == "" {
			p.STT.Model = DefaultSTTModel
		}
		if p.STT.OptionString("model_path") == "" {
			p.STT.Options = withOption(p.STT.Options, "model_path", DefaultSTTModelPath)
		}
	}
	if p.TTS.Name == "" {
		p.TTS.Name = DefaultTTSProvider
	}
	if p.VAD.Name == "" {
		p.VAD.Name = DefaultVADProvider
		if _, ok := p.VAD.Options["aggressiveness"]; !ok {
			p.VAD.Options = withOption(p.VAD.Options, "aggressiveness", DefaultVADAggressiveness)
		}
	}
	if p.Audio.Name == "" {
		p.Audio.Name = DefaultAudioProvider
	}

	a := &cfg.Assistant
	if a.Name == "" {
		a.Name = DefaultAssistantName
	}
	if a.SystemPrompt == "" {
		a.SystemPrompt = DefaultSystemPrompt
	}
	if a.Voice.VoiceID == "" && p.TTS.Name == DefaultTTSProvider {
		a.Voice.VoiceID = DefaultTTSVoice
	}
	if a.Voice.Speed == 0 {
		a.Voice.Speed = 1.0
	}
	if len(a.EndMarkers) == 0 {
		a.EndMarkers = append([]string(nil), DefaultEndMarkers...)
	}
	if len(a.Farewells) == 0 {
		a.Farewells = append([]string(nil), DefaultFarewells...)
	}

	pl := &cfg.Pipeline
	if pl.CaptureSampleRate == 0 {
		pl.CaptureSampleRate = DefaultCaptureSampleRate
	}
	if pl.PlaybackSampleRate == 0 {
		pl.PlaybackSampleRate = DefaultPlaybackSampleRate
	}
	if pl.FrameMs == 0 {
		pl.FrameMs = DefaultFrameMs
	}
	if pl.ActivationFrames == 0 {
		pl.ActivationFrames = DefaultActivationFrames
	}
	if pl.SilenceMs == 0 {
		pl.SilenceMs = DefaultSilenceMs
	}
	if pl.MaxUtterance == 0 {
		pl.MaxUtterance = DefaultMaxUtterance
	}
	if pl.MinUtteranceMs == 0 {
		pl.MinUtteranceMs = DefaultMinUtteranceMs
	}
	if pl.FixedRecord == 0 {
		pl.FixedRecord = DefaultFixedRecord
	}
	if pl.Language == "" {
		pl.Language = DefaultLanguage
	}
}

func withOption(opts map[string]any, key string, v any) map[string]any {
	if opts == nil {
		opts = make(map[string]any, 1)
	}
	opts[key] = v
	return opts
}
