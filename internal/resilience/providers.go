package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

var (
	_ llm.Provider = (*LLM)(nil)
	_ stt.Provider = (*STT)(nil)
	_ tts.Provider = (*TTS)(nil)
)

// LLM is an [llm.Provider] backed by a [Chain] of language models.
type LLM struct {
	*Chain[llm.Provider]
}

// NewLLM chains members, primary first.
func NewLLM(cfg ChainConfig, members ...Member[llm.Provider]) *LLM {
	return &LLM{NewChain("llm", cfg, members...)}
}

// Complete asks the first healthy model.
func (f *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.Chain, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens asks the primary. Counting is local, so it never fails over.
func (f *LLM) CountTokens(messages []llm.Message) (int, error) {
	return f.Primary().CountTokens(messages)
}

// STT is an [stt.Provider] backed by a [Chain] of recognisers.
type STT struct {
	*Chain[stt.Provider]
}

// NewSTT chains members, primary first.
func NewSTT(cfg ChainConfig, members ...Member[stt.Provider]) *STT {
	return &STT{NewChain("stt", cfg, members...)}
}

// Transcribe uses the first healthy recogniser. Hearing nothing is a valid
// answer and does not fail over.
func (f *STT) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	return Call(ctx, f.Chain, func(ctx context.Context, p stt.Provider) (string, error) {
		return p.Transcribe(ctx, req)
	})
}

// TTS is a [tts.Provider] backed by a [Chain] of synthesisers.
//
// Voice IDs belong to one engine, so the configured voice only reaches the
// primary. Fallbacks speak with their own default voice at the requested
// speed.
type TTS struct {
	*Chain[tts.Provider]
}

// NewTTS chains members, primary first.
func NewTTS(cfg ChainConfig, members ...Member[tts.Provider]) *TTS {
	return &TTS{NewChain("tts", cfg, members...)}
}

// Synthesize renders text on the first healthy synthesiser.
func (f *TTS) Synthesize(ctx context.Context, text string, opts tts.Options) (audio.Buffer, error) {
	primary := f.Primary()
	return Call(ctx, f.Chain, func(ctx context.Context, p tts.Provider) (audio.Buffer, error) {
		o := opts
		if p != primary {
			o.Voice = ""
		}
		return p.Synthesize(ctx, text, o)
	})
}

// ListVoices lists the voices of the first healthy synthesiser.
func (f *TTS) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return Call(ctx, f.Chain, func(ctx context.Context, p tts.Provider) ([]tts.Voice, error) {
		return p.ListVoices(ctx)
	})
}
