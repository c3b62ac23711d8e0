package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

func TestSTT_Transcribe(t *testing.T) {
	primary := &sttmock.Provider{Err: errTest}
	secondary := &sttmock.Provider{Text: "hello there"}
	f := NewSTT(ChainConfig{},
		Member[stt.Provider]{Name: "whisper-native", Provider: primary},
		Member[stt.Provider]{Name: "whisper", Provider: secondary},
	)

	got, err := f.Transcribe(context.Background(), stt.Request{Audio: audio.Buffer{Samples: []float32{0}, SampleRate: 16000}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello there" {
		t.Errorf("text = %q, want %q", got, "hello there")
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
}

func TestSTT_EmptyTranscriptIsNotFailure(t *testing.T) {
	primary := &sttmock.Provider{Text: ""}
	secondary := &sttmock.Provider{Text: "should not be used"}
	f := NewSTT(ChainConfig{},
		Member[stt.Provider]{Name: "a", Provider: primary},
		Member[stt.Provider]{Name: "b", Provider: secondary},
	)

	got, err := f.Transcribe(context.Background(), stt.Request{})
	if err != nil || got != "" {
		t.Fatalf("Transcribe = (%q, %v), want empty and nil", got, err)
	}
	if secondary.CallCount() != 0 {
		t.Error("fallback must not be called for an empty transcript")
	}
}

func TestLLM_Complete(t *testing.T) {
	primary := &llmmock.Provider{Err: errTest, TokenCount: 11}
	secondary := &llmmock.Provider{Reply: "Hi!"}
	f := NewLLM(ChainConfig{},
		Member[llm.Provider]{Name: "ollama", Provider: primary},
		Member[llm.Provider]{Name: "openai", Provider: secondary},
	)

	req := llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("hello")}}
	resp, err := f.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hi!" {
		t.Errorf("content = %q, want Hi!", resp.Content)
	}
	if got := secondary.LastRequest().Messages; len(got) != 1 || got[0].Content != "hello" {
		t.Errorf("secondary request = %+v", got)
	}

	n, _ := f.CountTokens(req.Messages)
	if n != 11 {
		t.Errorf("CountTokens = %d, want 11 (primary estimate)", n)
	}
}

func TestLLM_AllFail(t *testing.T) {
	f := NewLLM(ChainConfig{},
		Member[llm.Provider]{Name: "a", Provider: &llmmock.Provider{Err: errTest}},
		Member[llm.Provider]{Name: "b", Provider: &llmmock.Provider{Err: errTest}},
	)

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLM_BlockedPrimaryCancelled(t *testing.T) {
	secondary := &llmmock.Provider{Reply: "late"}
	f := NewLLM(ChainConfig{},
		Member[llm.Provider]{Name: "a", Provider: &llmmock.Provider{Block: true}},
		Member[llm.Provider]{Name: "b", Provider: secondary},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Complete(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Error("fallback must not run after cancellation")
	}
}

func TestTTS_Synthesize(t *testing.T) {
	primary := &ttsmock.Provider{Err: errTest}
	secondary := &ttsmock.Provider{Buffer: audio.Buffer{Samples: []float32{0.8}, SampleRate: 22050}}
	f := NewTTS(ChainConfig{},
		Member[tts.Provider]{Name: "kokoro", Provider: primary},
		Member[tts.Provider]{Name: "coqui", Provider: secondary},
	)

	buf, err := f.Synthesize(context.Background(), "Hello.", tts.Options{Voice: "af_bella", Speed: 1.2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.SampleRate != 22050 {
		t.Errorf("sample rate = %d, want 22050", buf.SampleRate)
	}
	if v := primary.SynthesizeCalls[0].Opts.Voice; v != "af_bella" {
		t.Errorf("primary voice = %q, want af_bella", v)
	}
	call := secondary.SynthesizeCalls[0]
	if call.Opts.Voice != "" || call.Opts.Speed != 1.2 {
		t.Errorf("fallback opts = %+v, want no voice and speed 1.2", call.Opts)
	}
}

func TestTTS_ListVoices(t *testing.T) {
	primary := &ttsmock.Provider{ListVoicesErr: errTest}
	secondary := &ttsmock.Provider{Voices: []tts.Voice{{ID: "p225"}}}
	f := NewTTS(ChainConfig{},
		Member[tts.Provider]{Name: "a", Provider: primary},
		Member[tts.Provider]{Name: "b", Provider: secondary},
	)

	voices, err := f.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "p225" {
		t.Errorf("voices = %+v", voices)
	}
	if got := f.Names(); len(got) != 2 || got[0] != "a" {
		t.Errorf("Names() = %v", got)
	}
}

func TestTTS_VoiceStaysWithPrimaryWhenSkipped(t *testing.T) {
	primary := &ttsmock.Provider{Err: errTest}
	secondary := &ttsmock.Provider{Buffer: audio.Buffer{Samples: []float32{0.1}, SampleRate: 24000}}
	f := NewTTS(ChainConfig{Breaker: Settings{Threshold: 1}},
		Member[tts.Provider]{Name: "kokoro", Provider: primary},
		Member[tts.Provider]{Name: "coqui", Provider: secondary},
	)

	for range 2 {
		if _, err := f.Synthesize(context.Background(), "Hi.", tts.Options{Voice: "af_bella"}); err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
	}
	if n := len(primary.SynthesizeCalls); n != 1 {
		t.Errorf("primary calls = %d, want 1 (breaker open afterwards)", n)
	}
	for i, call := range secondary.SynthesizeCalls {
		if call.Opts.Voice != "" {
			t.Errorf("fallback call %d voice = %q, want none", i, call.Opts.Voice)
		}
	}
}
