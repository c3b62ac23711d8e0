package terminal

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/speech"
	"github.com/MrWong99/parley/internal/turn"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
)

// syncBuffer is a bytes.Buffer guarded for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestUI_Banner(t *testing.T) {
	var out bytes.Buffer
	ui := New(&out, "Sofia")
	ui.Banner(BannerInfo{Assistant: "Sofia", Mode: "voice activity", LLM: "ollama", STT: "whisper", TTS: "kokoro"})

	got := out.String()
	for _, want := range []string{"parley", "Sofia", "voice activity", "ollama", "whisper", "kokoro", "(not configured)", "Ctrl+C"} {
		if !strings.Contains(got, want) {
			t.Errorf("banner missing %q:\n%s", want, got)
		}
	}
}

func TestUI_TurnFinished(t *testing.T) {
	tests := []struct {
		name    string
		res     turn.Result
		want    []string
		notWant []string
	}{
		{
			name: "completed",
			res:  turn.Result{Outcome: turn.Completed, Transcript: "what time is it", Reply: turn.PlainReply{Text: "It is noon."}},
			want: []string{"You: what time is it", "Sofia: It is noon."},
		},
		{
			name:    "empty input",
			res:     turn.Result{Outcome: turn.EmptyInput},
			want:    []string{"too short"},
			notWant: []string{"You:"},
		},
		{
			name:    "no speech",
			res:     turn.Result{Outcome: turn.NoSpeechRecognized},
			want:    []string{"no speech recognised"},
			notWant: []string{"Sofia:"},
		},
		{
			name: "with error",
			res: turn.Result{
				Outcome:    turn.Completed,
				Transcript: "hello",
				Reply:      turn.PlainReply{Text: "Sorry, something went wrong."},
				Err:        errors.New("llm: connection refused"),
			},
			want: []string{"You: hello", "Sofia: Sorry", "! llm: connection refused"},
		},
		{
			name: "greeting",
			res:  turn.Result{Outcome: turn.Completed, Reply: turn.PlainReply{Text: "Good morning!"}},
			want: []string{"Sofia: Good morning!"},
			notWant: []string{
				"You:",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			New(&out, "Sofia").TurnFinished(tt.res)
			got := out.String()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("output %q missing %q", got, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("output %q contains %q", got, w)
				}
			}
		})
	}
}

func TestUI_StatusLines(t *testing.T) {
	var out bytes.Buffer
	ui := New(&out, "Sofia")

	ui.StateChanged(session.Greeting, session.AwaitingInput)
	ui.Speech(speech.Event{Kind: speech.SpeechStarted})
	ui.Speech(speech.Event{Kind: speech.SpeechEnded})
	ui.Stage(turn.Transcribing, "")
	ui.StateChanged(session.Processing, session.Ended)
	ui.Goodbye(1)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{"listening…", "recording…", turn.Transcribing.String() + "…", "conversation ended", "1 turn. Goodbye!"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %d lines", lines, len(want))
	}
	for i, w := range want {
		if strings.TrimSpace(lines[i]) != w {
			t.Errorf("line %d = %q, want %q", i, strings.TrimSpace(lines[i]), w)
		}
	}
}

type runFixture struct {
	app *app.App
	cfg *config.Config
	dev *audiomock.Device
	stt *sttmock.Provider
	out *syncBuffer
	ui  *UI
}

func newRunFixture(t *testing.T, script []bool, texts ...string) *runFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.FixedRecord = 300 * time.Millisecond
	f := &runFixture{
		cfg: cfg,
		dev: &audiomock.Device{},
		stt: &sttmock.Provider{Texts: texts, Text: "goodbye"},
		out: &syncBuffer{},
	}
	ps := &app.Providers{
		LLM:   &llmmock.Provider{Reply: "See you!"},
		STT:   f.stt,
		TTS:   &ttsmock.Provider{},
		VAD:   &vadmock.Engine{Classifier: &vadmock.Classifier{Script: script}},
		Audio: f.dev,
	}
	a, err := app.New(cfg, ps)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	f.app = a
	f.ui = New(f.out, cfg.Assistant.Name)
	return f
}

// feed emits silent frames whenever capture is running until the test ends.
func (f *runFixture) feed(t *testing.T) {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	frame := make([]float32, f.cfg.Pipeline.CaptureSampleRate*f.cfg.Pipeline.FrameMs/1000)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			f.dev.Emit(frame)
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestRun_ListensUntilFarewell(t *testing.T) {
	script := make([]bool, 20)
	for i := range script {
		script[i] = true
	}
	f := newRunFixture(t, script)
	f.feed(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Run(ctx, f.app, f.ui, Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := f.stt.CallCount(); n != 1 {
		t.Errorf("STT calls = %d, want 1", n)
	}
	// Greeting plus the farewell reply.
	if n := len(f.dev.Player.Calls()); n != 2 {
		t.Errorf("played = %d, want 2", n)
	}
	got := f.out.String()
	for _, want := range []string{"You: goodbye", "Sofia: See you!", "recording…", "conversation ended", "1 turn. Goodbye!"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRun_FixedRecording(t *testing.T) {
	// The classifier never hears speech, so only fixed recording can produce
	// an utterance.
	f := newRunFixture(t, nil)
	f.feed(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Run(ctx, f.app, f.ui, Options{Fixed: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := f.stt.Requests()
	if len(calls) != 1 {
		t.Fatalf("STT calls = %d, want 1", len(calls))
	}
	if d := calls[0].Audio.Duration(); d < 270*time.Millisecond || d > 330*time.Millisecond {
		t.Errorf("recorded %v, want about 300ms", d)
	}
}

func TestRun_CancelIsNormalEnding(t *testing.T) {
	f := newRunFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, f.app, f.ui, Options{}) }()

	deadline := time.Now().Add(3 * time.Second)
	for !f.dev.Running() {
		if time.Now().After(deadline) {
			t.Fatal("capture never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !strings.Contains(f.out.String(), "0 turns. Goodbye!") {
		t.Errorf("output missing goodbye line:\n%s", f.out.String())
	}
}

func TestRun_RequiresAudioDevice(t *testing.T) {
	f := newRunFixture(t, nil)
	f.app.Providers().Audio = nil
	if err := Run(context.Background(), f.app, f.ui, Options{}); err == nil {
		t.Error("Run without audio device: error = nil, want error")
	}
}
