package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel || p.rate != 24000 {
		t.Errorf("model/rate = %q/%d, want %q/24000", p.model, p.rate, defaultModel)
	}
	if p.format != defaultFormat {
		t.Errorf("format = %q, want %q", p.format, defaultFormat)
	}
}

func TestNew_InvalidOutputFormat(t *testing.T) {
	for _, f := range []string{"mp3_44100_128", "pcm_", "pcm_x"} {
		if _, err := New("key", WithOutputFormat(f)); err == nil {
			t.Errorf("New(WithOutputFormat(%q)) should fail", f)
		}
	}
}

func TestStreamURL(t *testing.T) {
	p, _ := New("key", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_16000"))
	got := p.streamURL("voice123")
	want := "wss://api.elevenlabs.io/v1/text-to-speech/voice123/stream-input?model_id=eleven_turbo_v2&output_format=pcm_16000"
	if got != want {
		t.Errorf("streamURL = %q, want %q", got, want)
	}
}

func TestDecodeChunk(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	tests := []struct {
		name      string
		msg       string
		wantLen   int
		wantFinal bool
		wantErr   bool
	}{
		{name: "audio", msg: `{"audio":"` + payload + `"}`, wantLen: 4},
		{name: "final", msg: `{"audio":null,"isFinal":true}`, wantFinal: true},
		{name: "not json", msg: `ping`},
		{name: "server error", msg: `{"error":"quota_exceeded"}`, wantErr: true},
		{name: "bad base64", msg: `{"audio":"!!!"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm, final, err := decodeChunk([]byte(tt.msg))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(pcm) != tt.wantLen {
				t.Errorf("len(pcm) = %d, want %d", len(pcm), tt.wantLen)
			}
			if final != tt.wantFinal {
				t.Errorf("final = %v, want %v", final, tt.wantFinal)
			}
		})
	}
}

func TestSynthesize(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any
	var path string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		mu.Lock()
		path = r.URL.Path
		mu.Unlock()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
			if m["text"] == "" {
				break
			}
		}
		pcm := audio.FloatToPCM16([]float32{0.1, -0.2, 0.4})
		chunk, _ := json.Marshal(map[string]any{"audio": base64.StdEncoding.EncodeToString(pcm)})
		_ = conn.Write(r.Context(), websocket.MessageText, chunk)
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"isFinal":true}`))
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	wsBase := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	p, err := New("key", WithVoice("rachel"), WithVoiceSettings(0.3, 0.9), WithBaseURLs(wsBase, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf, err := p.Synthesize(context.Background(), "Hello there", tts.Options{Speed: 2})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if buf.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", buf.SampleRate)
	}
	if len(buf.Samples) != 3 {
		t.Fatalf("len(samples) = %d, want 3", len(buf.Samples))
	}
	if peak := audio.Peak(buf.Samples); peak < 0.79 || peak > 0.81 {
		t.Errorf("peak = %v, want 0.8", peak)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/v1/text-to-speech/rachel/stream-input" {
		t.Errorf("path = %q", path)
	}
	if len(received) != 3 {
		t.Fatalf("received %d messages, want 3", len(received))
	}
	if received[0]["xi_api_key"] != "key" {
		t.Errorf("BOI missing api key: %v", received[0])
	}
	vs, _ := received[0]["voice_settings"].(map[string]any)
	if vs["stability"] != 0.3 || vs["similarity_boost"] != 0.9 {
		t.Errorf("voice settings = %v, want stability 0.3 and similarity 0.9", vs)
	}
	if vs["speed"] != maxSpeed {
		t.Errorf("speed = %v, want %v (clamped)", vs["speed"], maxSpeed)
	}
	if received[1]["text"] != "Hello there. " {
		t.Errorf("text = %q, want %q", received[1]["text"], "Hello there. ")
	}
}

func TestStreamURL_EscapesVoice(t *testing.T) {
	p, _ := New("key")
	if got := p.streamURL("a/b c"); !strings.Contains(got, "/text-to-speech/a%2Fb%20c/stream-input?") {
		t.Errorf("streamURL = %q, want the voice path-escaped", got)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("key", WithVoice("rachel"), WithBaseURLs("ws://127.0.0.1:1", "http://127.0.0.1:1"))
	buf, err := p.Synthesize(context.Background(), "  ", tts.Options{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !buf.Empty() {
		t.Error("expected empty buffer")
	}
}

func TestSynthesize_NoVoice(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "Hello", tts.Options{}); err == nil {
		t.Fatal("expected error without a voice")
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" || r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[
			{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"accent":"american"}},
			{"voice_id":"v2","name":"Clone"}
		]}`))
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURLs("ws://unused", srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("len(voices) = %d, want 2", len(voices))
	}
	if voices[0].ID != "v1" || voices[0].Metadata["accent"] != "american" || voices[0].Metadata["category"] != "premade" {
		t.Errorf("voices[0] = %+v", voices[0])
	}
	if len(voices[1].Metadata) != 0 {
		t.Errorf("voices[1].Metadata = %v, want empty", voices[1].Metadata)
	}
}

func TestListVoices_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad", WithBaseURLs("ws://unused", srv.URL))
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Fatal("expected error for 401")
	}
}
