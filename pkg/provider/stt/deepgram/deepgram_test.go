package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") succeeded, want error")
	}
}

func TestListenURL(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		lang string
		rate int
		want map[string]string
		host string
	}{
		{
			name: "defaults",
			rate: 16000,
			host: "api.deepgram.com",
			want: map[string]string{"model": "nova-3", "language": "en", "punctuate": "true", "encoding": "linear16", "channels": "1", "sample_rate": "16000"},
		},
		{
			name: "request language wins",
			opts: []Option{WithModel("base"), WithLanguage("de-DE")},
			lang: "fr",
			rate: 48000,
			host: "api.deepgram.com",
			want: map[string]string{"model": "base", "language": "fr", "sample_rate": "48000"},
		},
		{
			name: "custom endpoint",
			opts: []Option{WithEndpoint("ws://127.0.0.1:9000/v1/listen")},
			rate: 16000,
			host: "127.0.0.1:9000",
			want: map[string]string{"language": "en"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New("key", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			raw, err := p.listenURL(tt.lang, tt.rate)
			if err != nil {
				t.Fatalf("listenURL: %v", err)
			}
			u, _ := url.Parse(raw)
			if u.Host != tt.host {
				t.Errorf("host = %q, want %q", u.Host, tt.host)
			}
			q := u.Query()
			for k, v := range tt.want {
				if q.Get(k) != v {
					t.Errorf("%s = %q, want %q", k, q.Get(k), v)
				}
			}
		})
	}
}

func TestListenURL_Keyterms(t *testing.T) {
	p, _ := New("key", WithKeyterms("Parley"), WithKeyterms(" Nova", "", "Kokoro"))
	raw, _ := p.listenURL("", 16000)
	u, _ := url.Parse(raw)
	if got := u.Query()["keyterm"]; !slices.Equal(got, []string{"Parley", "Nova", "Kokoro"}) {
		t.Errorf("keyterm = %v, want [Parley Nova Kokoro]", got)
	}
}

func TestEventFinal(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		want   string
		wantOK bool
	}{
		{name: "final", msg: `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" hello world "}]}}`, want: "hello world", wantOK: true},
		{name: "interim", msg: `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`},
		{name: "final but silent", msg: `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`},
		{name: "metadata", msg: `{"type":"Metadata","request_id":"x"}`},
		{name: "no alternatives", msg: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev event
			if err := json.Unmarshal([]byte(tt.msg), &ev); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, ok := ev.final()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("final() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// liveServer accepts one stream, counts uploaded bytes until CloseStream and
// then plays back replies before closing with status.
func liveServer(t *testing.T, status websocket.StatusCode, replies ...string) (*httptest.Server, *atomic.Value, *atomic.Int64) {
	t.Helper()
	var auth atomic.Value
	var uploaded atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				uploaded.Add(int64(len(data)))
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				break
			}
		}
		for _, reply := range replies {
			_ = conn.Write(ctx, websocket.MessageText, []byte(reply))
		}
		conn.Close(status, "")
	}))
	t.Cleanup(srv.Close)
	return srv, &auth, &uploaded
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTranscribe_JoinsFinals(t *testing.T) {
	srv, auth, uploaded := liveServer(t, websocket.StatusNormalClosure,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"good"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Good morning."}]}}`,
		`not json`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"How are you?"}]}}`,
		`{"type":"Metadata"}`,
	)
	p, _ := New("secret", WithEndpoint(wsURL(srv)))

	text, err := p.Transcribe(context.Background(), stt.Request{Audio: audio.Buffer{Samples: make([]float32, 4000), SampleRate: 16000}})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "Good morning. How are you?" {
		t.Errorf("text = %q, want %q", text, "Good morning. How are you?")
	}
	if got, _ := auth.Load().(string); got != "Token secret" {
		t.Errorf("Authorization = %q, want %q", got, "Token secret")
	}
	if n := uploaded.Load(); n != 8000 {
		t.Errorf("uploaded %d bytes, want 8000", n)
	}
}

func TestTranscribe_AbnormalClose(t *testing.T) {
	srv, _, _ := liveServer(t, websocket.StatusInternalError)
	p, _ := New("secret", WithEndpoint(wsURL(srv)))
	_, err := p.Transcribe(context.Background(), stt.Request{Audio: audio.Buffer{Samples: make([]float32, 160), SampleRate: 16000}})
	if err == nil || !strings.Contains(err.Error(), "receive") {
		t.Errorf("err = %v, want a receive error", err)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	p, _ := New("secret", WithEndpoint("ws://127.0.0.1:1"))
	text, err := p.Transcribe(context.Background(), stt.Request{Audio: audio.Buffer{SampleRate: 16000}})
	if err != nil || text != "" {
		t.Errorf("Transcribe(empty) = (%q, %v), want (\"\", nil)", text, err)
	}
}

func TestTranscribe_Cancelled(t *testing.T) {
	p, _ := New("secret", WithEndpoint("ws://127.0.0.1:1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Transcribe(ctx, stt.Request{Audio: audio.Buffer{Samples: make([]float32, 160), SampleRate: 16000}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
