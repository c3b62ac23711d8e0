package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/pkg/audio"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
)

type fixture struct {
	server   *Server
	http     *httptest.Server
	sessions *app.SessionManager
	llm      *llmmock.Provider
	stt      *sttmock.Provider
	tts      *ttsmock.Provider
	cls      *vadmock.Classifier
}

type fixtureConfig struct {
	sttTexts    []string
	llmReply    string
	maxSessions int
	opts        []Option
}

func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()
	if fc.llmReply == "" {
		fc.llmReply = "Nice to meet you."
	}
	f := &fixture{
		llm: &llmmock.Provider{Reply: fc.llmReply},
		stt: &sttmock.Provider{Text: "hello there", Texts: fc.sttTexts},
		tts: &ttsmock.Provider{Buffer: audio.Buffer{Samples: []float32{0.1, -0.1, 0.2}, SampleRate: 24000}},
		cls: &vadmock.Classifier{},
	}
	ps := &app.Providers{LLM: f.llm, STT: f.stt, TTS: f.tts, VAD: &vadmock.Engine{Classifier: f.cls}}
	a, err := app.New(config.Default(), ps)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	var smOpts []app.SessionManagerOption
	if fc.maxSessions > 0 {
		smOpts = append(smOpts, app.WithMaxSessions(fc.maxSessions))
	}
	f.sessions = app.NewSessionManager(a, smOpts...)
	f.server = New(a, f.sessions, fc.opts...)
	f.http = httptest.NewServer(f.server.Handler())
	t.Cleanup(func() {
		f.http.Close()
		f.sessions.CloseAll()
	})
	return f
}

func (f *fixture) createSession(t *testing.T) createSessionResponse {
	t.Helper()
	resp, err := http.Post(f.http.URL+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/sessions status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return out
}

func (f *fixture) postTurn(t *testing.T, id string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/api/turn", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set(sessionHeader, id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/turn: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// tone returns d of a constant signal at rate.
func tone(d time.Duration, rate int) []float32 {
	s := make([]float32, audio.SamplesPerFrame(rate, d))
	for i := range s {
		s[i] = 0.25
	}
	return s
}

func decodeTurn(t *testing.T, r io.Reader) turnResponse {
	t.Helper()
	var tr turnResponse
	if err := json.NewDecoder(r).Decode(&tr); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	return tr
}

func TestServer_Index(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})

	resp, err := http.Get(f.http.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(string(body), "Hold to talk") {
		t.Error("page does not contain the push-to-talk button")
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       []Option
		path       string
		wantStatus int
	}{
		{name: "healthz", path: "/healthz", wantStatus: http.StatusOK},
		{name: "readyz no checks", path: "/readyz", wantStatus: http.StatusOK},
		{
			name: "readyz failing",
			opts: []Option{WithReadiness(health.Checker{Name: "llm", Check: func(context.Context) error {
				return errors.New("ollama unreachable")
			}})},
			path:       "/readyz",
			wantStatus: http.StatusServiceUnavailable,
		},
		{name: "metrics disabled", path: "/metrics", wantStatus: http.StatusNotFound},
		{name: "metrics enabled", opts: []Option{WithPrometheus(prometheus.NewRegistry())}, path: "/metrics", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, fixtureConfig{opts: tt.opts})
			resp, err := http.Get(f.http.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestServer_CreateSessionGreets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})

	out := f.createSession(t)
	if out.Session.ID == "" {
		t.Fatal("session ID is empty")
	}
	if out.Greeting.Reply != "Nice to meet you." {
		t.Errorf("greeting reply = %q, want %q", out.Greeting.Reply, "Nice to meet you.")
	}
	wav, err := base64.StdEncoding.DecodeString(out.Greeting.Audio)
	if err != nil {
		t.Fatalf("greeting audio is not base64: %v", err)
	}
	buf, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("greeting audio is not WAV: %v", err)
	}
	if buf.SampleRate != 24000 || len(buf.Samples) != 3 {
		t.Errorf("greeting audio = %d samples at %d Hz, want 3 at 24000", len(buf.Samples), buf.SampleRate)
	}

	resp, err := http.Get(f.http.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	defer resp.Body.Close()
	var list []app.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != out.Session.ID {
		t.Errorf("sessions = %+v, want only %s", list, out.Session.ID)
	}
}

func TestServer_TooManySessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{maxSessions: 1})

	f.createSession(t)
	resp, err := http.Post(f.http.URL+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/sessions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestServer_Turn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})
	id := f.createSession(t).Session.ID

	resp := f.postTurn(t, id, audio.EncodeWAV(tone(time.Second, 16000), 16000))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	tr := decodeTurn(t, resp.Body)

	if tr.Outcome != "completed" {
		t.Errorf("outcome = %q, want completed", tr.Outcome)
	}
	if tr.Transcript != "hello there" {
		t.Errorf("transcript = %q, want %q", tr.Transcript, "hello there")
	}
	if tr.Reply != "Nice to meet you." {
		t.Errorf("reply = %q", tr.Reply)
	}
	if tr.Ending {
		t.Error("ending = true, want false")
	}
	if tr.Audio == "" {
		t.Error("response carries no audio")
	}
}

func TestServer_TurnResamplesUpload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})
	id := f.createSession(t).Session.ID

	resp := f.postTurn(t, id, audio.EncodeWAV(tone(time.Second, 48000), 48000))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	calls := f.stt.Requests()
	if len(calls) != 1 {
		t.Fatalf("STT calls = %d, want 1", len(calls))
	}
	got := calls[0].Audio
	if got.SampleRate != 16000 {
		t.Errorf("STT sample rate = %d, want 16000", got.SampleRate)
	}
	if n := len(got.Samples); n < 15900 || n > 16100 {
		t.Errorf("STT samples = %d, want about 16000", n)
	}
}

func TestServer_TurnErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})
	id := f.createSession(t).Session.ID

	tests := []struct {
		name       string
		id         string
		body       []byte
		wantStatus int
	}{
		{name: "unknown session", id: "nope", body: audio.EncodeWAV(tone(time.Second, 16000), 16000), wantStatus: http.StatusNotFound},
		{name: "not a wav", id: id, body: []byte("definitely not audio"), wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.postTurn(t, tt.id, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var er errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
				t.Errorf("error body = %+v (%v), want an error message", er, err)
			}
		})
	}
}

func TestServer_ShortUploadIsEmptyInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})
	id := f.createSession(t).Session.ID

	resp := f.postTurn(t, id, audio.EncodeWAV(tone(100*time.Millisecond, 16000), 16000))
	tr := decodeTurn(t, resp.Body)
	if tr.Outcome != "empty_input" {
		t.Errorf("outcome = %q, want empty_input", tr.Outcome)
	}
	if f.stt.CallCount() != 0 {
		t.Errorf("STT calls = %d, want 0", f.stt.CallCount())
	}
}

func TestServer_FarewellClosesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{sttTexts: []string{"thanks, goodbye"}})
	id := f.createSession(t).Session.ID

	tr := decodeTurn(t, f.postTurn(t, id, audio.EncodeWAV(tone(time.Second, 16000), 16000)).Body)
	if !tr.Ending || tr.Outcome != "conversation_ending" {
		t.Errorf("turn = %+v, want a conversation_ending turn", tr)
	}
	if f.sessions.Len() != 0 {
		t.Errorf("sessions = %d, want 0 after the conversation ended", f.sessions.Len())
	}
}

func TestServer_Reset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})
	id := f.createSession(t).Session.ID
	f.postTurn(t, id, audio.EncodeWAV(tone(time.Second, 16000), 16000))

	resp, err := http.Post(f.http.URL+"/api/reset?session="+id, "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/reset: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var info app.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Messages != 1 {
		t.Errorf("messages after reset = %d, want 1", info.Messages)
	}
}

func TestServer_Voices(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})
	f.tts.Voices = []tts.Voice{
		{ID: "af_bella", Name: "Bella", Provider: "kokoro"},
		{ID: "am_adam", Name: "Adam", Provider: "kokoro", Metadata: map[string]string{"gender": "male"}},
	}

	resp, err := http.Get(f.http.URL + "/api/voices")
	if err != nil {
		t.Fatalf("GET /api/voices: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Voices) != 2 || out.Voices[1].ID != "am_adam" || out.Voices[1].Metadata["gender"] != "male" {
		t.Errorf("voices = %+v", out.Voices)
	}
	if out.Current != config.Default().Assistant.Voice.VoiceID {
		t.Errorf("current = %q, want the configured voice", out.Current)
	}
}

func TestServer_VoicesError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})
	f.tts.ListVoicesErr = errors.New("voices endpoint unavailable")

	resp, err := http.Get(f.http.URL + "/api/voices")
	if err != nil {
		t.Fatalf("GET /api/voices: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || !strings.Contains(e.Error, "unavailable") {
		t.Errorf("error body = %+v (%v), want the provider error", e, err)
	}
}

func TestServer_DeleteSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})
	id := f.createSession(t).Session.ID

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, f.http.URL+"/api/sessions/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := del(); got != http.StatusNoContent {
		t.Errorf("first DELETE status = %d, want 204", got)
	}
	if got := del(); got != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", got)
	}
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureConfig{})
	f.createSession(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln, nil) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if f.sessions.Len() != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", f.sessions.Len())
	}
}
