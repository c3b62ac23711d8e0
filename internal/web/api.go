package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/utterance"
	"github.com/MrWong99/parley/pkg/audio"
)

// sessionHeader carries the session ID on REST calls. The "session" query
// parameter is accepted as well.
const sessionHeader = observe.HeaderSession

// turnResponse is the JSON form of a [turn.Result].
type turnResponse struct {
	Outcome    string      `json:"outcome"`
	Transcript string      `json:"transcript,omitempty"`
	Reply      string      `json:"reply,omitempty"`
	Ending     bool        `json:"ending"`
	Error      string      `json:"error,omitempty"`
	Timings    timingsJSON `json:"timings"`

	PromptTokens int `json:"prompt_tokens,omitempty"`

	// Audio is the base64 encoded WAV reply. REST responses only; the
	// WebSocket sends audio as a separate binary message.
	Audio string `json:"audio,omitempty"`

	// AudioFollows tells WebSocket clients that a binary WAV message comes
	// next.
	AudioFollows bool `json:"audio_follows,omitempty"`
}

type timingsJSON struct {
	STTMs      int64 `json:"stt_ms"`
	LLMMs      int64 `json:"llm_ms"`
	TTSMs      int64 `json:"tts_ms"`
	PlaybackMs int64 `json:"playback_ms"`
}

func newTurnResponse(res turn.Result) turnResponse {
	tr := turnResponse{
		Outcome:      res.Outcome.String(),
		Transcript:   res.Transcript,
		Reply:        res.ReplyText(),
		Ending:       res.Outcome == turn.ConversationEnding,
		PromptTokens: res.PromptTokens,
		Timings: timingsJSON{
			STTMs:      res.Timings.STT.Milliseconds(),
			LLMMs:      res.Timings.LLM.Milliseconds(),
			TTSMs:      res.Timings.TTS.Milliseconds(),
			PlaybackMs: res.Timings.Playback.Milliseconds(),
		},
	}
	if res.Err != nil {
		tr.Error = res.Err.Error()
	}
	return tr
}

// replyWAV encodes the reply audio, or returns nil when there is none.
func replyWAV(res turn.Result) []byte {
	if len(res.Audio.Samples) == 0 {
		return nil
	}
	return audio.EncodeWAV(res.Audio.Samples, res.Audio.SampleRate)
}

type createSessionResponse struct {
	Session  app.SessionInfo `json:"session"`
	Greeting turnResponse    `json:"greeting"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(r.Context(), nil, nil)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	res, err := sess.Greet(r.Context())
	if err != nil {
		_ = s.sessions.Close(sess.ID())
		writeError(w, statusFor(err), err)
		return
	}
	greeting := newTurnResponse(res)
	if wav := replyWAV(res); wav != nil {
		greeting.Audio = base64.StdEncoding.EncodeToString(wav)
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{Session: sess.Info(), Greeting: greeting})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTurn runs one turn on an uploaded WAV recording.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(sessionID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	buf, err := audio.DecodeWAV(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	utt := s.utteranceFrom(buf)
	res, err := sess.Run(r.Context(), utt)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			observe.Logger(r.Context()).Error("web turn failed", "session_id", sess.ID(), "err", err)
		}
		writeError(w, statusFor(err), err)
		return
	}

	resp := newTurnResponse(res)
	if wav := replyWAV(res); wav != nil {
		resp.Audio = base64.StdEncoding.EncodeToString(wav)
	}
	writeJSON(w, http.StatusOK, resp)

	if resp.Ending {
		_ = s.sessions.Close(sess.ID())
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(sessionID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	sess.Reset()
	writeJSON(w, http.StatusOK, sess.Info())
}

type voiceJSON struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Provider string            `json:"provider,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type voicesResponse struct {
	// Current is the configured voice ID, empty for the provider default.
	Current string      `json:"current"`
	Voices  []voiceJSON `json:"voices"`
}

// handleVoices lists the voices of the configured synthesiser.
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.app.Providers().TTS.ListVoices(r.Context())
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeError(w, status, err)
		return
	}
	resp := voicesResponse{
		Current: s.app.Config().Assistant.Voice.VoiceID,
		Voices:  make([]voiceJSON, len(voices)),
	}
	for i, v := range voices {
		resp.Voices[i] = voiceJSON{ID: v.ID, Name: v.Name, Provider: v.Provider, Metadata: v.Metadata}
	}
	writeJSON(w, http.StatusOK, resp)
}

// utteranceFrom converts an uploaded recording to the capture sample rate.
func (s *Server) utteranceFrom(buf audio.Buffer) utterance.Utterance {
	rate := s.app.Config().Pipeline.CaptureSampleRate
	if buf.SampleRate != rate && len(buf.Samples) > 0 {
		buf = audio.Buffer{Samples: audio.Resample(buf.Samples, buf.SampleRate, rate), SampleRate: rate}
	}
	return utterance.FromBuffer(buf)
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get(sessionHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("session")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("web: write response", "err", err)
	}
}
