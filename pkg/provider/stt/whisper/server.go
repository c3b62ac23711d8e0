package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

var _ stt.Provider = (*Server)(nil)

// Server uploads each utterance as a WAV file to whisper-server's
// POST /inference endpoint.
type Server struct {
	url string
	s   settings
}

// NewServer returns a transcriber for the whisper-server at baseURL.
func NewServer(baseURL string, opts ...Option) (*Server, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("whisper: server URL must not be empty")
	}
	return &Server{url: baseURL + "/inference", s: newSettings(opts)}, nil
}

// Transcribe returns the recognised text, trimmed. Empty audio is not sent.
func (w *Server) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	samples, lang, ok := w.s.input(req)
	if !ok {
		return "", nil
	}
	body, contentType, err := w.form(samples, lang)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := w.s.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("whisper: post %s: %w", w.url, err)
	}
	defer resp.Body.Close()
	return decodeInference(resp)
}

// form builds the multipart body whisper-server expects.
func (w *Server) form(samples []float32, lang string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	file, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: multipart: %w", err)
	}
	if _, err := file.Write(audio.EncodeWAV(samples, sampleRate)); err != nil {
		return nil, "", fmt.Errorf("whisper: multipart: %w", err)
	}

	fields := [][2]string{
		{"response_format", "json"},
		{"language", lang},
		{"model", w.s.model},
		{"prompt", w.s.prompt},
	}
	if w.s.translate {
		fields = append(fields, [2]string{"translate", strconv.FormatBool(true)})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("whisper: multipart field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// decodeInference reads an /inference response. whisper-server reports some
// failures as {"error": "..."} with a 200 status.
func decodeInference(resp *http.Response) (string, error) {
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", out.Error)
	}
	return strings.TrimSpace(out.Text), nil
}
