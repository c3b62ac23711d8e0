// Package coqui synthesises speech with a self-hosted Coqui TTS server.
//
// The classic server (ghcr.io/coqui-ai/tts) and the XTTS v2 API server speak
// different protocols; [APIMode] picks one. Each server renders one request
// at a time and slows down on long input, so a reply is split into sentences
// that are rendered concurrently and joined in order. Neither server has a
// rate control, so [tts.Options].Speed is ignored.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithVoice("p225"))
package coqui

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// inFlight caps concurrent sentence requests per Synthesize call.
	inFlight = 4
)

// APIMode names a Coqui server protocol.
type APIMode string

const (
	// APIModeStandard is the classic server: GET /api/tts, voices from
	// GET /details. It is the default.
	APIModeStandard APIMode = "standard"

	// APIModeXTTS is the XTTS v2 API server: POST /tts_to_audio/, voices
	// from GET /studio_speakers. Every request needs a voice.
	APIModeXTTS APIMode = "xtts"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language sent with every request. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each HTTP request. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server protocol.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithVoice sets the voice for calls that leave [tts.Options].Voice empty.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithOutputSampleRate resamples every reply to rate. By default the
// model's own rate is kept.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// Provider is a [tts.Provider] for one Coqui server.
type Provider struct {
	baseURL    string
	language   string
	voice      string
	outputRate int
	mode       APIMode
	dialect    dialect
	client     *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New returns a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("coqui: server URL must not be empty")
	}
	p := &Provider{
		baseURL:  baseURL,
		language: defaultLanguage,
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	d, ok := dialects[p.mode]
	if !ok {
		return nil, fmt.Errorf("coqui: unknown api mode %q (want %q or %q)", p.mode, APIModeStandard, APIModeXTTS)
	}
	p.dialect = d
	return p, nil
}

// Synthesize renders text sentence by sentence and returns the joined,
// normalised audio.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.Options) (audio.Buffer, error) {
	text = tts.CleanText(text)
	if text == "" {
		rate := p.outputRate
		if rate == 0 {
			rate = audio.DefaultPlaybackRate
		}
		return audio.Buffer{SampleRate: rate}, nil
	}
	voice := cmp.Or(opts.Voice, p.voice)
	if voice == "" && p.dialect.needsVoice() {
		return audio.Buffer{}, fmt.Errorf("coqui: %s mode needs a voice", p.mode)
	}

	sentences := tts.SplitSentences(text)
	rendered := make([]audio.Buffer, len(sentences))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inFlight)
	for i, s := range sentences {
		g.Go(func() (err error) {
			rendered[i], err = p.render(gctx, s, voice)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return audio.Buffer{}, ctx.Err()
		}
		return audio.Buffer{}, err
	}
	return tts.Finish(p.join(rendered)), nil
}

// join concatenates sentence audio at the output rate, or at the first
// sentence's rate when none is configured.
func (p *Provider) join(parts []audio.Buffer) audio.Buffer {
	out := audio.Buffer{SampleRate: p.outputRate}
	if out.SampleRate == 0 {
		out.SampleRate = parts[0].SampleRate
	}
	for _, b := range parts {
		out.Samples = append(out.Samples, audio.Resample(b.Samples, b.SampleRate, out.SampleRate)...)
	}
	return out
}

func (p *Provider) render(ctx context.Context, sentence, voice string) (audio.Buffer, error) {
	req, err := p.dialect.speak(ctx, p.baseURL, sentence, voice, p.language)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	body, err := p.do(req)
	if err != nil {
		return audio.Buffer{}, err
	}
	buf, err := audio.DecodeWAV(body)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("coqui: %s: %w", req.URL.Path, err)
	}
	return buf, nil
}

// ListVoices asks the server for its voices, sorted by ID.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return p.dialect.voices(ctx, p)
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

// do sends req and returns the body of a 200 response.
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s: %w", req.URL.Path, err)
	}
	return body, nil
}
