// Package kokoro provides a TTS provider for the Kokoro model served behind an
// OpenAI-compatible speech endpoint (Kokoro-FastAPI exposes POST
// /v1/audio/speech and GET /v1/audio/voices).
//
// Requests go through the official openai-go SDK with the base URL pointed at
// the local server. Audio is requested as WAV so the native 24 kHz mono PCM
// comes back without a lossy codec in between.
//
//	p, err := kokoro.New("http://localhost:8880/v1", kokoro.WithVoice("af_bella"))
//	buf, err := p.Synthesize(ctx, "Hello there", tts.Options{Speed: 1.0})
package kokoro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	// DefaultBaseURL is the Kokoro-FastAPI default listen address.
	DefaultBaseURL = "http://localhost:8880/v1"

	// DefaultVoice matches the voice the assistant ships with.
	DefaultVoice = "af_bella"

	defaultModel   = "kokoro"
	defaultTimeout = 60 * time.Second
	voicesPath     = "audio/voices"
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithVoice sets the voice used when Options.Voice is empty.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithModel overrides the model name sent to the server (default "kokoro").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithAPIKey sets the bearer token. Kokoro-FastAPI ignores it, but proxies in
// front of it may not.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithHTTPClient replaces the HTTP client (default: 60 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider against a Kokoro speech server.
type Provider struct {
	client     oai.Client
	baseURL    string
	model      string
	voice      string
	apiKey     string
	httpClient *http.Client
}

// New creates a Provider for the server at baseURL. An empty baseURL selects
// DefaultBaseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("kokoro: base url %q must start with http:// or https://", baseURL)
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      defaultModel,
		voice:      DefaultVoice,
		apiKey:     "not-needed",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	p.client = oai.NewClient(
		option.WithBaseURL(p.baseURL+"/"),
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(0),
	)
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.Options) (audio.Buffer, error) {
	text = tts.CleanText(text)
	if text == "" {
		return audio.Buffer{SampleRate: audio.DefaultPlaybackRate}, nil
	}
	voice := opts.Voice
	if voice == "" {
		voice = p.voice
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
		Speed:          oai.Float(tts.ClampSpeed(opts.Speed)),
	})
	if err != nil {
		if ctx.Err() != nil {
			return audio.Buffer{}, ctx.Err()
		}
		return audio.Buffer{}, fmt.Errorf("kokoro: speech request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("kokoro: read speech response: %w", err)
	}
	buf, err := audio.DecodeWAV(data)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("kokoro: %w", err)
	}
	return tts.Finish(buf), nil
}

// voicesResponse is the body of GET /v1/audio/voices.
type voicesResponse struct {
	Voices []string `json:"voices"`
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	var res voicesResponse
	if err := p.client.Get(ctx, voicesPath, nil, &res); err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return []tts.Voice{{ID: p.voice, Name: p.voice, Provider: "kokoro"}}, nil
		}
		return nil, fmt.Errorf("kokoro: list voices: %w", err)
	}
	names := slices.Clone(res.Voices)
	slices.Sort(names)
	voices := make([]tts.Voice, 0, len(names))
	for _, n := range names {
		voices = append(voices, tts.Voice{
			ID:       n,
			Name:     n,
			Provider: "kokoro",
			Metadata: voiceMetadata(n),
		})
	}
	return voices, nil
}

// voiceMetadata decodes the Kokoro naming scheme: the first letter is the
// language/accent ('a' American, 'b' British, ...) and the second the gender.
func voiceMetadata(id string) map[string]string {
	if len(id) < 3 || id[2] != '_' {
		return nil
	}
	md := map[string]string{}
	switch id[0] {
	case 'a':
		md["accent"] = "american"
	case 'b':
		md["accent"] = "british"
	}
	switch id[1] {
	case 'f':
		md["gender"] = "female"
	case 'm':
		md["gender"] = "male"
	}
	return md
}
