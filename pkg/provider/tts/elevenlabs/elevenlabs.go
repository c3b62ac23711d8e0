// Package elevenlabs synthesises speech with ElevenLabs' stream-input
// WebSocket API and lists voices through its REST API.
//
// A Synthesize call is one socket: the whole reply goes up followed by the
// end-of-input marker, and PCM chunks come back until the server marks the
// last one.
package elevenlabs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	defaultStreamBase = "wss://api.elevenlabs.io"
	defaultRESTBase   = "https://api.elevenlabs.io"
	defaultModel      = "eleven_flash_v2_5"
	defaultFormat     = "pcm_24000"

	// The API rejects speeds outside this range.
	minSpeed = 0.7
	maxSpeed = 1.2
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model. Default "eleven_flash_v2_5".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat picks a raw PCM format: "pcm_16000", "pcm_22050",
// "pcm_24000" or "pcm_44100".
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.format = format }
}

// WithVoice sets the voice ID for calls that leave [tts.Options].Voice empty.
func WithVoice(id string) Option {
	return func(p *Provider) { p.voice = id }
}

// WithVoiceSettings overrides stability (default 0.5) and similarity boost
// (default 0.75).
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) {
		p.stability = stability
		p.similarity = similarity
	}
}

// WithBaseURLs points the WebSocket and REST calls at other servers.
func WithBaseURLs(streamBase, restBase string) Option {
	return func(p *Provider) {
		p.streamBase = strings.TrimRight(streamBase, "/")
		p.restBase = strings.TrimRight(restBase, "/")
	}
}

// WithHTTPClient replaces the client used by ListVoices.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider is a [tts.Provider] for ElevenLabs.
type Provider struct {
	apiKey     string
	model      string
	format     string
	rate       int
	voice      string
	stability  float64
	similarity float64
	streamBase string
	restBase   string
	client     *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: API key must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		format:     defaultFormat,
		stability:  0.5,
		similarity: 0.75,
		streamBase: defaultStreamBase,
		restBase:   defaultRESTBase,
		client:     http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := pcmRate(p.format)
	if err != nil {
		return nil, err
	}
	p.rate = rate
	return p, nil
}

// Synthesize streams text through the chosen voice.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.Options) (audio.Buffer, error) {
	text = tts.CleanText(text)
	if text == "" {
		return audio.Buffer{SampleRate: p.rate}, nil
	}
	voice := cmp.Or(opts.Voice, p.voice)
	if voice == "" {
		return audio.Buffer{}, errors.New("elevenlabs: no voice configured")
	}

	pcm, err := p.stream(ctx, voice, text, voiceSettings{
		Stability:       p.stability,
		SimilarityBoost: p.similarity,
		Speed:           min(max(tts.ClampSpeed(opts.Speed), minSpeed), maxSpeed),
	})
	if err != nil {
		if ctx.Err() != nil {
			return audio.Buffer{}, ctx.Err()
		}
		return audio.Buffer{}, err
	}
	return tts.Finish(audio.Buffer{Samples: audio.PCM16ToFloat(pcm), SampleRate: p.rate}), nil
}

func (p *Provider) streamURL(voice string) string {
	q := url.Values{"model_id": {p.model}, "output_format": {p.format}}
	return p.streamBase + "/v1/text-to-speech/" + url.PathEscape(voice) + "/stream-input?" + q.Encode()
}

// pcmRate reads the rate out of "pcm_<rate>".
func pcmRate(format string) (int, error) {
	digits, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	rate, err := strconv.Atoi(digits)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: bad output format %q", format)
	}
	return rate, nil
}
