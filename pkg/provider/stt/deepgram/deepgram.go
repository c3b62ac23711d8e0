// Package deepgram transcribes utterances with Deepgram's live WebSocket API.
//
// Each Transcribe call opens its own stream: the utterance goes up as 16-bit
// PCM, a CloseStream message asks Deepgram to flush, and the final results
// received until the server hangs up form the transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	liveURL         = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"

	// frameSamples is one upload message, 100 ms at 16 kHz.
	frameSamples = 1600
)

var closeStream = []byte(`{"type":"CloseStream"}`)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model. Default "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language for requests that name none. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithEndpoint replaces the wss://api.deepgram.com endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithKeyterms boosts recognition of the given words, such as the
// assistant's name.
func WithKeyterms(terms ...string) Option {
	return func(p *Provider) { p.keyterms = append(p.keyterms, terms...) }
}

// Provider is an [stt.Provider] for Deepgram.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
	keyterms []string
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: API key must not be empty")
	}
	p := &Provider{apiKey: apiKey, model: defaultModel, language: defaultLanguage, endpoint: liveURL}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams req.Audio and returns the final transcripts joined by
// single spaces.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	if req.Audio.Empty() {
		return "", nil
	}
	target, err := p.listenURL(req.Language, req.Audio.SampleRate)
	if err != nil {
		return "", fmt.Errorf("deepgram: endpoint: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	var finals []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return send(gctx, conn, req.Audio.Samples) })
	g.Go(func() (err error) {
		finals, err = receive(gctx, conn)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return strings.Join(finals, " "), nil
}

func send(ctx context.Context, conn *websocket.Conn, samples []float32) error {
	for len(samples) > 0 {
		n := min(frameSamples, len(samples))
		if err := conn.Write(ctx, websocket.MessageBinary, audio.FloatToPCM16(samples[:n])); err != nil {
			return fmt.Errorf("deepgram: send audio: %w", err)
		}
		samples = samples[n:]
	}
	if err := conn.Write(ctx, websocket.MessageText, closeStream); err != nil {
		return fmt.Errorf("deepgram: send CloseStream: %w", err)
	}
	return nil
}

// receive collects final transcripts until the server closes normally.
func receive(ctx context.Context, conn *websocket.Conn) ([]string, error) {
	var finals []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return finals, nil
			}
			return nil, fmt.Errorf("deepgram: receive: %w", err)
		}
		var ev event
		if json.Unmarshal(msg, &ev) != nil {
			continue
		}
		if text, ok := ev.final(); ok {
			finals = append(finals, text)
		}
	}
}

func (p *Provider) listenURL(lang string, sampleRate int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	if lang == "" {
		lang = p.language
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	for _, term := range p.keyterms {
		if term = strings.TrimSpace(term); term != "" {
			q.Add("keyterm", term)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// event is a server message. Only "Results" events carry transcripts.
type event struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// transcript returns the top alternative of a Results event.
func (e event) transcript() (string, bool) {
	if e.Type != "Results" || len(e.Channel.Alternatives) == 0 {
		return "", false
	}
	return strings.TrimSpace(e.Channel.Alternatives[0].Transcript), true
}

// final returns a non-empty final transcript.
func (e event) final() (string, bool) {
	text, ok := e.transcript()
	if !ok || !e.IsFinal || text == "" {
		return "", false
	}
	return text, true
}
