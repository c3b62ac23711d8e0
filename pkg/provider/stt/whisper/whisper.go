// Package whisper transcribes utterances with whisper.cpp, either through a
// running whisper-server ([Server]) or in-process through the cgo bindings
// ([Native]). Both accept the same options; options that only make sense for
// one of them are ignored by the other.
//
//	s, err := whisper.NewServer("http://localhost:8080", whisper.WithLanguage("en"))
//	n, err := whisper.NewNative("models/ggml-base.en.bin", whisper.WithThreads(4))
package whisper

import (
	"net/http"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	// sampleRate is the only rate whisper.cpp accepts.
	sampleRate = 16000

	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

type settings struct {
	language   string
	model      string
	prompt     string
	translate  bool
	threads    uint
	httpClient *http.Client
}

// Option configures a [Server] or a [Native] transcriber.
type Option func(*settings)

// WithLanguage sets the language used when a request names none. "auto"
// lets whisper detect it. The default is "en".
func WithLanguage(lang string) Option {
	return func(s *settings) { s.language = lang }
}

// WithModel asks whisper-server for a specific model. [Native] ignores it;
// its model is the file it was loaded from.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithPrompt primes decoding with text, typically names and jargon the
// speaker is likely to use.
func WithPrompt(prompt string) Option {
	return func(s *settings) { s.prompt = prompt }
}

// WithTranslate makes whisper translate to English while transcribing.
func WithTranslate() Option {
	return func(s *settings) { s.translate = true }
}

// WithThreads sets the CPU threads per [Native] inference.
func WithThreads(n uint) Option {
	return func(s *settings) { s.threads = n }
}

// WithHTTPClient replaces the [Server] HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) {
		if c != nil {
			s.httpClient = c
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// input converts req to 16 kHz mono samples and picks the language. ok is
// false when there is nothing to transcribe.
func (s settings) input(req stt.Request) (samples []float32, lang string, ok bool) {
	if req.Audio.Empty() {
		return nil, "", false
	}
	lang = req.Language
	if lang == "" {
		lang = s.language
	}
	return audio.Resample(req.Audio.Samples, req.Audio.SampleRate, sampleRate), lang, true
}
