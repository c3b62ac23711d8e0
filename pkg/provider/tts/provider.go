// Package tts defines the Provider interface for Text-to-Speech backends and
// the text and level conditioning every backend applies.
//
// A TTS provider wraps a speech synthesis service (Kokoro behind an
// OpenAI-compatible speech endpoint, a Coqui server, or ElevenLabs) and turns
// one reply into one mono float buffer. Implementations must:
//
//   - run the input through CleanText and return an empty buffer (no error,
//     no request) when nothing is left,
//   - clamp the speed to [MinSpeed, MaxSpeed],
//   - peak-normalise the result to PeakLevel with Finish.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"strings"
	"unicode"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// MinSpeed and MaxSpeed bound the speech rate multiplier.
	MinSpeed = 0.5
	MaxSpeed = 2.0

	// DefaultSpeed is used when Options.Speed is zero.
	DefaultSpeed = 1.0

	// PeakLevel is the absolute peak every synthesized buffer is scaled to.
	PeakLevel = 0.8
)

// Options controls a single synthesis call.
type Options struct {
	// Voice is the provider-specific voice identifier. Empty selects the
	// provider's configured default.
	Voice string

	// Speed is the speech rate multiplier. Zero means DefaultSpeed.
	Speed float64
}

// Voice describes one voice offered by a provider.
type Voice struct {
	// ID is the provider-specific voice identifier passed in Options.Voice.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text to a mono float buffer at the provider's native
	// sample rate. An empty or whitespace-only text yields an empty buffer and
	// a nil error.
	Synthesize(ctx context.Context, text string, opts Options) (audio.Buffer, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]Voice, error)
}

var quoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'",
	"“", `"`, "”", `"`,
)

// CleanText prepares text for synthesis: typographic quotes become plain
// ASCII quotes, runs of whitespace collapse to one space, and a '.' is
// appended when the text does not already end in '.', '!' or '?'.
func CleanText(text string) string {
	text = quoteReplacer.Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	switch text[len(text)-1] {
	case '.', '!', '?':
	default:
		text += "."
	}
	return text
}

// ClampSpeed maps zero to DefaultSpeed and clamps everything else into
// [MinSpeed, MaxSpeed].
func ClampSpeed(speed float64) float64 {
	if speed == 0 {
		return DefaultSpeed
	}
	return min(max(speed, MinSpeed), MaxSpeed)
}

// Finish peak-normalises buf in place to PeakLevel and returns it. Silent
// buffers are returned unchanged.
func Finish(buf audio.Buffer) audio.Buffer {
	audio.Normalize(buf.Samples, PeakLevel)
	return buf
}

// SplitSentences splits cleaned text after every '.', '!' or '?' that ends
// the text or is followed by whitespace, so "Dr.Smith" and "3.14" stay whole.
func SplitSentences(text string) []string {
	var out []string
	for {
		idx := sentenceBoundary(text)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(text[:idx+1]); s != "" {
			out = append(out, s)
		}
		text = text[idx+1:]
	}
	if s := strings.TrimSpace(text); s != "" {
		out = append(out, s)
	}
	return out
}

func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
