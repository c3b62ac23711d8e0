// Package mock provides a test double for the tts.Provider interface.
//
//	p := &mock.Provider{Buffer: audio.Buffer{Samples: []float32{0.1}, SampleRate: 24000}}
//	buf, _ := p.Synthesize(ctx, "Hello", tts.Options{})
//	// p.SynthesizeCalls[0].Text == "Hello"
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text string
	Opts tts.Options
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Buffer is returned by Synthesize. When its SampleRate is zero,
	// audio.DefaultPlaybackRate is filled in.
	Buffer audio.Buffer

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// ErrOnce, if non-nil, is returned from the next Synthesize call only.
	ErrOnce error

	// Block makes Synthesize wait for ctx cancellation and return ctx.Err().
	Block bool

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// ListVoicesErr, if non-nil, is returned from ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCallCount is the number of ListVoices calls.
	ListVoicesCallCount int
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured buffer or error.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.Options) (audio.Buffer, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Opts: opts})
	block, err := p.Block, p.Err
	if p.ErrOnce != nil {
		err, p.ErrOnce = p.ErrOnce, nil
	}
	buf := audio.Buffer{
		Samples:    append([]float32(nil), p.Buffer.Samples...),
		SampleRate: p.Buffer.SampleRate,
	}
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return audio.Buffer{}, ctx.Err()
	}
	if err != nil {
		return audio.Buffer{}, err
	}
	if buf.SampleRate == 0 {
		buf.SampleRate = audio.DefaultPlaybackRate
	}
	return buf, nil
}

// ListVoices records the call and returns Voices.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return append([]tts.Voice(nil), p.Voices...), nil
}

// Texts returns the text of every Synthesize call in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCallCount = 0
}
