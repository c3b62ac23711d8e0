// Package mock is a scripted [stt.Provider] for tests.
//
//	p := &mock.Provider{Texts: []string{"hello", "goodbye"}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Provider returns scripted transcripts and records every request. Set the
// exported fields before first use.
type Provider struct {
	// Texts are returned in order, one per call. Afterwards Text is returned.
	Texts []string
	Text  string

	// Err fails every call.
	Err error

	// Block makes calls wait for cancellation.
	Block bool

	mu       sync.Mutex
	next     int
	requests []stt.Request
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	text := p.Text
	if p.next < len(p.Texts) {
		text = p.Texts[p.next]
		p.next++
	}
	p.mu.Unlock()

	switch {
	case p.Block:
		<-ctx.Done()
		return "", ctx.Err()
	case p.Err != nil:
		return "", p.Err
	}
	return text, nil
}

// Requests returns a copy of the requests seen so far.
func (p *Provider) Requests() []stt.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}

// CallCount returns how often Transcribe was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
