// Package mock is a scripted [llm.Provider] for tests. It records each
// request with a private copy of its history, so later appends by the caller
// do not leak into assertions.
//
//	p := &mock.Provider{Replies: []string{"Hello!", "Goodbye!"}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Provider replies from a script. Set the exported fields before first use.
type Provider struct {
	// Replies are returned in order, one per call. Afterwards Reply is
	// returned.
	Replies []string
	Reply   string

	// Err fails every Complete call.
	Err error

	// Block makes Complete wait for cancellation.
	Block bool

	// TokenCount is what CountTokens reports.
	TokenCount int

	mu       sync.Mutex
	next     int
	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	req.Messages = slices.Clone(req.Messages)

	p.mu.Lock()
	p.requests = append(p.requests, req)
	reply := p.Reply
	if p.next < len(p.Replies) {
		reply = p.Replies[p.next]
		p.next++
	}
	p.mu.Unlock()

	switch {
	case p.Block:
		<-ctx.Done()
		return nil, ctx.Err()
	case p.Err != nil:
		return nil, p.Err
	}
	return &llm.CompletionResponse{Content: reply}, nil
}

func (p *Provider) CountTokens([]llm.Message) (int, error) {
	return p.TokenCount, nil
}

// CallCount returns how often Complete was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// LastRequest returns the latest request, or the zero value before the
// first call.
func (p *Provider) LastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return llm.CompletionRequest{}
	}
	return p.requests[len(p.requests)-1]
}
