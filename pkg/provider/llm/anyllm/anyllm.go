// Package anyllm talks to chat models through github.com/mozilla-ai/any-llm-go,
// which puts Ollama, llama.cpp and the hosted APIs (OpenAI, Anthropic, Gemini,
// ...) behind one completion call. It is parley's default LLM provider, with
// a local Ollama daemon as the default backend:
//
//	p, err := anyllm.New("ollama", "gemma3:4b")
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllm.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// backends maps a backend name to its constructor. The constructors return
// concrete types, hence the adapters.
var backends = map[string]factory{
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Backends returns the accepted backend names, sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// ErrEmptyReply is returned when the model produced no choices.
var ErrEmptyReply = errors.New("anyllm: model returned no reply")

type settings struct {
	apiKey      string
	baseURL     string
	temperature float64
	maxTokens   int
	keepThought bool
}

// Option configures a [Provider].
type Option func(*settings)

// WithAPIKey authenticates against a hosted backend. Without it the backend
// reads its usual environment variable (OPENAI_API_KEY, ...).
func WithAPIKey(key string) Option {
	return func(s *settings) { s.apiKey = key }
}

// WithBaseURL points the backend at a different server, e.g. a remote
// Ollama daemon.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithTemperature is used for requests that leave Temperature at zero.
func WithTemperature(t float64) Option {
	return func(s *settings) { s.temperature = t }
}

// WithMaxTokens is used for requests that leave MaxTokens at zero. Spoken
// replies are short, so a low cap keeps latency predictable.
func WithMaxTokens(n int) Option {
	return func(s *settings) { s.maxTokens = n }
}

// WithReasoning keeps <think> sections in the reply. By default they are
// stripped with [llm.StripReasoning] so they are never spoken.
func WithReasoning() Option {
	return func(s *settings) { s.keepThought = true }
}

// Provider is an [llm.Provider] for one backend and model.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
	s       settings
}

var _ llm.Provider = (*Provider)(nil)

// New connects to the named backend (see [Backends]) and selects model.
func New(backend, model string, opts ...Option) (*Provider, error) {
	name := strings.ToLower(strings.TrimSpace(backend))
	if name == "" {
		return nil, errors.New("anyllm: backend must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	create, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", backend, strings.Join(Backends(), ", "))
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}
	var libOpts []anyllmlib.Option
	if s.apiKey != "" {
		libOpts = append(libOpts, anyllmlib.WithAPIKey(s.apiKey))
	}
	if s.baseURL != "" {
		libOpts = append(libOpts, anyllmlib.WithBaseURL(s.baseURL))
	}
	b, err := create(libOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model, s: s}, nil
}

// Name returns the backend name.
func (p *Provider) Name() string { return p.name }

// Model returns the model name.
func (p *Provider) Model() string { return p.model }

// Complete sends the whole conversation and returns the first choice.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("anyllm: %s/%s: %w", p.name, p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}

	content := resp.Choices[0].Message.ContentString()
	if !p.s.keepThought {
		content = llm.StripReasoning(content)
	}
	out := &llm.CompletionResponse{Content: content}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens estimates with [llm.EstimateTokens]; any-llm-go has no
// tokenizer.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, len(req.Messages)),
	}
	for i, m := range req.Messages {
		params.Messages[i] = anyllmlib.Message{Role: string(m.Role), Content: m.Content}
	}

	temp := req.Temperature
	if temp == 0 {
		temp = p.s.temperature
	}
	if temp != 0 {
		params.Temperature = &temp
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.s.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = &maxTokens
	}
	return params
}
