// Package openai is an LLM provider for servers that speak the OpenAI chat
// completions protocol. parley registers it as "openai-compat" for
// self-hosted engines such as llama.cpp's server, vLLM, LM Studio or
// Ollama's /v1 endpoint, which need no API key.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// placeholderKey is sent to self-hosted servers that ignore authentication.
const placeholderKey = "sk-no-key-required"

// ErrEmptyReply is returned when the server sent no choices.
var ErrEmptyReply = errors.New("openai: server returned no reply")

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	retries      int
	httpClient   *http.Client
	keepThought  bool
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL targets a server other than api.openai.com, e.g.
// "http://127.0.0.1:8080/v1".
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each request attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithRetries sets how often the SDK retries a failed request itself. The
// default is none; configure a fallback chain instead.
func WithRetries(n int) Option {
	return func(s *settings) { s.retries = n }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithReasoning keeps <think> sections in replies.
func WithReasoning() Option {
	return func(s *settings) { s.keepThought = true }
}

// Provider is an [llm.Provider] for one OpenAI-compatible server and model.
type Provider struct {
	client      oai.Client
	model       string
	keepThought bool
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for model. apiKey may be empty when a base URL is
// given, since self-hosted servers do not check it.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}
	if apiKey == "" {
		if s.baseURL == "" {
			return nil, errors.New("openai: an API key is required for api.openai.com")
		}
		apiKey = placeholderKey
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.retries),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(s.timeout))
	}
	if s.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(s.httpClient))
	}
	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		keepThought: s.keepThought,
	}, nil
}

// Model returns the model name sent with every request.
func (p *Provider) Model() string { return p.model }

// Complete sends the conversation and returns the first choice.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openai: %s: %w", p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}

	content := resp.Choices[0].Message.Content
	if !p.keepThought {
		content = llm.StripReasoning(content)
	}
	return &llm.CompletionResponse{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// CountTokens estimates with [llm.EstimateTokens].
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: make([]oai.ChatCompletionMessageParamUnion, len(req.Messages)),
	}
	for i, m := range req.Messages {
		msg, err := toParam(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		params.Messages[i] = msg
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func toParam(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
}
