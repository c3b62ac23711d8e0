// Package llm defines the Provider interface for chat model backends.
//
// An LLM provider wraps a remote or local model API (a local Ollama instance by
// default, or any OpenAI-compatible server) and exposes a uniform, single-shot
// completion call. The conversation history is owned by the caller and passed
// in full on every request; providers keep no per-conversation state.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation history, system prompt first. The last
	// message is typically from the user and drives the reply.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero means
	// use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the reply produced by Complete.
type CompletionResponse struct {
	// Content is the raw reply text, including any control markers the model
	// emitted. Callers parse it before speaking it.
	Content string

	// Usage reports token consumption for this call when the backend provides it.
	Usage Usage
}

// Provider is the abstraction over any chat model backend.
type Provider interface {
	// Complete sends the request and blocks until the full reply is available.
	// It must return ctx.Err() promptly when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens returns an estimate of the tokens the messages would consume.
	CountTokens(messages []Message) (int, error)
}

// EstimateTokens approximates a token count at roughly four characters per token
// plus a small per-message overhead for role and formatting tokens.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
