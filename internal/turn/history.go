package turn

import (
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// History is the ordered conversation sent to the LLM on every turn.
//
// Messages are only ever appended; the order is never changed. The only way
// to drop messages is [History.Reset], which starts a fresh conversation from
// a system prompt. All methods are safe for concurrent use so that a web
// reset can race with a running turn.
type History struct {
	mu   sync.Mutex
	msgs []llm.Message
}

// NewHistory returns a history holding only systemPrompt. An empty prompt
// yields an empty history.
func NewHistory(systemPrompt string) *History {
	h := &History{}
	h.Reset(systemPrompt)
	return h
}

// Append adds msgs to the end of the conversation.
func (h *History) Append(msgs ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
}

// Messages returns a copy of the conversation, safe to hand to a provider.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages, including the system prompt.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Last returns the most recent message.
func (h *History) Last() (llm.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.msgs) == 0 {
		return llm.Message{}, false
	}
	return h.msgs[len(h.msgs)-1], true
}

// Reset discards the conversation and starts over from systemPrompt.
func (h *History) Reset(systemPrompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = h.msgs[:0:0]
	if systemPrompt != "" {
		h.msgs = append(h.msgs, llm.SystemMessage(systemPrompt))
	}
}
