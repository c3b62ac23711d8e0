package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// StripReasoning removes the <think>…</think> sections that reasoning models
// (qwen3, deepseek-r1, …) prepend to their answer. An unterminated section
// swallows the rest of the reply, since the model was cut off mid-thought.
// The result is trimmed.
func StripReasoning(s string) string {
	if !strings.Contains(s, thinkOpen) && !strings.Contains(s, thinkClose) {
		return strings.TrimSpace(s)
	}
	var b strings.Builder
	for {
		i := strings.Index(s, thinkOpen)
		if i < 0 {
			break
		}
		b.WriteString(s[:i])
		rest := s[i+len(thinkOpen):]
		j := strings.Index(rest, thinkClose)
		if j < 0 {
			s = ""
			break
		}
		s = rest[j+len(thinkClose):]
	}
	b.WriteString(s)
	out := b.String()
	// Some templates open the section in the prompt, so only the closing tag
	// reaches us.
	if j := strings.LastIndex(out, thinkClose); j >= 0 {
		out = out[j+len(thinkClose):]
	}
	return strings.TrimSpace(out)
}
