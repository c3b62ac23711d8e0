package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Greet starts a fresh conversation and speaks an opening line.
//
// The history is reset to the current system prompt, then the LLM is asked
// for a greeting that fits the time of day. The greeting is recorded as an
// assistant message and played. End markers are stripped from it but never
// end the conversation. Without a usable clock a fixed introduction is spoken
// and the LLM is not consulted; an LLM failure falls back to a shorter fixed
// greeting. The only error returned is ctx.Err().
func (c *Controller) Greet(ctx context.Context) (res Result, err error) {
	ctx, span := observe.StartSpan(ctx, "greeting")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	set := c.settings()
	c.history.Reset(set.systemPrompt)

	now := c.cfg.Now()
	var text string
	if now.IsZero() {
		text = fmt.Sprintf("Hello! I'm %s, your AI voice assistant. How can I help you today?", c.cfg.AssistantName)
	} else {
		c.history.Append(llm.UserMessage(greetingPrompt(now)))
		c.stage(Thinking, "")
		raw, cerr := c.complete(ctx, &res)
		switch {
		case cerr != nil && ctx.Err() != nil:
			return Result{}, ctx.Err()
		case cerr != nil:
			log.Warn("greeting generation failed, using fallback", "err", cerr)
			res.Err = fmt.Errorf("turn: greeting: %w", cerr)
			text = fmt.Sprintf("Hello! I'm %s. How can I help you?", c.cfg.AssistantName)
		default:
			text = ParseReply(raw, set.endMarkers).Spoken()
		}
	}

	c.history.Append(llm.AssistantMessage(text))
	res.Outcome = Completed
	res.Reply = PlainReply{Text: text}
	log.Info("assistant greeted", "text", text)

	buf, serr := c.speak(ctx, text, set.voice, &res.Timings)
	if serr != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Error("speaking greeting failed", "err", serr)
		if res.Err == nil {
			res.Err = serr
		}
	}
	res.Audio = buf
	return res, nil
}

// greetingPrompt is the synthetic user turn that asks for a greeting.
func greetingPrompt(now time.Time) string {
	return "Start the conversation. " + timeContext(now) + ". Greet the user appropriately."
}

// timeContext describes now, e.g. "It is Sunday afternoon, October 18,
// 2026, 2:04 PM".
func timeContext(now time.Time) string {
	return fmt.Sprintf("It is %s %s, %s",
		now.Weekday(), partOfDay(now.Hour()), now.Format("January 2, 2006, 3:04 PM"))
}

func partOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 21:
		return "evening"
	default:
		return "night"
	}
}
