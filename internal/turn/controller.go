// Package turn runs one conversational turn: transcribe the user's utterance,
// ask the LLM for a reply, speak the reply, and decide whether the
// conversation is over.
//
// A [Controller] owns the conversation [History]. Collaborator failures never
// abort a session: the controller speaks a fixed apology instead and reports
// the failure in [Result.Err]. Only context cancellation is returned as an
// error.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/utterance"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Apology is spoken, and recorded in the history after an LLM failure, when a
// turn cannot be completed.
const Apology = "I apologize, but I encountered an error processing your request."

// DefaultMinUtterance is the shortest utterance that is transcribed.
const DefaultMinUtterance = 300 * time.Millisecond

// Outcome classifies a finished turn.
type Outcome int

const (
	// Completed means a reply (or the apology) was spoken.
	Completed Outcome = iota

	// EmptyInput means the utterance was empty or too short to transcribe.
	EmptyInput

	// NoSpeechRecognized means transcription returned no text.
	NoSpeechRecognized

	// ConversationEnding means a reply was spoken and the conversation is
	// over, either because the assistant said so or the user said goodbye.
	ConversationEnding
)

// String returns the metric label form of the outcome.
func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case EmptyInput:
		return "empty_input"
	case NoSpeechRecognized:
		return "no_speech_recognized"
	case ConversationEnding:
		return "conversation_ending"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Stage identifies the step a turn is in. Front-ends use it to show progress.
type Stage int

const (
	Transcribing Stage = iota
	Thinking
	Speaking
)

// String returns the human-readable name of the stage.
func (s Stage) String() string {
	switch s {
	case Transcribing:
		return "transcribing"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Timings holds how long each collaborator call of a turn took.
type Timings struct {
	STT      time.Duration
	LLM      time.Duration
	TTS      time.Duration
	Playback time.Duration
}

// Result describes a finished turn.
type Result struct {
	Outcome Outcome

	// Transcript is the recognised user text. Empty for input outcomes.
	Transcript string

	// Reply is what the assistant said. Nil for input outcomes.
	Reply Reply

	// Audio is the synthesised reply. It is also handed to the player.
	Audio audio.Buffer

	// Err is the collaborator failure that made the controller apologise.
	Err error

	// PromptTokens is the LLM provider's estimate of the history size sent
	// with this turn. Zero when the LLM was not called.
	PromptTokens int

	Timings Timings
}

// ReplyText returns the spoken reply, or "" when there was none.
func (r Result) ReplyText() string {
	if r.Reply == nil {
		return ""
	}
	return r.Reply.Spoken()
}

// Timeouts are per-call deadlines. Zero disables a deadline.
type Timeouts struct {
	STT      time.Duration
	LLM      time.Duration
	TTS      time.Duration
	Playback time.Duration
}

// ProviderNames label metrics and logs.
type ProviderNames struct {
	STT string
	LLM string
	TTS string
}

// Config wires a [Controller].
type Config struct {
	STT    stt.Provider
	LLM    llm.Provider
	TTS    tts.Provider
	Player audio.Player

	// AssistantName appears in the fallback greetings.
	AssistantName string

	SystemPrompt string
	Voice        tts.Options

	// Language is passed to STT.
	Language string

	// MinUtterance is the shortest utterance worth transcribing. Zero uses
	// DefaultMinUtterance.
	MinUtterance time.Duration

	EndMarkers []string
	Farewells  []string

	Timeouts Timeouts
	Names    ProviderNames

	// Temperature and MaxTokens are forwarded to the LLM.
	Temperature float64
	MaxTokens   int

	// Metrics receives stage latencies and turn counts. Nil uses
	// observe.DefaultMetrics.
	Metrics *observe.Metrics

	// Now supplies the time for the greeting. Nil uses time.Now.
	Now func() time.Time

	// OnStage, when set, is called as a turn moves through its stages. detail
	// is the transcript for Thinking and the reply text for Speaking.
	OnStage func(stage Stage, detail string)
}

// settings are the hot-reloadable parts of Config.
type settings struct {
	systemPrompt string
	voice        tts.Options
	endMarkers   []string
	farewells    []string
}

// Controller runs turns for one conversation. Run, Greet and Reset may be
// called from different goroutines, but turns must not overlap.
type Controller struct {
	cfg     Config
	history *History
	metrics *observe.Metrics

	mu  sync.Mutex
	set settings
}

// NewController validates cfg and returns a controller with a history holding
// only the system prompt.
func NewController(cfg Config) (*Controller, error) {
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil || cfg.Player == nil {
		return nil, errors.New("turn: STT, LLM, TTS and Player are required")
	}
	if cfg.MinUtterance <= 0 {
		cfg.MinUtterance = DefaultMinUtterance
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Sofia"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Controller{
		cfg:     cfg,
		history: NewHistory(cfg.SystemPrompt),
		metrics: m,
		set: settings{
			systemPrompt: cfg.SystemPrompt,
			voice:        cfg.Voice,
			endMarkers:   append([]string(nil), cfg.EndMarkers...),
			farewells:    append([]string(nil), cfg.Farewells...),
		},
	}, nil
}

// History returns the conversation history.
func (c *Controller) History() *History { return c.history }

// Reset clears the conversation. The next LLM call starts from the current
// system prompt.
func (c *Controller) Reset() {
	c.history.Reset(c.settings().systemPrompt)
}

// SetSystemPrompt replaces the system prompt. It takes effect on the next
// Reset or Greet.
func (c *Controller) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set.systemPrompt = prompt
}

// SetVoice changes the synthesis voice for subsequent replies.
func (c *Controller) SetVoice(v tts.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set.voice = v
}

// SetEndMarkers replaces the end-of-conversation markers.
func (c *Controller) SetEndMarkers(markers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set.endMarkers = append([]string(nil), markers...)
}

// SetFarewells replaces the user farewell words.
func (c *Controller) SetFarewells(words []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set.farewells = append([]string(nil), words...)
}

func (c *Controller) settings() settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Run executes one turn for utt and blocks until the reply has been played.
//
// Utterances that are empty or shorter than the minimum end with
// [EmptyInput]; an empty transcript ends with [NoSpeechRecognized]. Neither
// touches the history or calls the LLM. STT, LLM, TTS and playback failures
// are answered with [Apology] and reported in Result.Err; the outcome stays
// [Completed] (or [ConversationEnding]). The only error returned is ctx.Err()
// when ctx is cancelled.
func (c *Controller) Run(ctx context.Context, utt utterance.Utterance) (res Result, err error) {
	ctx, span := observe.StartSpan(ctx, "turn")
	defer func() {
		span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
		observe.EndSpan(span, err)
		if err == nil {
			c.metrics.RecordTurn(ctx, res.Outcome.String())
		}
	}()
	log := observe.Logger(ctx)

	if utt.Empty() || utt.Duration() < c.cfg.MinUtterance {
		log.Debug("utterance too short", "duration", utt.Duration(), "reason", utt.Reason)
		return Result{Outcome: EmptyInput}, nil
	}
	set := c.settings()

	c.stage(Transcribing, "")
	text, err := c.transcribe(ctx, utt.Buffer(), &res.Timings)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Error("transcription failed", "err", err)
		res.Err = fmt.Errorf("turn: transcribe: %w", err)
		return c.apologize(ctx, res, false)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug("no speech recognized", "duration", utt.Duration())
		return Result{Outcome: NoSpeechRecognized, Timings: res.Timings}, nil
	}
	res.Transcript = text
	log.Info("user said", "text", text)

	c.history.Append(llm.UserMessage(text))
	farewell := DetectFarewell(text, set.farewells)
	if farewell {
		res.Outcome = ConversationEnding
	}

	c.stage(Thinking, text)
	raw, err := c.complete(ctx, &res)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Error("llm completion failed", "err", err)
		res.Err = fmt.Errorf("turn: complete: %w", err)
		return c.apologize(ctx, res, true)
	}

	reply := ParseReply(raw, set.endMarkers)
	res.Reply = reply
	c.history.Append(llm.AssistantMessage(reply.Spoken()))
	if reply.Ends() {
		res.Outcome = ConversationEnding
	}
	log.Info("assistant replied", "text", reply.Spoken(), "ends", reply.Ends(), "farewell", farewell)

	res.Audio, err = c.speak(ctx, reply.Spoken(), set.voice, &res.Timings)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Error("speaking reply failed", "err", err)
		res.Err = err
		return c.apologize(ctx, res, false)
	}
	return res, nil
}

// apologize speaks [Apology] for a failed turn. record appends it to the
// history; that is only done when the user message is still unanswered.
func (c *Controller) apologize(ctx context.Context, res Result, record bool) (Result, error) {
	if record {
		c.history.Append(llm.AssistantMessage(Apology))
	}
	res.Reply = PlainReply{Text: Apology}

	buf, err := c.speak(ctx, Apology, c.settings().voice, &res.Timings)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		observe.Logger(ctx).Warn("apology could not be spoken", "err", err)
	}
	res.Audio = buf
	return res, nil
}

func (c *Controller) stage(s Stage, detail string) {
	if c.cfg.OnStage != nil {
		c.cfg.OnStage(s, detail)
	}
}

// transcribe calls STT under the STT deadline.
func (c *Controller) transcribe(ctx context.Context, buf audio.Buffer, t *Timings) (string, error) {
	cctx, cancel := withTimeout(ctx, c.cfg.Timeouts.STT)
	defer cancel()
	cctx, span := observe.StartSpan(cctx, "stt")

	start := time.Now()
	text, err := c.cfg.STT.Transcribe(cctx, stt.Request{Audio: buf, Language: c.cfg.Language})
	t.STT = time.Since(start)

	c.metrics.RecordProviderCall(ctx, c.cfg.Names.STT, observe.KindSTT, t.STT, err)
	observe.EndSpan(span, err)
	return text, err
}

// complete sends the full history to the LLM under the LLM deadline and
// records the prompt size in res.
func (c *Controller) complete(ctx context.Context, res *Result) (string, error) {
	cctx, cancel := withTimeout(ctx, c.cfg.Timeouts.LLM)
	defer cancel()
	cctx, span := observe.StartSpan(cctx, "llm")
	t := &res.Timings

	msgs := c.history.Messages()
	span.SetAttributes(attribute.Int("messages", len(msgs)))
	if n, err := c.cfg.LLM.CountTokens(msgs); err != nil {
		observe.Logger(ctx).Debug("count prompt tokens", "err", err)
	} else {
		res.PromptTokens = n
		span.SetAttributes(attribute.Int("prompt_tokens", n))
	}

	start := time.Now()
	resp, err := c.cfg.LLM.Complete(cctx, llm.CompletionRequest{
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	t.LLM += time.Since(start)

	c.metrics.RecordProviderCall(ctx, c.cfg.Names.LLM, observe.KindLLM, time.Since(start), err)
	observe.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// speak synthesises text and plays it, each under its own deadline.
func (c *Controller) speak(ctx context.Context, text string, voice tts.Options, t *Timings) (audio.Buffer, error) {
	c.stage(Speaking, text)

	sctx, cancel := withTimeout(ctx, c.cfg.Timeouts.TTS)
	sctx, span := observe.StartSpan(sctx, "tts")
	start := time.Now()
	buf, err := c.cfg.TTS.Synthesize(sctx, text, voice)
	elapsed := time.Since(start)
	t.TTS += elapsed
	c.metrics.RecordProviderCall(ctx, c.cfg.Names.TTS, observe.KindTTS, elapsed, err)
	observe.EndSpan(span, err)
	cancel()
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("turn: synthesize: %w", err)
	}

	pctx, cancel := withTimeout(ctx, c.cfg.Timeouts.Playback)
	defer cancel()
	pctx, span = observe.StartSpan(pctx, "playback")
	start = time.Now()
	err = c.cfg.Player.Play(pctx, buf)
	elapsed = time.Since(start)
	t.Playback += elapsed
	c.metrics.RecordPlayback(ctx, elapsed)
	observe.EndSpan(span, err)
	if err != nil {
		return buf, fmt.Errorf("turn: play: %w", err)
	}
	return buf, nil
}

// withTimeout derives a context with deadline d, or a plain cancelable
// context when d is zero.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
