// Package session drives a whole conversation: greet the user, then listen
// and run turns until the assistant or the user ends it, or the caller
// cancels.
//
// A [Loop] moves through four states. It starts in [Greeting], alternates
// between [AwaitingInput] and [Processing] for every utterance, and finishes
// in [Ended]. Only one turn is ever in flight.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/utterance"
)

// Default retry parameters for a failing utterance source.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 250 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// State is the phase a [Loop] is in.
type State int

const (
	Greeting State = iota
	AwaitingInput
	Processing
	Ended
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Greeting:
		return "greeting"
	case AwaitingInput:
		return "awaiting_input"
	case Processing:
		return "processing"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source produces the next user utterance. It must return ctx.Err() when ctx
// is cancelled.
type Source interface {
	Next(ctx context.Context) (utterance.Utterance, error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc func(ctx context.Context) (utterance.Utterance, error)

// Next calls f.
func (f SourceFunc) Next(ctx context.Context) (utterance.Utterance, error) { return f(ctx) }

// ListenSource returns a [Source] that waits for voice activity on rec.
func ListenSource(rec *utterance.Recorder) Source {
	return SourceFunc(rec.Listen)
}

// FixedSource returns a [Source] that records exactly d of audio per turn.
func FixedSource(rec *utterance.Recorder, d time.Duration) Source {
	return SourceFunc(func(ctx context.Context) (utterance.Utterance, error) {
		return rec.Record(ctx, d)
	})
}

// Runner executes greetings and turns. [*turn.Controller] implements it.
type Runner interface {
	Greet(ctx context.Context) (turn.Result, error)
	Run(ctx context.Context, utt utterance.Utterance) (turn.Result, error)
}

var _ Runner = (*turn.Controller)(nil)

// Observer is told about state changes and finished turns. Calls happen on
// the loop goroutine; implementations must not block for long.
type Observer interface {
	StateChanged(from, to State)
	TurnFinished(res turn.Result)
}

// Option configures a [Loop].
type Option func(*Loop)

// WithObserver registers o for state and turn notifications.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observer = o }
}

// WithoutGreeting skips the opening message and starts in AwaitingInput.
func WithoutGreeting() Option {
	return func(l *Loop) { l.greet = false }
}

// WithRetry tunes how often a failing source is retried before Run gives up.
// The backoff doubles per attempt up to maxBackoff. Zero values keep the
// defaults.
func WithRetry(maxRetries int, backoff, maxBackoff time.Duration) Option {
	return func(l *Loop) {
		if maxRetries > 0 {
			l.maxRetries = maxRetries
		}
		if backoff > 0 {
			l.backoff = backoff
		}
		if maxBackoff > 0 {
			l.maxBackoff = maxBackoff
		}
	}
}

// WithMetrics makes the loop count itself in the active session gauge of m.
// Front-ends that already track their sessions leave it out.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// Loop runs one conversation. A Loop is single-use.
type Loop struct {
	runner   Runner
	source   Source
	observer Observer
	metrics  *observe.Metrics
	greet    bool

	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration

	mu    sync.Mutex
	state State
	turns int
}

// New creates a loop that takes utterances from src and hands them to r.
func New(r Runner, src Source, opts ...Option) *Loop {
	l := &Loop{
		runner:     r,
		source:     src,
		greet:      true,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
		state:      Greeting,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Turns returns how many turns produced a reply. Empty and unrecognised
// utterances do not count.
func (l *Loop) Turns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.turns
}

// Run drives the conversation until a turn ends it or ctx is cancelled. Both
// are normal endings and return nil. An error is returned when the source
// keeps failing after all retries, or when the runner fails for a reason
// other than cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if l.metrics != nil {
		l.metrics.AddSessions(ctx, 1)
		defer l.metrics.AddSessions(context.WithoutCancel(ctx), -1)
	}
	defer l.setState(Ended)

	if l.greet {
		res, err := l.runner.Greet(ctx)
		if err != nil {
			return l.stop(ctx, err)
		}
		l.notifyTurn(res)
	}

	failures := 0
	for {
		l.setState(AwaitingInput)
		utt, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return l.stop(ctx, err)
			}
			failures++
			if failures > l.maxRetries {
				return fmt.Errorf("session: acquire utterance: %w", err)
			}
			wait := l.backoffFor(failures)
			slog.Warn("session: utterance source failed, retrying",
				"err", err, "attempt", failures, "max_retries", l.maxRetries, "backoff", wait)
			if err := sleep(ctx, wait); err != nil {
				return l.stop(ctx, err)
			}
			continue
		}
		failures = 0

		l.setState(Processing)
		res, err := l.runner.Run(ctx, utt)
		if err != nil {
			return l.stop(ctx, err)
		}
		l.notifyTurn(res)

		switch res.Outcome {
		case turn.EmptyInput, turn.NoSpeechRecognized:
			slog.Debug("session: no usable input, listening again", "outcome", res.Outcome, "reason", utt.Reason)
			continue
		case turn.ConversationEnding:
			l.countTurn()
			slog.Info("session: conversation ended", "turns", l.Turns())
			return nil
		default:
			l.countTurn()
		}
	}
}

// stop handles an error from a blocking call. Cancellation is a normal
// ending; anything else is returned.
func (l *Loop) stop(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		slog.Info("session: cancelled", "state", l.State(), "turns", l.Turns())
		return nil
	}
	return err
}

func (l *Loop) backoffFor(attempt int) time.Duration {
	d := l.backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= l.maxBackoff {
			return l.maxBackoff
		}
	}
	return d
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	from := l.state
	l.state = s
	l.mu.Unlock()

	if from != s && l.observer != nil {
		l.observer.StateChanged(from, s)
	}
}

func (l *Loop) countTurn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns++
}

func (l *Loop) notifyTurn(res turn.Result) {
	if l.observer != nil {
		l.observer.TurnFinished(res)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
