// Package speech detects utterance boundaries in a stream of audio frames.
//
// A [Tracker] classifies every frame with a [vad.Classifier] and runs a
// two-state machine (Silent, Active) on top of the per-frame decisions. The
// debounce is asymmetric: activation needs only ActivationFrames consecutive
// speech frames (one by default) while deactivation needs SilenceFramesToEnd
// consecutive non-speech frames. Speech onset is reported as fast as possible;
// the end of speech is declared only after a sustained pause.
//
// A Tracker is owned by a single session goroutine and is not safe for
// concurrent use.
package speech

import (
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// State is the tracker's view of the user.
type State int

const (
	// Silent means no utterance is in progress.
	Silent State = iota

	// Active means the user is speaking.
	Active
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Silent:
		return "silent"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind is the type of a boundary event.
type EventKind int

const (
	// None means the frame did not change the state.
	None EventKind = iota

	// SpeechStarted marks the Silent to Active transition.
	SpeechStarted

	// SpeechEnded marks the Active to Silent transition.
	SpeechEnded
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case None:
		return "none"
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the result of feeding one frame to the tracker.
type Event struct {
	// Kind is None unless this frame caused a transition.
	Kind EventKind

	// Seq is the sequence number of the frame that caused the event.
	Seq uint64

	// Speech is the classifier's decision for this frame.
	Speech bool
}

// Config holds the tracker thresholds.
type Config struct {
	// ActivationFrames is the number of consecutive speech frames required to
	// enter Active. Values below 1 are treated as 1.
	ActivationFrames int

	// SilenceFramesToEnd is the number of consecutive non-speech frames that
	// end an Active period. Values below 1 are treated as 1.
	SilenceFramesToEnd int

	// FrameSamples is the exact frame length the classifier expects. Frames
	// are zero-padded or truncated to this length before classification.
	// Zero disables fitting.
	FrameSamples int
}

// SilenceFrames converts a silence duration into a frame count, rounding up.
// The result is at least 1.
func SilenceFrames(silence, frame time.Duration) int {
	if frame <= 0 || silence <= 0 {
		return 1
	}
	n := int((silence + frame - 1) / frame)
	if n < 1 {
		n = 1
	}
	return n
}

// Tracker is the Silent/Active state machine.
type Tracker struct {
	cls vad.Classifier
	cfg Config

	state        State
	speechCount  int
	silenceCount int
}

// New returns a Silent tracker that classifies frames with cls.
func New(cls vad.Classifier, cfg Config) *Tracker {
	if cfg.ActivationFrames < 1 {
		cfg.ActivationFrames = 1
	}
	if cfg.SilenceFramesToEnd < 1 {
		cfg.SilenceFramesToEnd = 1
	}
	return &Tracker{cls: cls, cfg: cfg}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config { return t.cfg }

// State returns the current state.
func (t *Tracker) State() State { return t.state }

// SilenceCount returns the number of consecutive non-speech frames seen while
// Active.
func (t *Tracker) SilenceCount() int { return t.silenceCount }

// SpeechCount returns the number of consecutive speech frames seen while
// Silent.
func (t *Tracker) SpeechCount() int { return t.speechCount }

// Process classifies f and advances the state machine. A classifier error is
// returned as-is and leaves the tracker untouched.
func (t *Tracker) Process(f audio.Frame) (Event, error) {
	samples := f.Samples
	if t.cfg.FrameSamples > 0 {
		samples = vad.FitFrame(samples, t.cfg.FrameSamples)
	}
	speech, err := t.cls.Classify(samples)
	if err != nil {
		return Event{Seq: f.Seq}, fmt.Errorf("speech: classify frame %d: %w", f.Seq, err)
	}
	ev := t.Observe(speech)
	ev.Seq = f.Seq
	return ev, nil
}

// Observe advances the state machine with an already computed decision.
func (t *Tracker) Observe(speech bool) Event {
	ev := Event{Speech: speech}
	switch t.state {
	case Silent:
		if !speech {
			t.speechCount = 0
			return ev
		}
		t.speechCount++
		if t.speechCount >= t.cfg.ActivationFrames {
			t.state = Active
			t.speechCount = 0
			t.silenceCount = 0
			ev.Kind = SpeechStarted
		}
	case Active:
		if speech {
			t.silenceCount = 0
			return ev
		}
		t.silenceCount++
		if t.silenceCount >= t.cfg.SilenceFramesToEnd {
			t.state = Silent
			t.silenceCount = 0
			t.speechCount = 0
			ev.Kind = SpeechEnded
		}
	}
	return ev
}

// Reset forces the tracker back to Silent and zeroes all counters.
func (t *Tracker) Reset() {
	t.state = Silent
	t.speechCount = 0
	t.silenceCount = 0
}
