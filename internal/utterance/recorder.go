package utterance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/speech"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultPollInterval is how long a single frame read may block before the
// recorder re-checks its listen timeout.
const DefaultPollInterval = 100 * time.Millisecond

// RecorderConfig tunes a [Recorder].
type RecorderConfig struct {
	// MaxFrames bounds a single utterance. See [MaxFrames].
	MaxFrames int

	// ListenTimeout gives up waiting for speech to start after this long and
	// returns an empty utterance with reason [ListenTimeout]. Zero waits
	// until speech starts or the context is cancelled.
	ListenTimeout time.Duration

	// PollInterval is the per-read frame timeout. Defaults to
	// [DefaultPollInterval].
	PollInterval time.Duration
}

// RecorderOption is a functional option for [NewRecorder].
type RecorderOption func(*Recorder)

// WithEventHook registers fn to be called with every tracker transition.
func WithEventHook(fn func(speech.Event)) RecorderOption {
	return func(r *Recorder) { r.onEvent = fn }
}

// Recorder turns a live frame stream into utterances. It owns its tracker and
// accumulator and is not safe for concurrent use.
type Recorder struct {
	src     *audio.FrameSource
	tracker *speech.Tracker
	acc     *Accumulator
	cfg     RecorderConfig
	onEvent func(speech.Event)
}

// NewRecorder wires src through tracker into a fresh accumulator.
func NewRecorder(src *audio.FrameSource, tracker *speech.Tracker, cfg RecorderConfig, opts ...RecorderOption) *Recorder {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	r := &Recorder{
		src:     src,
		tracker: tracker,
		acc:     NewAccumulator(cfg.MaxFrames),
		cfg:     cfg,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tracker returns the recorder's speech tracker.
func (r *Recorder) Tracker() *speech.Tracker { return r.tracker }

// Listen waits for the user to speak and returns the utterance.
//
// The tracker is reset and any queued audio is discarded first so nothing
// from a previous turn (including the assistant's own playback) leaks in.
// Frames before speech starts are dropped. The frame that starts speech and
// every frame up to and including the one that ends it are kept. If the
// accumulator fills up first, the utterance is force-finalized with reason
// [MaxDurationExceeded].
//
// On cancellation the partial utterance is discarded and ctx.Err() returned.
func (r *Recorder) Listen(ctx context.Context) (Utterance, error) {
	r.tracker.Reset()
	r.acc.Clear()
	r.src.Clear()

	if err := r.src.Start(); err != nil {
		return Utterance{}, fmt.Errorf("utterance: start capture: %w", err)
	}
	defer func() {
		if err := r.src.Stop(); err != nil {
			slog.Warn("utterance: stop capture", "err", err)
		}
	}()

	var deadline time.Time
	if r.cfg.ListenTimeout > 0 {
		deadline = time.Now().Add(r.cfg.ListenTimeout)
	}

	for {
		f, err := r.src.NextFrame(ctx, r.cfg.PollInterval)
		if errors.Is(err, audio.ErrTimeout) {
			if r.tracker.State() == speech.Silent && !deadline.IsZero() && time.Now().After(deadline) {
				return Utterance{SampleRate: r.src.SampleRate(), Reason: ListenTimeout}, nil
			}
			continue
		}
		if err != nil {
			r.acc.Clear()
			return Utterance{}, err
		}

		ev, err := r.tracker.Process(f)
		if err != nil {
			// An unclassifiable frame counts as silence.
			slog.Debug("utterance: classifier error", "seq", f.Seq, "err", err)
			ev = r.tracker.Observe(false)
			ev.Seq = f.Seq
		}
		if ev.Kind != speech.None && r.onEvent != nil {
			r.onEvent(ev)
		}

		if ev.Kind == speech.None && r.tracker.State() == speech.Silent {
			if !deadline.IsZero() && time.Now().After(deadline) {
				return Utterance{SampleRate: r.src.SampleRate(), Reason: ListenTimeout}, nil
			}
			continue
		}

		if err := r.acc.Append(f); errors.Is(err, ErrMaxDuration) {
			r.tracker.Reset()
			u := r.acc.Finalize(MaxDurationExceeded)
			slog.Debug("utterance: max duration reached", "frames", len(u.Frames))
			return u, nil
		}
		if ev.Kind == speech.SpeechEnded {
			return r.acc.Finalize(SpeechEnded), nil
		}
	}
}

// Record captures exactly d worth of audio regardless of speech activity.
func (r *Recorder) Record(ctx context.Context, d time.Duration) (Utterance, error) {
	r.acc.Clear()
	r.src.Clear()

	if err := r.src.Start(); err != nil {
		return Utterance{}, fmt.Errorf("utterance: start capture: %w", err)
	}
	defer func() {
		if err := r.src.Stop(); err != nil {
			slog.Warn("utterance: stop capture", "err", err)
		}
	}()

	want := audio.SamplesPerFrame(r.src.SampleRate(), d)
	u := Utterance{SampleRate: r.src.SampleRate(), Reason: FixedDuration}
	got := 0
	for got < want {
		f, err := r.src.NextFrame(ctx, r.cfg.PollInterval)
		if errors.Is(err, audio.ErrTimeout) {
			continue
		}
		if err != nil {
			return Utterance{}, err
		}
		u.Frames = append(u.Frames, f)
		got += len(f.Samples)
	}
	return u, nil
}
