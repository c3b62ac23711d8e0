// Package utterance collects the frames of one spoken utterance.
//
// The [Accumulator] is a bounded frame buffer. The [Recorder] drives a
// [audio.FrameSource] through a [speech.Tracker] into an Accumulator and
// returns one finalized [Utterance] per call to [Recorder.Listen], or a
// fixed-duration capture from [Recorder.Record].
package utterance

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrMaxDuration is returned by [Accumulator.Append] when the accumulator is
// full. The rejected frame is not stored.
var ErrMaxDuration = errors.New("utterance: maximum duration exceeded")

// Reason explains why an utterance was finalized.
type Reason int

const (
	// SpeechEnded means the tracker observed the end of speech.
	SpeechEnded Reason = iota

	// MaxDurationExceeded means the accumulator filled up before speech ended.
	MaxDurationExceeded

	// ListenTimeout means no speech started before the listen timeout.
	ListenTimeout

	// FixedDuration means the utterance is a fixed-length recording.
	FixedDuration
)

// String returns the human-readable name of the reason.
func (r Reason) String() string {
	switch r {
	case SpeechEnded:
		return "speech_ended"
	case MaxDurationExceeded:
		return "max_duration_exceeded"
	case ListenTimeout:
		return "listen_timeout"
	case FixedDuration:
		return "fixed_duration"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Utterance is an ordered run of frames handed to the turn controller.
type Utterance struct {
	Frames     []audio.Frame
	SampleRate int
	Reason     Reason
}

// FromBuffer wraps a complete recording (e.g. an uploaded WAV file) as a
// single-frame utterance.
func FromBuffer(buf audio.Buffer) Utterance {
	if buf.Empty() {
		return Utterance{SampleRate: buf.SampleRate, Reason: FixedDuration}
	}
	return Utterance{
		Frames:     []audio.Frame{{Samples: buf.Samples, SampleRate: buf.SampleRate}},
		SampleRate: buf.SampleRate,
		Reason:     FixedDuration,
	}
}

// NumSamples returns the total sample count across all frames.
func (u Utterance) NumSamples() int {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Samples)
	}
	return n
}

// Samples concatenates all frames into one contiguous slice.
func (u Utterance) Samples() []float32 {
	out := make([]float32, 0, u.NumSamples())
	for _, f := range u.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// Buffer returns the utterance as a contiguous [audio.Buffer].
func (u Utterance) Buffer() audio.Buffer {
	return audio.Buffer{Samples: u.Samples(), SampleRate: u.SampleRate}
}

// Duration reports the audio length of the utterance.
func (u Utterance) Duration() time.Duration {
	return audio.SamplesDuration(u.NumSamples(), u.SampleRate)
}

// Empty reports whether the utterance holds no samples.
func (u Utterance) Empty() bool { return u.NumSamples() == 0 }

// MaxFrames converts a maximum utterance duration into a frame bound,
// rounding down. The result is at least 1.
func MaxFrames(maxDuration, frame time.Duration) int {
	if frame <= 0 || maxDuration <= 0 {
		return 1
	}
	n := int(maxDuration / frame)
	if n < 1 {
		n = 1
	}
	return n
}

// Accumulator buffers frames of a single utterance. It is not safe for
// concurrent use.
type Accumulator struct {
	maxFrames int
	frames    []audio.Frame
}

// NewAccumulator returns an accumulator that holds at most maxFrames frames.
// maxFrames below 1 is treated as 1.
func NewAccumulator(maxFrames int) *Accumulator {
	if maxFrames < 1 {
		maxFrames = 1
	}
	return &Accumulator{maxFrames: maxFrames}
}

// MaxFrames returns the capacity bound.
func (a *Accumulator) MaxFrames() int { return a.maxFrames }

// Len returns the number of buffered frames.
func (a *Accumulator) Len() int { return len(a.frames) }

// Full reports whether another Append would be rejected.
func (a *Accumulator) Full() bool { return len(a.frames) >= a.maxFrames }

// Append stores f. When the accumulator already holds MaxFrames frames, f is
// dropped and [ErrMaxDuration] is returned.
func (a *Accumulator) Append(f audio.Frame) error {
	if a.Full() {
		return ErrMaxDuration
	}
	a.frames = append(a.frames, f)
	return nil
}

// Finalize returns the buffered frames as an utterance and clears the
// accumulator.
func (a *Accumulator) Finalize(reason Reason) Utterance {
	u := Utterance{Frames: a.frames, Reason: reason}
	if len(a.frames) > 0 {
		u.SampleRate = a.frames[0].SampleRate
	}
	a.frames = nil
	return u
}

// Clear discards all buffered frames.
func (a *Accumulator) Clear() { a.frames = nil }
