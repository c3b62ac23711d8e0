// Package audio defines the audio primitives shared by the voice pipeline:
// fixed-duration [Frame] values, sample format conversion, WAV encoding, the
// buffered [FrameSource] that slices a capture stream into frames, and the
// [Capture] and [Player] device abstractions.
//
// Samples are carried as mono float32 values in the range [-1.0, 1.0]
// throughout the pipeline. Conversion to and from 16-bit little-endian PCM
// happens only at the edges (devices, wire codecs, provider requests).
//
// This package lives under pkg/ because device back-ends (malgo, browser
// websockets, test mocks) implement [Capture] and [Player] outside the core.
package audio

import "time"

const (
	// DefaultCaptureRate is the microphone sample rate used for speech
	// detection and transcription.
	DefaultCaptureRate = 16000

	// DefaultPlaybackRate is the speaker sample rate used for synthesised speech.
	DefaultPlaybackRate = 24000

	// DefaultFrameDuration is the length of one capture frame.
	DefaultFrameDuration = 30 * time.Millisecond
)

// Frame is a fixed-length block of mono audio samples captured from the
// microphone. Frames are the atomic unit consumed by the speech activity
// tracker and the utterance accumulator.
type Frame struct {
	// Samples holds mono float32 PCM in [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz (e.g. 16000 for capture).
	SampleRate int

	// Seq is the zero-based position of this frame in its source stream.
	Seq uint64

	// Timestamp marks the start of the frame relative to stream start.
	Timestamp time.Duration
}

// Duration reports the playback length of the frame. Returns zero when the
// sample rate is unset.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesPerFrame returns the number of samples in one frame of length d at
// sampleRate. For 30 ms at 16 kHz this is 480.
func SamplesPerFrame(sampleRate int, d time.Duration) int {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// SamplesDuration converts a sample count at sampleRate into a duration.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

// Buffer is a contiguous block of mono samples with its sample rate, used for
// complete utterances and synthesised speech.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration reports the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	return SamplesDuration(len(b.Samples), b.SampleRate)
}

// Empty reports whether the buffer holds no samples.
func (b Buffer) Empty() bool {
	return len(b.Samples) == 0
}
