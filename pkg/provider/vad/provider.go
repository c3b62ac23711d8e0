// Package vad defines the Engine and Classifier interfaces for Voice Activity
// Detection backends.
//
// A VAD engine wraps a frame-level speech detector (e.g. WebRTC VAD or a plain
// energy gate) and surfaces it as a per-stream [Classifier]. A classifier
// answers a single question per frame: speech or not. Boundary detection with
// hysteresis is layered on top by the caller; classifiers keep only whatever
// internal state their detector itself needs.
//
// Classifiers expect frames of exactly [Config.FrameSamples] samples. Callers
// fit frames with [FitFrame] before classification.
//
// Implementations must be safe for concurrent use across different
// classifiers. A single Classifier should not be shared across goroutines.
package vad

import (
	"errors"
	"fmt"
)

// ErrFrameSize is returned by a [Classifier] when the supplied frame does not
// hold exactly the configured number of samples.
var ErrFrameSize = errors.New("vad: frame has wrong number of samples")

// Config holds the parameters for a classifier.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to Classify. WebRTC VAD supports 8000, 16000, 32000 and
	// 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. WebRTC
	// VAD accepts 10, 20 or 30 ms.
	FrameSizeMs int

	// Aggressiveness is the WebRTC VAD mode in the range [0, 3]. Higher values
	// reject more non-speech at the cost of missing quiet speech. Typical: 2.
	Aggressiveness int

	// EnergyThreshold is the RMS level in [0.0, 1.0] above which the energy
	// classifier reports speech. Ignored by model-based engines.
	EnergyThreshold float64
}

// FrameSamples returns the number of samples in one frame.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// Validate checks the fields shared by all engines.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameSizeMs <= 0 {
		return fmt.Errorf("vad: frame size must be positive, got %d ms", c.FrameSizeMs)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("vad: aggressiveness must be in [0, 3], got %d", c.Aggressiveness)
	}
	if c.EnergyThreshold < 0 || c.EnergyThreshold > 1 {
		return fmt.Errorf("vad: energy threshold must be in [0, 1], got %g", c.EnergyThreshold)
	}
	return nil
}

// Classifier labels single audio frames as speech or non-speech.
type Classifier interface {
	// Classify reports whether frame contains speech. frame must hold exactly
	// the configured number of mono float32 samples; otherwise [ErrFrameSize]
	// is returned. Classify must not block.
	Classify(frame []float32) (bool, error)

	// Close releases the classifier's resources. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Engine is the factory for classifiers. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: each web session creates
// its own classifier.
type Engine interface {
	// NewClassifier creates a classifier for cfg. Returns an error if the
	// configuration is unsupported by the backend.
	NewClassifier(cfg Config) (Classifier, error)
}

// FitFrame returns samples zero-padded or truncated to exactly n samples. The
// input is returned unchanged when it already has the right length.
func FitFrame(samples []float32, n int) []float32 {
	if n < 0 {
		n = 0
	}
	switch {
	case len(samples) == n:
		return samples
	case len(samples) > n:
		return samples[:n]
	default:
		out := make([]float32, n)
		copy(out, samples)
		return out
	}
}
