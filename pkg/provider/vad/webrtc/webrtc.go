// Package webrtc provides a [vad.Engine] backed by the WebRTC voice activity
// detector (libfvad, via github.com/josharian/fvad).
//
// WebRTC VAD is a GMM-based detector that operates on 10, 20 or 30 ms frames
// of 16-bit PCM at 8, 16, 32 or 48 kHz. The aggressiveness mode (0..3)
// controls how eagerly non-speech is rejected.
package webrtc

import (
	"fmt"
	"sync"

	"github.com/josharian/fvad"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

var (
	supportedRates = map[int]bool{8000: true, 16000: true, 32000: true, 48000: true}
	supportedMs    = map[int]bool{10: true, 20: true, 30: true}
)

// Engine creates WebRTC VAD classifiers. The zero value is ready to use.
type Engine struct{}

// New returns a WebRTC VAD engine.
func New() *Engine { return &Engine{} }

var _ vad.Engine = (*Engine)(nil)

// NewClassifier implements [vad.Engine].
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !supportedRates[cfg.SampleRate] {
		return nil, fmt.Errorf("webrtc vad: unsupported sample rate %d (want 8000, 16000, 32000 or 48000)", cfg.SampleRate)
	}
	if !supportedMs[cfg.FrameSizeMs] {
		return nil, fmt.Errorf("webrtc vad: unsupported frame size %d ms (want 10, 20 or 30)", cfg.FrameSizeMs)
	}

	det := fvad.NewDetector()
	if err := det.SetSampleRate(cfg.SampleRate); err != nil {
		det.Close()
		return nil, fmt.Errorf("webrtc vad: set sample rate: %w", err)
	}
	if err := det.SetMode(cfg.Aggressiveness); err != nil {
		det.Close()
		return nil, fmt.Errorf("webrtc vad: set mode: %w", err)
	}
	return &Classifier{det: det, frameSize: cfg.FrameSamples()}, nil
}

// Classifier wraps a single fvad detector.
type Classifier struct {
	mu        sync.Mutex
	det       *fvad.Detector
	frameSize int
}

var _ vad.Classifier = (*Classifier)(nil)

// Classify implements [vad.Classifier].
func (c *Classifier) Classify(frame []float32) (bool, error) {
	if len(frame) != c.frameSize {
		return false, fmt.Errorf("%w: got %d, want %d", vad.ErrFrameSize, len(frame), c.frameSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.det == nil {
		return false, fmt.Errorf("webrtc vad: classifier closed")
	}
	speech, err := c.det.Process(audio.FloatToInt16(frame))
	if err != nil {
		return false, fmt.Errorf("webrtc vad: process: %w", err)
	}
	return speech, nil
}

// Close implements [vad.Classifier].
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.det != nil {
		c.det.Close()
		c.det = nil
	}
	return nil
}
