// Package energy provides a pure-Go [vad.Engine] that gates on RMS energy.
//
// It needs no native library or model and is the fallback when WebRTC VAD is
// unavailable. Each frame is classified independently; hysteresis belongs to
// the caller.
package energy

import (
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// DefaultThreshold is the RMS level used when [vad.Config.EnergyThreshold]
// is zero. Roughly -36 dBFS, above typical room noise on a laptop microphone.
const DefaultThreshold = 0.015

// Engine creates energy classifiers. The zero value is ready to use.
type Engine struct{}

// New returns an energy engine.
func New() *Engine { return &Engine{} }

var _ vad.Engine = (*Engine)(nil)

// NewClassifier implements [vad.Engine].
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	threshold := cfg.EnergyThreshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Classifier{threshold: threshold, frameSize: cfg.FrameSamples()}, nil
}

// Classifier reports speech when a frame's RMS meets the threshold.
type Classifier struct {
	threshold float64
	frameSize int
}

var _ vad.Classifier = (*Classifier)(nil)

// Classify implements [vad.Classifier].
func (c *Classifier) Classify(frame []float32) (bool, error) {
	if len(frame) != c.frameSize {
		return false, fmt.Errorf("%w: got %d, want %d", vad.ErrFrameSize, len(frame), c.frameSize)
	}
	return audio.RMS(frame) >= c.threshold, nil
}

// Close implements [vad.Classifier]. It is a no-op.
func (c *Classifier) Close() error { return nil }
