// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that classifiers are created with the expected Config.
// Use Classifier to script per-frame speech decisions and inspect the frames
// that were submitted.
//
// Example:
//
//	cls := &mock.Classifier{Script: []bool{false, true, true, false}}
//	eng := &mock.Engine{Classifier: cls}
//	c, _ := eng.NewClassifier(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// NewClassifierCall records a single invocation of Engine.NewClassifier.
type NewClassifierCall struct {
	// Cfg is the Config passed to NewClassifier.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Classifier is returned by NewClassifier. If nil, a new default
	// Classifier (always silence) is returned.
	Classifier vad.Classifier

	// NewClassifierErr, if non-nil, is returned as the error from NewClassifier.
	NewClassifierErr error

	// NewClassifierCalls records every call to NewClassifier in order.
	NewClassifierCalls []NewClassifierCall
}

// NewClassifier records the call and returns Classifier, NewClassifierErr.
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewClassifierCalls = append(e.NewClassifierCalls, NewClassifierCall{Cfg: cfg})
	if e.NewClassifierErr != nil {
		return nil, e.NewClassifierErr
	}
	if e.Classifier != nil {
		return e.Classifier, nil
	}
	return &Classifier{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewClassifierCalls = nil
}

// ClassifyCall records a single invocation of Classifier.Classify.
type ClassifyCall struct {
	// Frame is a copy of the samples passed to Classify.
	Frame []float32
}

// Classifier is a mock implementation of vad.Classifier.
//
// Each Classify call consumes the next entry of Script. Once Script is
// exhausted, Default is returned.
type Classifier struct {
	mu sync.Mutex

	// Script is the sequence of decisions returned by successive calls.
	Script []bool

	// Default is returned after Script is exhausted.
	Default bool

	// Err, if non-nil, is returned by every Classify call. No script entry is
	// consumed.
	Err error

	// ErrAt maps a zero-based call index to an error returned by that call.
	// The script entry for that index is not consumed.
	ErrAt map[int]error

	// ClassifyCalls records every call to Classify in order.
	ClassifyCalls []ClassifyCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	next int
}

// Classify records the call and returns the next scripted decision.
func (c *Classifier) Classify(frame []float32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.ClassifyCalls)
	cp := make([]float32, len(frame))
	copy(cp, frame)
	c.ClassifyCalls = append(c.ClassifyCalls, ClassifyCall{Frame: cp})

	if c.Err != nil {
		return false, c.Err
	}
	if err, ok := c.ErrAt[idx]; ok {
		return false, err
	}
	if c.next < len(c.Script) {
		v := c.Script[c.next]
		c.next++
		return v, nil
	}
	return c.Default, nil
}

// CallCount returns the number of Classify calls. Thread-safe.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ClassifyCalls)
}

// Close records the call. Always returns nil.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return nil
}

// Reset clears all recorded calls and rewinds Script. Thread-safe.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ClassifyCalls = nil
	c.CloseCallCount = 0
	c.next = 0
}

var (
	_ vad.Engine     = (*Engine)(nil)
	_ vad.Classifier = (*Classifier)(nil)
)
