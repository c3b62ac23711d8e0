// Package mock provides in-memory test doubles for the [audio.Capture],
// [audio.Player] and [audio.Device] interfaces.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{}
//	src := audio.NewFrameSource(capture)
//	_ = src.Start()
//	capture.Emit(make([]float32, 480)) // delivers one 30 ms frame
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Samples are delivered
// only when the test calls [Capture.Emit].
type Capture struct {
	mu   sync.Mutex
	sink audio.Sink

	// StartErr is returned by Start. When non-nil the sink is not installed.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Start implements [audio.Capture].
func (c *Capture) Start(sink audio.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartErr != nil {
		return c.StartErr
	}
	c.sink = sink
	return nil
}

// Stop implements [audio.Capture]. The sink is detached.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.sink = nil
	return c.StopErr
}

// Running reports whether a sink is currently installed.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink != nil
}

// Emit delivers samples to the installed sink as a device callback would.
// It reports false when the capture is not running.
func (c *Capture) Emit(samples []float32) bool {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(samples)
	return true
}

// ─── Player ───────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Player.Play] invocation.
type PlayCall struct {
	// Buffer is the audio passed to Play.
	Buffer audio.Buffer
}

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// PlayErr is returned by every Play call.
	PlayErr error

	// Block makes Play wait for ctx to be cancelled before returning ctx.Err().
	// Use it to simulate an interrupt arriving mid-playback.
	Block bool

	// OnPlay, if set, is invoked synchronously with each buffer before Play
	// returns.
	OnPlay func(audio.Buffer)

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, buf audio.Buffer) error {
	p.mu.Lock()
	p.PlayCalls = append(p.PlayCalls, PlayCall{Buffer: buf})
	block, err, hook := p.Block, p.PlayErr, p.OnPlay
	p.mu.Unlock()

	if hook != nil {
		hook(buf)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

// Calls returns a copy of the recorded Play calls.
func (p *Player) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlayCalls = nil
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device combines [Capture] and [Player] into an [audio.Device].
type Device struct {
	Capture
	Player

	mu sync.Mutex

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return d.CloseErr
}

var (
	_ audio.Capture = (*Capture)(nil)
	_ audio.Player  = (*Player)(nil)
	_ audio.Device  = (*Device)(nil)
)
