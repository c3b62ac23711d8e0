package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by [FrameSource.NextFrame] when no complete frame
	// arrived within the requested timeout. It is not fatal: the caller decides
	// whether to keep waiting.
	ErrTimeout = errors.New("audio: timed out waiting for frame")

	// ErrClosed is returned by [FrameSource.NextFrame] once the source has been
	// closed and its queue is drained.
	ErrClosed = errors.New("audio: frame source closed")
)

// SourceOption is a functional option for [NewFrameSource].
type SourceOption func(*FrameSource)

// WithSampleRate sets the capture sample rate. Defaults to [DefaultCaptureRate].
func WithSampleRate(rate int) SourceOption {
	return func(s *FrameSource) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// WithFrameDuration sets the length of each emitted frame. Defaults to
// [DefaultFrameDuration].
func WithFrameDuration(d time.Duration) SourceOption {
	return func(s *FrameSource) {
		if d > 0 {
			s.frameDuration = d
		}
	}
}

// FrameSource turns an arbitrary-sized capture stream into fixed-duration
// [Frame] values.
//
// Samples arrive through [FrameSource.Write], either from a [Capture] started
// via [FrameSource.Start] or pushed directly by a network front-end. They are
// queued without bound until read or discarded with [FrameSource.Clear], so
// no frame is ever dropped silently.
//
// All methods are safe for concurrent use. A single reader is expected.
type FrameSource struct {
	capture       Capture
	sampleRate    int
	frameDuration time.Duration
	frameSize     int

	mu      sync.Mutex
	pending []float32
	frames  []Frame
	seq     uint64
	closed  bool
	running bool

	// notify has capacity one; a pending token means new frames may be queued.
	notify chan struct{}
}

// NewFrameSource creates a source fed by capture. capture may be nil when
// samples are supplied exclusively through [FrameSource.Write].
func NewFrameSource(capture Capture, opts ...SourceOption) *FrameSource {
	s := &FrameSource{
		capture:       capture,
		sampleRate:    DefaultCaptureRate,
		frameDuration: DefaultFrameDuration,
		notify:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.frameSize = SamplesPerFrame(s.sampleRate, s.frameDuration)
	if s.frameSize < 1 {
		s.frameSize = 1
	}
	return s
}

// SampleRate returns the rate of the emitted frames.
func (s *FrameSource) SampleRate() int { return s.sampleRate }

// FrameSize returns the number of samples per emitted frame.
func (s *FrameSource) FrameSize() int { return s.frameSize }

// FrameDuration returns the length of each emitted frame.
func (s *FrameSource) FrameDuration() time.Duration { return s.frameDuration }

// Start starts the capture collaborator with this source as its sink. It is a
// no-op when the source has no capture or is already running.
func (s *FrameSource) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.capture == nil || s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.capture.Start(s.Write); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	return nil
}

// Stop stops the capture collaborator. Queued frames remain readable.
func (s *FrameSource) Stop() error {
	s.mu.Lock()
	if s.capture == nil || !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()
	return s.capture.Stop()
}

// Close stops capture and marks the source closed. Frames still queued can be
// read; afterwards [FrameSource.NextFrame] returns [ErrClosed]. Close is
// idempotent.
func (s *FrameSource) Close() error {
	err := s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	return err
}

// Write appends captured samples and slices complete frames off the front of
// the pending buffer. Writes after Close are ignored. Write never blocks on
// the reader and is safe to use as a [Sink].
func (s *FrameSource) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, samples...)
	emitted := false
	for len(s.pending) >= s.frameSize {
		buf := make([]float32, s.frameSize)
		copy(buf, s.pending[:s.frameSize])
		s.pending = s.pending[s.frameSize:]
		s.frames = append(s.frames, Frame{
			Samples:    buf,
			SampleRate: s.sampleRate,
			Seq:        s.seq,
			Timestamp:  time.Duration(s.seq) * s.frameDuration,
		})
		s.seq++
		emitted = true
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	s.mu.Unlock()
	if emitted {
		s.signal()
	}
}

// Clear discards all queued frames and any partial frame. Sequence numbers
// keep increasing across Clear calls.
func (s *FrameSource) Clear() {
	s.mu.Lock()
	s.pending = nil
	s.frames = nil
	s.mu.Unlock()
}

// Len returns the number of complete frames waiting to be read.
func (s *FrameSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// NextFrame returns the oldest queued frame, waiting up to timeout for one to
// arrive. It returns [ErrTimeout] when the timeout elapses, ctx.Err() when ctx
// is cancelled, and [ErrClosed] when the source is closed and empty. A
// non-positive timeout waits until a frame arrives or ctx is done.
func (s *FrameSource) NextFrame(ctx context.Context, timeout time.Duration) (Frame, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if f, ok, err := s.pop(); ok || err != nil {
			return f, err
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-deadline:
			// A frame may have landed between pop and the timer firing.
			if f, ok, err := s.pop(); ok || err != nil {
				return f, err
			}
			return Frame{}, ErrTimeout
		case <-s.notify:
		}
	}
}

func (s *FrameSource) pop() (Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames[0] = Frame{}
		s.frames = s.frames[1:]
		return f, true, nil
	}
	if s.closed {
		return Frame{}, false, ErrClosed
	}
	return Frame{}, false, nil
}

func (s *FrameSource) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
