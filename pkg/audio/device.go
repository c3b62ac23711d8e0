package audio

import "context"

// Sink receives captured mono samples. Chunks may be of any length; the
// receiver is responsible for re-framing. Implementations of [Capture] invoke
// the sink on their own callback goroutine, so a Sink must not block.
type Sink func(samples []float32)

// Capture is a live microphone stream.
//
// Implementations must be safe for concurrent use. Start may be called again
// after Stop.
type Capture interface {
	// Start begins delivering captured samples to sink. Calling Start on a
	// running capture replaces the sink.
	Start(sink Sink) error

	// Stop halts delivery. Stopping an idle capture is a no-op.
	Stop() error
}

// Player renders synthesised speech.
//
// Play blocks until the whole buffer has been played, ctx is cancelled, or the
// device fails. On cancellation, playback is cut short and ctx.Err() is
// returned. An empty buffer returns immediately with a nil error.
type Player interface {
	Play(ctx context.Context, buf Buffer) error
}

// Device bundles a capture and a playback path, as provided by a sound card
// back-end. Close releases the underlying resources.
type Device interface {
	Capture
	Player
	Close() error
}

// PlayerFunc adapts a function to [Player].
type PlayerFunc func(ctx context.Context, buf Buffer) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context, buf Buffer) error { return f(ctx, buf) }

// Discard is a [Player] that drops every buffer. The web front-end uses it
// for request/response turns, where the reply audio travels back in the
// response instead of being played on the server.
var Discard Player = PlayerFunc(func(ctx context.Context, _ Buffer) error { return ctx.Err() })
