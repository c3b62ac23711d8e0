// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine (a local whisper.cpp model, a
// whisper-server over HTTP, or a hosted service such as Deepgram) and exposes a
// single batch operation: transcribe one complete utterance into plain text.
// Utterance segmentation happens upstream, so providers never need their own
// silence detection.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
)

// Request describes one transcription call.
type Request struct {
	// Audio is the utterance as mono float32 samples. Providers resample to
	// their native rate when Audio.SampleRate differs.
	Audio audio.Buffer

	// Language is the language code for recognition (e.g. "en", "de"). An
	// empty string lets the provider use its configured default or auto-detect.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the recognised text for req.Audio. When nothing
	// intelligible was recognised it returns an empty string and a nil error.
	// Transcribe must honour ctx cancellation.
	Transcribe(ctx context.Context, req Request) (string, error)
}
