package whisper

// Building this file needs libwhisper.a and whisper.h on LIBRARY_PATH and
// C_INCLUDE_PATH.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

var _ stt.Provider = (*Native)(nil)

// Native runs whisper.cpp in-process. The model is loaded once and shared;
// every Transcribe call gets its own decoding context, so calls may overlap.
type Native struct {
	model whisperlib.Model
	path  string
	s     settings
}

// NewNative loads the ggml model at path. Close releases it.
func NewNative(path string, opts ...Option) (*Native, error) {
	if path == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	return &Native{model: model, path: path, s: newSettings(opts)}, nil
}

// Close frees the model.
func (n *Native) Close() error {
	if n.model == nil {
		return nil
	}
	err := n.model.Close()
	n.model = nil
	return err
}

// Transcribe decodes req and joins the segment texts with single spaces.
// Inference itself cannot be interrupted, so ctx is only checked around it.
func (n *Native) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	samples, lang, ok := n.s.input(req)
	if !ok {
		return "", nil
	}
	if n.model == nil {
		return "", errors.New("whisper: model is closed")
	}

	wctx, err := n.decoder(lang)
	if err != nil {
		return "", err
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return collectSegments(wctx)
}

func (n *Native) decoder(lang string) (whisperlib.Context, error) {
	wctx, err := n.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: new context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: language not supported by model, keeping default", "language", lang, "model", n.path, "err", err)
	}
	if n.s.threads > 0 {
		wctx.SetThreads(n.s.threads)
	}
	if n.s.translate {
		wctx.SetTranslate(true)
	}
	if n.s.prompt != "" {
		wctx.SetInitialPrompt(n.s.prompt)
	}
	return wctx, nil
}

func collectSegments(wctx whisperlib.Context) (string, error) {
	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
}
