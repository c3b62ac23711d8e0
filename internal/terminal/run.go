package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/session"
)

// Options tunes a terminal conversation.
type Options struct {
	// Fixed records a fixed-length clip per turn instead of waiting for
	// voice activity.
	Fixed bool
}

// Run holds one conversation on the application's sound device and returns
// when it ends. Cancellation is a normal ending and returns nil.
func Run(ctx context.Context, a *app.App, ui *UI, opts Options) error {
	dev := a.Providers().Audio
	if dev == nil {
		return errors.New("terminal: no audio device configured")
	}

	src := a.NewFrameSource(dev)
	defer src.Close()

	rec, closeVAD, err := a.NewRecorder(src, ui.Speech)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeVAD(); err != nil {
			slog.Warn("terminal: close vad", "err", err)
		}
	}()

	ctrl, err := a.NewController(dev, ui.Stage)
	if err != nil {
		return err
	}
	defer a.Release(ctrl)

	source := session.ListenSource(rec)
	if opts.Fixed {
		d := a.Config().Pipeline.FixedRecord
		source = session.FixedSource(rec, d)
		slog.Info("fixed-duration recording", "duration", d)
	}

	loop := session.New(ctrl, source,
		session.WithObserver(ui),
		session.WithMetrics(a.Metrics()),
	)
	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	ui.Goodbye(loop.Turns())
	return nil
}
