// Package miniaudio implements [audio.Device] on top of the local sound card
// through miniaudio (github.com/gen2brain/malgo).
//
// Capture runs a mono 16-bit device at the capture rate and hands converted
// float32 samples to the installed [audio.Sink] from the miniaudio callback
// thread. Playback opens a short-lived mono 16-bit device per [Device.Play]
// call and blocks until the clip has drained.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	bytesPerSample = 2

	// drainTail covers the audio still queued inside the device after the
	// last callback consumed the clip.
	drainTail = 150 * time.Millisecond
)

// Option is a functional option for [New].
type Option func(*Device)

// WithCaptureRate sets the microphone sample rate. Default: 16000.
func WithCaptureRate(rate int) Option {
	return func(d *Device) {
		if rate > 0 {
			d.captureRate = rate
		}
	}
}

// WithPlaybackRate sets the speaker sample rate. Buffers at other rates are
// resampled before playback. Default: 24000.
func WithPlaybackRate(rate int) Option {
	return func(d *Device) {
		if rate > 0 {
			d.playbackRate = rate
		}
	}
}

// WithPeriodFrames sets the capture period size in frames. Default: 480
// (30 ms at 16 kHz).
func WithPeriodFrames(n uint32) Option {
	return func(d *Device) {
		if n > 0 {
			d.periodFrames = n
		}
	}
}

// Device is a sound-card backed [audio.Device].
type Device struct {
	actx         *malgo.AllocatedContext
	captureRate  int
	playbackRate int
	periodFrames uint32

	mu      sync.Mutex
	capture *malgo.Device
	closed  bool

	sinkMu sync.Mutex
	sink   audio.Sink

	// playMu serialises Play so clips never overlap.
	playMu sync.Mutex
}

var _ audio.Device = (*Device)(nil)

// New initialises a miniaudio context. Devices are opened lazily on the first
// Start or Play.
func New(opts ...Option) (*Device, error) {
	d := &Device{
		captureRate:  audio.DefaultCaptureRate,
		playbackRate: audio.DefaultPlaybackRate,
		periodFrames: 480,
	}
	for _, o := range opts {
		o(d)
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	d.actx = actx
	return d, nil
}

// Start implements [audio.Capture]. The capture device is created on first
// use and reused afterwards.
func (d *Device) Start(sink audio.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("miniaudio: device closed")
	}

	d.sinkMu.Lock()
	d.sink = sink
	d.sinkMu.Unlock()

	if d.capture == nil {
		dev, err := d.initCapture()
		if err != nil {
			return err
		}
		d.capture = dev
	}
	if d.capture.IsStarted() {
		return nil
	}
	if err := d.capture.Start(); err != nil {
		return fmt.Errorf("miniaudio: start capture device: %w", err)
	}
	return nil
}

func (d *Device) initCapture() (*malgo.Device, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(d.captureRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = d.periodFrames
	cfg.Periods = 3

	dev, err := malgo.InitDevice(d.actx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerSample
			if n == 0 || len(pInput) < n {
				return
			}
			d.sinkMu.Lock()
			sink := d.sink
			d.sinkMu.Unlock()
			if sink != nil {
				sink(audio.PCM16ToFloat(pInput[:n]))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	return dev, nil
}

// Stop implements [audio.Capture].
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sinkMu.Lock()
	d.sink = nil
	d.sinkMu.Unlock()

	if d.capture == nil || !d.capture.IsStarted() {
		return nil
	}
	if err := d.capture.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop capture device: %w", err)
	}
	return nil
}

// Play implements [audio.Player]. The buffer is resampled to the playback
// rate and rendered on a fresh playback device which is torn down afterwards.
func (d *Device) Play(ctx context.Context, buf audio.Buffer) error {
	if buf.Empty() {
		return nil
	}
	d.playMu.Lock()
	defer d.playMu.Unlock()

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return errors.New("miniaudio: device closed")
	}

	pcm := audio.FloatToPCM16(audio.Resample(buf.Samples, buf.SampleRate, d.playbackRate))
	c := &clip{pcm: pcm, done: make(chan struct{})}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(d.playbackRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(d.playbackRate / 10)
	cfg.Periods = 4

	dev, err := malgo.InitDevice(d.actx.Context, cfg, malgo.DeviceCallbacks{Data: c.fill})
	if err != nil {
		return fmt.Errorf("miniaudio: init playback device: %w", err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: start playback device: %w", err)
	}
	defer func() { _ = dev.Stop() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
	}

	tail := time.NewTimer(drainTail)
	defer tail.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tail.C:
	}
	return nil
}

// Close stops capture and releases the miniaudio context. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	if d.capture != nil {
		if d.capture.IsStarted() {
			_ = d.capture.Stop()
		}
		d.capture.Uninit()
		d.capture = nil
	}
	err := d.actx.Uninit()
	d.actx.Free()
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

// clip feeds one PCM buffer to a playback callback and signals done once the
// last byte has been handed to the device.
type clip struct {
	mu   sync.Mutex
	pcm  []byte
	pos  int
	once sync.Once
	done chan struct{}
}

func (c *clip) fill(pOutput, _ []byte, frameCount uint32) {
	need := int(frameCount) * bytesPerSample
	if need > len(pOutput) {
		need = len(pOutput)
	}

	c.mu.Lock()
	n := copy(pOutput[:need], c.pcm[c.pos:])
	c.pos += n
	finished := c.pos >= len(c.pcm)
	c.mu.Unlock()

	// Pad the remainder of the period with silence.
	clear(pOutput[n:need])
	if finished {
		c.once.Do(func() { close(c.done) })
	}
}
