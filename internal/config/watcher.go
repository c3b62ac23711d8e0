package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc is called by a [Watcher] after a changed, valid config has been
// loaded. d holds the hot-reloadable differences between old and new.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// fingerprint identifies one version of the config file on disk.
type fingerprint struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher keeps the assistant's configuration in sync with its YAML file.
// It polls the file's size and mtime and re-parses only when either moved.
// Edits that fail to parse or validate are logged and skipped; the last good
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	current atomic.Pointer[Config]

	reloadMu sync.Mutex // serialises Reload between the poller and callers
	seen     fingerprint

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil, in which
// case the watcher only keeps [Watcher.Current] fresh. The first load must
// succeed.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	w.current.Store(cfg)
	w.seen = fp

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.poll(ctx)
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Stop ends polling and waits for an in-flight reload to finish. Calling it
// again is a no-op.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) poll(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
			continue
		}
		w.reloadMu.Lock()
		moved := !info.ModTime().Equal(w.seen.mtime) || info.Size() != w.seen.size
		w.reloadMu.Unlock()
		if !moved {
			continue
		}
		if _, err := w.Reload(); err != nil {
			slog.Warn("config: keeping previous configuration", "path", w.path, "err", err)
		}
	}
}

// Reload re-reads the file now, regardless of its mtime. It reports whether
// the content changed. On a parse or validation error the current config is
// left untouched and the error is returned. onChange runs before Reload
// returns.
func (w *Watcher) Reload() (changed bool, err error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, fp, err := w.read()
	if err != nil {
		// Remember the bad version so the poller reports it once.
		if !fp.mtime.IsZero() {
			w.seen.mtime, w.seen.size = fp.mtime, fp.size
		}
		return false, err
	}
	sameContent := fp.sum == w.seen.sum
	w.seen = fp
	if sameContent {
		return false, nil
	}

	old := w.current.Swap(cfg)
	d := Diff(old, cfg)
	slog.Info("config: reloaded",
		"path", w.path,
		"assistant", cfg.Assistant.Name,
		"log_level_changed", d.LogLevelChanged,
		"assistant_changed", d.AssistantChanged(),
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: restart parley to apply", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, fingerprint, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fingerprint{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fingerprint{}, err
	}

	fp := fingerprint{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(buf.Bytes())}
	cfg, err := LoadFromReader(&buf)
	if err != nil {
		return nil, fp, err
	}
	return cfg, fp, nil
}
