package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls when no interval is set.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file for edits. Each valid edit that changes at
// least one setting is reported as a [ConfigDiff]; invalid edits are logged
// and the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last snapshot
}

// snapshot is one successful read of the watched file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger used for reload diagnostics.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher reads the config at path. Polling starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.last = snap
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Run polls until ctx is done, calling apply with each non-empty diff and
// the config it leads to. apply runs on the polling goroutine.
func (w *Watcher) Run(ctx context.Context, apply func(d ConfigDiff, cfg *Config)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d, cfg, ok := w.poll(); ok && apply != nil {
				apply(d, cfg)
			}
		}
	}
}

// poll rereads the file when its modification time moved and reports the
// diff against the current config.
func (w *Watcher) poll() (ConfigDiff, *Config, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return ConfigDiff{}, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().Equal(w.last.mtime) {
		return ConfigDiff{}, nil, false
	}

	snap, err := w.read()
	if err != nil {
		w.logger.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return ConfigDiff{}, nil, false
	}
	prev := w.last
	w.last = snap
	if snap.sum == prev.sum {
		return ConfigDiff{}, nil, false
	}

	d := Diff(prev.cfg, snap.cfg)
	if d.IsEmpty() {
		w.logger.Debug("config watcher: file edited without setting changes", "path", w.path)
		return ConfigDiff{}, nil, false
	}
	w.logger.Info("config watcher: configuration reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged, "rules_changed", d.RulesChanged)
	return d, snap.cfg, true
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
