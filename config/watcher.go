package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/issdandavis/spiralverse-protocol/internal/clock"
)

// =============================================================================
// Watcher
// =============================================================================

// Watcher polls a config file and reloads it when its modification time
// moves forward. A reload that fails to parse or validate is logged and
// skipped, so subscribers only ever see valid configs.
type Watcher struct {
	path     string
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	lastMod   time.Time
	callbacks []func(*Config)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is checked. Default 2s.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithWatcherClock sets the clock that drives polling.
func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) { w.clock = c }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a watcher for path. The file's current modification
// time is the baseline; only later changes trigger a reload.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.clock = clock.OrReal(w.clock)
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	if w.interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}
	w.lastMod = info.ModTime()
	return w, nil
}

// OnReload registers fn to receive every successfully reloaded config.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Check reloads the file if it changed since the last check and reports
// whether subscribers were notified.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config file unreadable", zap.String("path", w.path), zap.Error(err))
		return false, fmt.Errorf("stat config %s: %w", w.path, err)
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return false, nil
	}
	w.lastMod = info.ModTime()
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	cfg, err := NewLoader().WithConfigPath(w.path).Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return false, err
	}

	w.logger.Info("config reloaded", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
	return true, nil
}

// Run polls until ctx is done. Check errors are logged, not returned, and
// polling continues so a restored file is picked up again.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = w.Check()
		}
	}
}
