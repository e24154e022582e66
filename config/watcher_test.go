package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/issdandavis/spiralverse-protocol/internal/clock"
)

func writeConfig(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "log:\n  level: info\n", base)

	w, err := NewWatcher(path, WithWatcherLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	var got *Config
	w.OnReload(func(c *Config) { got = c })

	changed, err := w.Check()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged file is not reloaded")

	writeConfig(t, path, "log:\n  level: debug\n", base.Add(time.Minute))
	changed, err = w.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, got)
	assert.Equal(t, "debug", got.Log.Level)
}

func TestWatcher_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "log:\n  level: info\n", base)

	w, err := NewWatcher(path)
	require.NoError(t, err)
	var calls int
	w.OnReload(func(*Config) { calls++ })

	writeConfig(t, path, "flux:\n  dt: -1\n", base.Add(time.Minute))
	_, err = w.Check()
	assert.Error(t, err)

	writeConfig(t, path, "log: [", base.Add(2*time.Minute))
	_, err = w.Check()
	assert.Error(t, err)
	assert.Zero(t, calls)
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "fleet.yaml")
	writeConfig(t, path, "", time.Now())
	_, err = NewWatcher(path, WithPollInterval(0))
	assert.Error(t, err)
}

func TestWatcher_RunPollsOnTicks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "log:\n  level: info\n", base)

	fake := clock.Fake(base)
	w, err := NewWatcher(path, WithWatcherClock(fake), WithPollInterval(time.Second))
	require.NoError(t, err)

	var reloads atomic.Int32
	w.OnReload(func(*Config) { reloads.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return fake.PendingTickers() == 1 }, time.Second, time.Millisecond)

	writeConfig(t, path, "log:\n  level: warn\n", base.Add(time.Minute))
	fake.Advance(time.Second)
	require.Eventually(t, func() bool { return reloads.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatcher_NotifiesEveryCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "log:\n  level: info\n", base)

	w, err := NewWatcher(path)
	require.NoError(t, err)
	var levels []string
	w.OnReload(func(c *Config) { levels = append(levels, "first:"+c.Log.Level) })
	w.OnReload(func(c *Config) { levels = append(levels, "second:"+c.Log.Level) })

	writeConfig(t, path, "log:\n  level: error\n", base.Add(time.Minute))
	changed, err := w.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"first:error", "second:error"}, levels)
}

func TestWatcher_RunLogsMissingFileAndRecovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "log:\n  level: info\n", base)

	core, logs := observer.New(zap.WarnLevel)
	fake := clock.Fake(base)
	w, err := NewWatcher(path,
		WithWatcherClock(fake),
		WithPollInterval(time.Second),
		WithWatcherLogger(zap.New(core)),
	)
	require.NoError(t, err)

	var reloads atomic.Int32
	w.OnReload(func(*Config) { reloads.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return fake.PendingTickers() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, os.Remove(path))
	fake.Advance(time.Second)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("config file unreadable").Len() == 1
	}, time.Second, time.Millisecond)
	entry := logs.FilterMessage("config file unreadable").All()[0]
	assert.Equal(t, path, entry.ContextMap()["path"])

	writeConfig(t, path, "log:\n  level: debug\n", base.Add(time.Minute))
	fake.Advance(time.Second)
	require.Eventually(t, func() bool { return reloads.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
