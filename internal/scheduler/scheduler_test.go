package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/types"
)

var epoch = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func counter(n *atomic.Int64) Func {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestScheduler_AddValidation(t *testing.T) {
	s := New()

	err := s.Add(Job{Name: "", Interval: time.Second, Run: func(context.Context) error { return nil }})
	assert.True(t, types.HasCode(err, types.ErrInvalidInput))

	err = s.Add(Job{Name: "x", Interval: 0, Run: func(context.Context) error { return nil }})
	assert.True(t, types.HasCode(err, types.ErrInvalidInput))

	require.NoError(t, s.Add(Job{Name: "x", Interval: time.Second, Run: func(context.Context) error { return nil }}))
	err = s.Add(Job{Name: "x", Interval: time.Second, Run: func(context.Context) error { return nil }})
	assert.True(t, types.HasCode(err, types.ErrAlreadyExists))

	s.Remove("x")
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_TickRunsDueJobs(t *testing.T) {
	fake := clock.Fake(epoch)
	s := New(WithClock(fake), WithLogger(zaptest.NewLogger(t)))

	var fast, slow atomic.Int64
	require.NoError(t, s.Add(Job{Name: "fast", Interval: time.Second, Run: counter(&fast)}))
	require.NoError(t, s.Add(Job{Name: "slow", Interval: 5 * time.Second, Run: counter(&slow)}))

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is due before the first interval")

	for i := 0; i < 5; i++ {
		fake.Advance(time.Second)
		_, err := s.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(5), fast.Load())
	assert.Equal(t, int64(1), slow.Load())
}

func TestScheduler_MissedIntervalsCoalesce(t *testing.T) {
	fake := clock.Fake(epoch)
	s := New(WithClock(fake))

	var runs atomic.Int64
	require.NoError(t, s.Add(Job{Name: "sweep", Interval: time.Second, Run: counter(&runs)}))

	fake.Advance(10 * time.Second)
	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, _ = s.Tick(context.Background())
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(1), runs.Load())

	stats := s.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, epoch.Add(11*time.Second), stats[0].NextRun)
}

func TestScheduler_FailuresAreIsolated(t *testing.T) {
	fake := clock.Fake(epoch)
	s := New(WithClock(fake))

	var ok atomic.Int64
	boom := errors.New("boom")
	require.NoError(t, s.Add(Job{Name: "bad", Interval: time.Second, Run: func(context.Context) error { return boom }}))
	require.NoError(t, s.Add(Job{Name: "panics", Interval: time.Second, Run: func(context.Context) error { panic("oops") }}))
	require.NoError(t, s.Add(Job{Name: "good", Interval: time.Second, Run: counter(&ok)}))

	fake.Advance(time.Second)
	n, err := s.Tick(context.Background())
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "panicked")
	assert.Equal(t, int64(1), ok.Load())

	stats := s.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, "bad", stats[0].Name)
	assert.Equal(t, uint64(1), stats[0].Failures)
	assert.Equal(t, uint64(0), stats[1].Failures)
	assert.Equal(t, uint64(1), stats[2].Runs)
	assert.Contains(t, stats[2].LastError, "oops")
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	fake := clock.Fake(epoch)
	s := New(WithClock(fake))

	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{Name: "step", Interval: time.Second, Run: func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return fake.PendingTickers() == 1 }, time.Second, time.Millisecond)
	fake.Advance(time.Second)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestScheduler_Resolution(t *testing.T) {
	s := New()
	assert.Equal(t, time.Second, s.tickResolution())

	require.NoError(t, s.Add(Job{Name: "x", Interval: 200 * time.Millisecond, Run: func(context.Context) error { return nil }}))
	assert.Equal(t, 200*time.Millisecond, s.tickResolution())

	assert.Equal(t, time.Minute, New(WithResolution(time.Minute)).tickResolution())
}
