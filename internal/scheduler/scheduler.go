// Package scheduler runs named periodic jobs against an injectable clock.
//
// Tick runs every job that is due and returns once they have all finished,
// so tests drive the schedule one step at a time with a fake clock. Run
// calls Tick on a ticker until its context ends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// Func is the body of a job.
type Func func(ctx context.Context) error

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      Func
}

// JobStats reports a job's history.
type JobStats struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	NextRun   time.Time     `json:"next_run"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
}

type entry struct {
	job      Job
	next     time.Time
	last     time.Time
	runs     uint64
	failures uint64
	lastErr  error
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	mu         sync.Mutex
	jobs       map[string]*entry
	resolution time.Duration
	clock      clock.Clock
	logger     *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithResolution sets how often Run checks for due jobs. By default it
// is the shortest job interval.
func WithResolution(d time.Duration) Option {
	return func(s *Scheduler) { s.resolution = d }
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{jobs: make(map[string]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s
}

// Add registers job. Its first run is one interval from now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return types.NewError(types.ErrInvalidInput, "job needs a name and a body")
	}
	if job.Interval <= 0 {
		return types.Errorf(types.ErrInvalidInput, "job %s: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return types.Errorf(types.ErrAlreadyExists, "job %s already scheduled", job.Name)
	}
	s.jobs[job.Name] = &entry{job: job, next: s.clock.Now().Add(job.Interval)}
	return nil
}

// Remove drops a job. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Tick runs every due job concurrently and waits for them. It returns the
// number of jobs run and the joined job errors. A job that fell several
// intervals behind runs once.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		if !now.Before(e.next) {
			due = append(due, e)
			e.next = now.Add(e.job.Interval)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return 0, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].job.Name < due[j].job.Name })

	errs := make([]error, len(due))
	var g errgroup.Group
	for i, e := range due {
		i, e := i, e
		g.Go(func() error {
			errs[i] = s.runJob(ctx, e.job)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for i, e := range due {
		e.last = now
		e.runs++
		e.lastErr = errs[i]
		if errs[i] != nil {
			e.failures++
		}
	}
	s.mu.Unlock()

	return len(due), errors.Join(errs...)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		if err != nil {
			s.logger.Warn("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
		}
	}()
	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	return nil
}

// Run ticks until ctx is done. Job errors are logged, not returned.
func (s *Scheduler) Run(ctx context.Context) error {
	res := s.tickResolution()
	ticker := s.clock.NewTicker(res)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Int("jobs", s.Len()), zap.Duration("resolution", res))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			_, _ = s.Tick(ctx)
		}
	}
}

func (s *Scheduler) tickResolution() time.Duration {
	if s.resolution > 0 {
		return s.resolution
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res := time.Second
	for _, e := range s.jobs {
		if e.job.Interval < res {
			res = e.job.Interval
		}
	}
	return res
}

// Len returns the number of jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stats returns per-job statistics sorted by name.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStats, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := JobStats{
			Name:     e.job.Name,
			Interval: e.job.Interval,
			NextRun:  e.next,
			LastRun:  e.last,
			Runs:     e.runs,
			Failures: e.failures,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
