// Package engine assembles the agent directory, the task dispatcher, the
// roundtable and the swarm coordinator into one running fleet.
//
// The four components never call each other directly except through the
// narrow interfaces they declare. Engine supplies those dependencies, feeds
// the event bus into metrics and the audit journal, closes the feedback
// loops between task outcomes and swarm flux, and registers the periodic
// sweeps on a scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/fleet/directory"
	"github.com/issdandavis/spiralverse-protocol/fleet/dispatch"
	"github.com/issdandavis/spiralverse-protocol/fleet/event"
	"github.com/issdandavis/spiralverse-protocol/fleet/governance"
	"github.com/issdandavis/spiralverse-protocol/fleet/store"
	"github.com/issdandavis/spiralverse-protocol/fleet/swarm"
	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/internal/database"
	"github.com/issdandavis/spiralverse-protocol/internal/journal"
	"github.com/issdandavis/spiralverse-protocol/internal/metrics"
	"github.com/issdandavis/spiralverse-protocol/internal/scheduler"
)

// historySize is the number of recent events kept on the bus.
const historySize = 256

// Engine is a fully wired fleet.
type Engine struct {
	Config     *config.Config
	Bus        *event.Bus
	Directory  *directory.Directory
	Dispatcher *dispatch.Dispatcher
	Governance *governance.Engine
	Swarm      *swarm.Coordinator
	Scheduler  *scheduler.Scheduler

	// Metrics and Journal are nil when disabled.
	Metrics *metrics.Collector
	Journal *journal.Journal

	pool   *database.PoolManager
	redis  *redis.Client
	clock  clock.Clock
	reg    prometheus.Registerer
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the root logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRegisterer registers metrics on reg instead of the default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.reg = reg }
}

// New validates cfg and builds the fleet. Close releases any store and
// journal connections it opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{Config: cfg}
	for _, opt := range opts {
		opt(e)
	}
	e.clock = clock.OrReal(e.clock)
	if e.logger == nil {
		e.logger = zap.NewNop()
	}

	e.Bus = event.NewBus(e.logger, event.WithClock(e.clock), event.WithHistory(historySize))

	if err := e.initObservers(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.initComponents(); err != nil {
		e.Close()
		return nil, err
	}
	e.wire()
	if err := e.initScheduler(); err != nil {
		e.Close()
		return nil, err
	}

	e.logger.Info("fleet engine ready",
		zap.String("store", cfg.Store.Backend),
		zap.Bool("journal", e.Journal != nil),
		zap.Bool("metrics", e.Metrics != nil),
		zap.Int("jobs", e.Scheduler.Len()),
	)
	return e, nil
}

func (e *Engine) initObservers(ctx context.Context) error {
	cfg := e.Config
	if cfg.Metrics.Enabled {
		e.Metrics = metrics.NewCollector(cfg.Metrics.Namespace, e.reg, e.logger)
		e.Bus.Subscribe(e.Metrics.Handle)
	}

	if !cfg.Journal.Enabled {
		return nil
	}
	db, err := database.Open(cfg.Journal, e.logger)
	if err != nil {
		return err
	}
	pool, err := database.NewPoolManager(db, database.PoolConfigFrom(cfg.Journal), e.logger)
	if err != nil {
		return err
	}
	e.pool = pool

	jopts := []journal.Option{journal.WithClock(e.clock), journal.WithLogger(e.logger)}
	if e.Metrics != nil {
		jopts = append(jopts, journal.WithRecorder(e.Metrics))
	}
	e.Journal = journal.New(pool.DB(), jopts...)
	if err := e.Journal.Migrate(ctx); err != nil {
		return err
	}
	e.Bus.Subscribe(e.Journal.Handle)
	return nil
}

func (e *Engine) initComponents() error {
	cfg := e.Config

	var (
		dirOpts  = []directory.Option{directory.WithClock(e.clock), directory.WithEvents(e.Bus), directory.WithLogger(e.logger)}
		govOpts  = []governance.Option{governance.WithClock(e.clock), governance.WithEvents(e.Bus), governance.WithLogger(e.logger)}
		dispOpts = []dispatch.Option{dispatch.WithClock(e.clock), dispatch.WithEvents(e.Bus), dispatch.WithLogger(e.logger)}
	)

	switch cfg.Store.Backend {
	case "memory":
	case "redis":
		client, err := store.NewRedisClient(cfg.Store.Redis, e.logger)
		if err != nil {
			return err
		}
		e.redis = client
		prefix := cfg.Store.Redis.KeyPrefix
		dirOpts = append(dirOpts, directory.WithRepository(store.NewRedis[directory.Agent](client, prefix, "agents", e.logger)))
		govOpts = append(govOpts, governance.WithRepository(store.NewRedis[governance.Session](client, prefix, "sessions", e.logger)))
		dispOpts = append(dispOpts, dispatch.WithRepository(store.NewRedis[dispatch.Task](client, prefix, "tasks", e.logger)))
	default:
		return fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}

	e.Directory = directory.New(directory.Config{
		Trust:                cfg.Trust,
		DefaultMaxConcurrent: cfg.Dispatch.MaxConcurrent,
	}, dirOpts...)
	e.Governance = governance.New(cfg.Governance, e.Directory, govOpts...)
	e.Dispatcher = dispatch.New(dispatch.Config{
		Dispatch: cfg.Dispatch,
		Tiers:    cfg.Governance.Tiers,
	}, e.Directory, e.Governance, dispOpts...)
	e.Swarm = swarm.New(cfg.Flux,
		swarm.WithClock(e.clock),
		swarm.WithEvents(e.Bus),
		swarm.WithLogger(e.logger),
	)
	return e.Swarm.CreateSwarm(cfg.Flux.DefaultSwarm, cfg.Flux.MaxPads)
}

// Health checks the external stores the engine depends on.
func (e *Engine) Health(ctx context.Context) error {
	var errs []error
	if e.redis != nil {
		if err := e.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if e.pool != nil {
		if err := e.pool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run drives the scheduler until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.Scheduler.Run(ctx)
}

// Close releases the store and journal connections. It is safe to call
// more than once.
func (e *Engine) Close() error {
	var errs []error
	if e.pool != nil {
		if err := e.pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
