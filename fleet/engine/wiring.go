package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/issdandavis/spiralverse-protocol/fleet/event"
	"github.com/issdandavis/spiralverse-protocol/fleet/swarm"
	"github.com/issdandavis/spiralverse-protocol/internal/scheduler"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// Job names.
const (
	JobSwarmStep     = "swarm.step"
	JobSwarmSync     = "swarm.sync"
	JobSessionSweep  = "governance.sweep"
	JobSessionPurge  = "governance.purge"
	JobTaskTimeouts  = "dispatch.timeouts"
	JobAssignPending = "dispatch.assign_pending"
	JobJournalHealth = "journal.health"
	JobJournalPrune  = "journal.prune"
)

// feedbackEvents are the events that move swarm flux or membership.
var feedbackEvents = []event.Type{
	event.AgentRegistered,
	event.AgentRemoved,
	event.AgentQuarantined,
	event.AgentReinstated,
	event.TaskCompleted,
	event.TaskRetrying,
	event.TaskFailed,
}

func (e *Engine) wire() {
	// Roundtable outcomes resume or fail gated tasks, and open votes keep
	// an agent from being removed.
	e.Governance.OnResolved(e.Dispatcher.HandleResolution)
	e.Directory.AddQuiescenceGuard(e.Governance.HasOpenVote)

	e.Swarm.OnHealth(e.recordHealth)
	e.Bus.Subscribe(e.feedback, feedbackEvents...)
}

func (e *Engine) recordHealth(ctx context.Context, h swarm.Health) {
	err := e.Directory.RecordHealth(ctx, h.AgentID, h.Dimension, h.Coherence)
	if err != nil && !types.HasCode(err, types.ErrNotFound) {
		e.logger.Warn("health write-back failed",
			zap.String("agent_id", h.AgentID),
			zap.Error(err),
		)
	}
}

// feedback translates fleet events into swarm operations.
func (e *Engine) feedback(ev event.Event) error {
	ctx := context.Background()
	flux := e.Config.Flux

	var err error
	switch ev.Type {
	case event.AgentRegistered:
		_, err = e.Swarm.Join(ctx, flux.DefaultSwarm, ev.Subject, types.None[float64]())
	case event.AgentRemoved:
		err = e.Swarm.Leave(ev.Subject)
	case event.AgentQuarantined:
		_, err = e.Swarm.Collapse(ctx, ev.Subject)
	case event.AgentReinstated:
		_, err = e.Swarm.Revive(ctx, ev.Subject, flux.ReviveTarget)
	case event.TaskCompleted:
		if agent := agentOf(ev); agent != "" {
			_, err = e.Swarm.Boost(ctx, agent, flux.SuccessBoost)
		}
	case event.TaskRetrying, event.TaskFailed:
		if agent := agentOf(ev); agent != "" {
			_, err = e.Swarm.Decay(ctx, agent, flux.FailureDecay)
		}
	}

	// Agents that never joined a swarm have nothing to move.
	if types.HasCode(err, types.ErrNotFound) {
		return nil
	}
	return err
}

func agentOf(ev event.Event) string {
	s, _ := ev.Data["agent_id"].(string)
	return s
}

func (e *Engine) initScheduler() error {
	cfg := e.Config
	e.Scheduler = scheduler.New(scheduler.WithClock(e.clock), scheduler.WithLogger(e.logger))

	jobs := []scheduler.Job{
		{Name: JobSwarmStep, Interval: cfg.Flux.StepInterval, Run: e.Swarm.StepAll},
		{Name: JobSwarmSync, Interval: cfg.Flux.SyncInterval, Run: e.Swarm.SyncAll},
		{Name: JobSessionSweep, Interval: cfg.Scheduler.SessionSweepInterval, Run: func(ctx context.Context) error {
			_, err := e.Governance.Sweep(ctx)
			return err
		}},
		{Name: JobSessionPurge, Interval: cfg.Scheduler.PurgeInterval, Run: func(ctx context.Context) error {
			_, err := e.Governance.Purge(ctx, cfg.Governance.SessionRetention)
			return err
		}},
		{Name: JobTaskTimeouts, Interval: cfg.Scheduler.TimeoutCheckInterval, Run: func(ctx context.Context) error {
			_, err := e.Dispatcher.CheckTimeouts(ctx)
			return err
		}},
		{Name: JobAssignPending, Interval: cfg.Scheduler.AssignInterval, Run: func(ctx context.Context) error {
			_, err := e.Dispatcher.AssignPending(ctx)
			return err
		}},
	}
	if e.pool != nil {
		jobs = append(jobs, scheduler.Job{Name: JobJournalHealth, Interval: cfg.Scheduler.PurgeInterval, Run: e.pool.HealthCheck})
	}
	if e.Journal != nil && cfg.Journal.Retention > 0 {
		jobs = append(jobs, scheduler.Job{Name: JobJournalPrune, Interval: cfg.Scheduler.PurgeInterval, Run: func(ctx context.Context) error {
			_, err := e.Journal.Prune(ctx, cfg.Journal.Retention)
			return err
		}})
	}

	for _, job := range jobs {
		if err := e.Scheduler.Add(job); err != nil {
			return err
		}
	}
	return nil
}
