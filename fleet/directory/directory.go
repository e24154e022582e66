// Package directory owns agent records: capabilities, tier ceilings,
// trust state and capacity. It is the only writer of those fields.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/fleet/event"
	"github.com/issdandavis/spiralverse-protocol/fleet/store"
	"github.com/issdandavis/spiralverse-protocol/fleet/trust"
	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// QuiescenceGuard reports whether an agent still takes part in open work
// outside the directory, such as an unresolved roundtable.
type QuiescenceGuard func(ctx context.Context, agentID string) (busy bool, err error)

// Config holds directory settings.
type Config struct {
	Trust                config.TrustConfig
	DefaultMaxConcurrent int
}

// DefaultConfig returns the stock directory settings.
func DefaultConfig() Config {
	return Config{
		Trust:                config.DefaultTrustConfig(),
		DefaultMaxConcurrent: config.DefaultDispatchConfig().MaxConcurrent,
	}
}

// Option configures a Directory.
type Option func(*Directory)

// WithRepository sets the agent repository. Defaults to memory.
func WithRepository(r store.Repository[Agent]) Option {
	return func(d *Directory) { d.repo = r }
}

// WithEvaluator replaces the trust evaluator.
func WithEvaluator(e trust.Evaluator) Option {
	return func(d *Directory) { d.evaluator = e }
}

// WithIdentityDeriver replaces the identity deriver.
func WithIdentityDeriver(i trust.IdentityDeriver) Option {
	return func(d *Directory) { d.identity = i }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(d *Directory) { d.clock = c }
}

// WithEvents sets the event publisher.
func WithEvents(p event.Publisher) Option {
	return func(d *Directory) { d.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// Directory is the agent registry.
type Directory struct {
	cfg       Config
	repo      store.Repository[Agent]
	evaluator trust.Evaluator
	identity  trust.IdentityDeriver
	clock     clock.Clock
	events    event.Publisher
	logger    *zap.Logger

	guardsMu sync.RWMutex
	guards   []QuiescenceGuard
}

// New creates a directory.
func New(cfg Config, opts ...Option) *Directory {
	d := &Directory{cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	if d.repo == nil {
		d.repo = store.NewMemory[Agent]("agent")
	}
	if d.evaluator == nil {
		d.evaluator = trust.NewThresholdEvaluator(cfg.Trust)
	}
	if d.identity == nil {
		d.identity = trust.NewBlake3Deriver("")
	}
	if d.cfg.DefaultMaxConcurrent < 1 {
		d.cfg.DefaultMaxConcurrent = 1
	}
	d.clock = clock.OrReal(d.clock)
	d.events = event.OrDiscard(d.events)
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.With(zap.String("component", "directory"))
	return d
}

// AddQuiescenceGuard registers a guard consulted by Remove.
func (d *Directory) AddQuiescenceGuard(g QuiescenceGuard) {
	d.guardsMu.Lock()
	defer d.guardsMu.Unlock()
	d.guards = append(d.guards, g)
}

// =============================================================================
// Registration and lookup
// =============================================================================

// RegisterRequest describes a new agent.
type RegisterRequest struct {
	// ID is generated when empty.
	ID           string
	Name         string
	Capabilities []types.Capability
	TierCeiling  types.Tier
	Trust        []float64
	// MaxConcurrent falls back to the configured default when zero.
	MaxConcurrent int
}

// Register adds an agent in idle status with no active tasks.
func (d *Directory) Register(ctx context.Context, req RegisterRequest) (Agent, error) {
	vec, err := types.NewTrustVector(req.Trust)
	if err != nil {
		return Agent{}, err
	}
	caps, err := types.NewCapabilitySet(req.Capabilities...)
	if err != nil {
		return Agent{}, err
	}
	if !req.TierCeiling.Valid() {
		return Agent{}, types.Errorf(types.ErrInvalidInput, "invalid tier ceiling %d", int(req.TierCeiling))
	}
	if req.MaxConcurrent < 0 {
		return Agent{}, types.Errorf(types.ErrInvalidInput, "max concurrent must not be negative")
	}
	maxConcurrent := req.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = d.cfg.DefaultMaxConcurrent
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := req.Name
	if name == "" {
		name = id
	}

	now := d.clock.Now()
	a := Agent{
		ID:            id,
		Name:          name,
		Capabilities:  caps,
		TierCeiling:   req.TierCeiling,
		Trust:         vec,
		Status:        types.AgentIdle,
		MaxConcurrent: maxConcurrent,
		SuccessRate:   d.cfg.Trust.InitialSuccessRate,
		RegisteredAt:  now,
		LastActivity:  now,
	}
	d.assess(&a)

	if err := d.repo.Create(ctx, id, a); err != nil {
		return Agent{}, err
	}

	d.logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.String("tier_ceiling", a.TierCeiling.String()),
		zap.String("trust_level", a.TrustLevel.String()),
	)
	d.events.Publish(event.New(event.AgentRegistered, id).
		With("trust_level", a.TrustLevel.String()).
		With("tier_ceiling", a.TierCeiling.String()))
	if a.TrustLevel == types.TrustCritical {
		d.alert(a, "registered with critical trust")
	}
	return a, nil
}

// Get returns an agent.
func (d *Directory) Get(ctx context.Context, id string) (Agent, error) {
	return d.repo.Get(ctx, id)
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status     types.AgentStatus
	Capability types.Capability
}

// List returns agents ordered by id.
func (d *Directory) List(ctx context.Context, f ListFilter) ([]Agent, error) {
	all, err := d.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Capability != "" && !a.Capabilities.Has(f.Capability) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// EligibleForTier returns agents that may act at tier, ordered by id:
// not suspended or quarantined, nominal ceiling at or above tier, and a
// trust level whose cap permits tier. Critical agents never qualify.
func (d *Directory) EligibleForTier(ctx context.Context, tier types.Tier) ([]Agent, error) {
	all, err := d.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Agent, 0, len(all))
	for _, a := range all {
		if a.Status.Barred() || !a.PermitsTier(tier) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Remove deletes a quiescent agent. Quiescence guards run before the
// agent's lock is taken; guards may read other repositories, and those
// may in turn read agents while holding their own locks.
func (d *Directory) Remove(ctx context.Context, id string) error {
	if _, err := d.repo.Get(ctx, id); err != nil {
		return err
	}

	d.guardsMu.RLock()
	guards := append([]QuiescenceGuard(nil), d.guards...)
	d.guardsMu.RUnlock()
	for _, g := range guards {
		busy, err := g(ctx, id)
		if err != nil {
			return fmt.Errorf("quiescence check for agent %s: %w", id, err)
		}
		if busy {
			return types.Errorf(types.ErrAgentActive, "agent %s has open votes", id)
		}
	}

	err := d.repo.Delete(ctx, id, func(a Agent) error {
		if a.ActiveTasks > 0 {
			return types.Errorf(types.ErrAgentActive, "agent %s holds %d active tasks", id, a.ActiveTasks)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Info("agent removed", zap.String("agent_id", id))
	d.events.Publish(event.New(event.AgentRemoved, id))
	return nil
}

// =============================================================================
// Trust
// =============================================================================

// UpdateTrust replaces the trust vector and reclassifies the agent. A
// critical classification quarantines the agent and raises a security alert.
func (d *Directory) UpdateTrust(ctx context.Context, id string, values []float64) (Agent, error) {
	vec, err := types.NewTrustVector(values)
	if err != nil {
		return Agent{}, err
	}

	var prev types.TrustLevel
	var quarantined bool
	a, err := d.repo.Update(ctx, id, func(a *Agent) error {
		prev = a.TrustLevel
		a.Trust = vec
		d.assess(a)
		quarantined = d.quarantineIfCritical(a)
		return nil
	})
	if err != nil {
		return Agent{}, err
	}

	d.events.Publish(event.New(event.AgentTrustUpdated, id).
		With("from", prev.String()).
		With("to", a.TrustLevel.String()).
		With("score", a.TrustScore))
	d.afterReassess(a, quarantined, "trust update classified critical")
	return a, nil
}

// RecordCompletion reports the outcome of a task the agent held. It
// frees the slot, updates the rolling success rate and nudges every
// trust facet up on success or down, harder, on failure.
func (d *Directory) RecordCompletion(ctx context.Context, id string, success bool) (Agent, error) {
	now := d.clock.Now()
	tc := d.cfg.Trust

	var quarantined bool
	a, err := d.repo.Update(ctx, id, func(a *Agent) error {
		a.Completed++
		outcome := 0.0
		delta := -tc.FailureStep
		if success {
			outcome = 1
			delta = tc.SuccessStep
		} else {
			a.Failed++
		}
		a.SuccessRate = tc.SuccessAlpha*outcome + (1-tc.SuccessAlpha)*a.SuccessRate
		if a.ActiveTasks > 0 {
			a.ActiveTasks--
		}
		a.LastActivity = now
		a.Trust = a.Trust.Nudge(delta)
		d.assess(a)
		quarantined = d.quarantineIfCritical(a)
		a.settle()
		return nil
	})
	if err != nil {
		return Agent{}, err
	}

	d.events.Publish(event.New(event.AgentCompletion, id).
		With("success", success).
		With("success_rate", a.SuccessRate).
		With("trust_level", a.TrustLevel.String()))
	d.afterReassess(a, quarantined, "completion feedback classified critical")
	return a, nil
}

func (d *Directory) assess(a *Agent) {
	res := d.evaluator.Evaluate(a.ID, a.Trust)
	a.TrustLevel = res.Level
	a.TrustScore = types.Clamp01(res.Score)
	a.IdentityHash = d.identity.Derive(a.ID, a.Trust)
}

// quarantineIfCritical reports whether it changed the status.
func (d *Directory) quarantineIfCritical(a *Agent) bool {
	if a.TrustLevel != types.TrustCritical || a.Status == types.AgentQuarantined {
		return false
	}
	a.Status = types.AgentQuarantined
	return true
}

func (d *Directory) afterReassess(a Agent, quarantined bool, why string) {
	if a.TrustLevel != types.TrustCritical {
		return
	}
	if quarantined {
		d.logger.Warn("agent auto-quarantined", zap.String("agent_id", a.ID), zap.Float64("trust_score", a.TrustScore))
		d.events.Publish(event.New(event.AgentQuarantined, a.ID).
			WithReason(types.ErrTrustCritical).
			With("automatic", true))
	}
	d.alert(a, why)
}

func (d *Directory) alert(a Agent, why string) {
	d.events.Publish(event.New(event.SecurityAlert, a.ID).
		WithReason(types.ErrTrustCritical).
		With("message", why).
		With("trust_score", a.TrustScore).
		With("identity_hash", a.IdentityHash))
}

// =============================================================================
// Capacity
// =============================================================================

// Reserve takes one capacity slot on the agent after re-checking req
// under the agent's lock.
func (d *Directory) Reserve(ctx context.Context, id string, req Requirements) (Agent, error) {
	now := d.clock.Now()
	return d.repo.Update(ctx, id, func(a *Agent) error {
		if err := a.CanTake(req); err != nil {
			return err
		}
		a.ActiveTasks++
		a.LastActivity = now
		a.settle()
		return nil
	})
}

// Release returns a slot taken by Reserve without recording an outcome.
func (d *Directory) Release(ctx context.Context, id string) (Agent, error) {
	return d.repo.Update(ctx, id, func(a *Agent) error {
		if a.ActiveTasks > 0 {
			a.ActiveTasks--
		}
		a.settle()
		return nil
	})
}

// RecordHealth stores the latest swarm health signal for the agent.
func (d *Directory) RecordHealth(ctx context.Context, id string, dim types.Dimension, coherence float64) error {
	_, err := d.repo.Update(ctx, id, func(a *Agent) error {
		a.Dimension = dim
		a.Coherence = types.Clamp01(coherence)
		return nil
	})
	return err
}

// =============================================================================
// Status
// =============================================================================

// Suspend bars the agent from new work and voting.
func (d *Directory) Suspend(ctx context.Context, id, reason string) (Agent, error) {
	return d.transition(ctx, id, types.AgentSuspended, reason, func(a *Agent) error {
		if a.Status == types.AgentQuarantined {
			return types.Errorf(types.ErrInvalidTransition, "agent %s is quarantined", id)
		}
		return nil
	})
}

// Quarantine bars the agent pending review.
func (d *Directory) Quarantine(ctx context.Context, id, reason string) (Agent, error) {
	a, changed, err := d.setStatus(ctx, id, types.AgentQuarantined, nil)
	if err != nil {
		return Agent{}, err
	}
	if changed {
		d.logger.Warn("agent quarantined", zap.String("agent_id", id), zap.String("reason", reason))
		d.events.Publish(event.New(event.AgentQuarantined, id).With("reason", reason).With("automatic", false))
	}
	return a, nil
}

// Reinstate returns a suspended or quarantined agent to service. Refused
// while its trust is critical.
func (d *Directory) Reinstate(ctx context.Context, id string) (Agent, error) {
	var from types.AgentStatus
	a, err := d.repo.Update(ctx, id, func(a *Agent) error {
		if !a.Status.Barred() {
			return types.Errorf(types.ErrInvalidTransition, "agent %s is %s, not barred", id, a.Status)
		}
		if a.TrustLevel == types.TrustCritical {
			return types.Errorf(types.ErrTrustCritical, "agent %s trust is still critical", id)
		}
		from = a.Status
		a.Status = types.AgentIdle
		a.settle()
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	d.logger.Info("agent reinstated", zap.String("agent_id", id), zap.String("from", string(from)))
	d.events.Publish(event.New(event.AgentReinstated, id).With("from", string(from)))
	return a, nil
}

// MarkOffline takes an available agent out of rotation.
func (d *Directory) MarkOffline(ctx context.Context, id string) (Agent, error) {
	return d.transition(ctx, id, types.AgentOffline, "offline", func(a *Agent) error {
		if a.Status.Barred() {
			return types.Errorf(types.ErrInvalidTransition, "agent %s is %s", id, a.Status)
		}
		return nil
	})
}

// MarkOnline returns an offline agent to rotation.
func (d *Directory) MarkOnline(ctx context.Context, id string) (Agent, error) {
	return d.transition(ctx, id, types.AgentIdle, "online", func(a *Agent) error {
		if a.Status != types.AgentOffline {
			return types.Errorf(types.ErrInvalidTransition, "agent %s is %s, not offline", id, a.Status)
		}
		return nil
	})
}

func (d *Directory) transition(ctx context.Context, id string, to types.AgentStatus, reason string, check func(*Agent) error) (Agent, error) {
	a, changed, err := d.setStatus(ctx, id, to, check)
	if err != nil {
		return Agent{}, err
	}
	if changed {
		d.events.Publish(event.New(event.AgentStatusChanged, id).
			With("status", string(a.Status)).
			With("reason", reason))
	}
	return a, nil
}

func (d *Directory) setStatus(ctx context.Context, id string, to types.AgentStatus, check func(*Agent) error) (Agent, bool, error) {
	var changed bool
	a, err := d.repo.Update(ctx, id, func(a *Agent) error {
		changed = false
		if check != nil {
			if err := check(a); err != nil {
				return err
			}
		}
		from := a.Status
		a.Status = to
		a.settle()
		changed = a.Status != from
		return nil
	})
	return a, changed, err
}
