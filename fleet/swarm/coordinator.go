// Package swarm tracks per-agent flux in bounded swarms, evolves it with a
// first-order control law and reports health back to subscribers.
package swarm

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/fleet/event"
	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// Health is the signal written back for one agent.
type Health struct {
	AgentID   string
	SwarmID   string
	Nu        float64
	Dimension types.Dimension
	Coherence float64
}

// HealthListener receives health after every change to a pad.
type HealthListener func(ctx context.Context, h Health)

type swarm struct {
	mu      sync.Mutex
	id      string
	maxSize int
	paused  bool
	pads    map[string]*Pad
}

// sorted returns pads ordered by agent id. Callers hold s.mu.
func (s *swarm) sorted() []*Pad {
	out := make([]*Pad, 0, len(s.pads))
	for _, p := range s.pads {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithEvents sets the event publisher.
func WithEvents(p event.Publisher) Option {
	return func(co *Coordinator) { co.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// Coordinator owns every swarm and pad.
type Coordinator struct {
	cfg    config.FluxConfig
	clock  clock.Clock
	events event.Publisher
	logger *zap.Logger

	mu      sync.RWMutex
	swarms  map[string]*swarm
	members map[string]string // agent id -> swarm id

	healthMu  sync.RWMutex
	listeners []HealthListener
}

// New creates a coordinator.
func New(cfg config.FluxConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		swarms:  make(map[string]*swarm),
		members: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxPads < 1 {
		c.cfg.MaxPads = config.DefaultFluxConfig().MaxPads
	}
	c.clock = clock.OrReal(c.clock)
	c.events = event.OrDiscard(c.events)
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "swarm"))
	return c
}

// OnHealth registers a health listener.
func (c *Coordinator) OnHealth(l HealthListener) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Coordinator) notify(ctx context.Context, pads []Pad) {
	c.healthMu.RLock()
	ls := append([]HealthListener(nil), c.listeners...)
	c.healthMu.RUnlock()
	for _, p := range pads {
		h := Health{AgentID: p.AgentID, SwarmID: p.SwarmID, Nu: p.Nu, Dimension: p.Dimension, Coherence: p.Coherence}
		for _, l := range ls {
			l(ctx, h)
		}
	}
}

// =============================================================================
// Membership
// =============================================================================

// CreateSwarm adds an empty swarm. maxSize <= 0 takes the configured limit.
func (c *Coordinator) CreateSwarm(id string, maxSize int) error {
	if id == "" {
		return types.NewError(types.ErrInvalidInput, "swarm id is required")
	}
	if maxSize <= 0 {
		maxSize = c.cfg.MaxPads
	}
	c.mu.Lock()
	if _, ok := c.swarms[id]; ok {
		c.mu.Unlock()
		return types.Errorf(types.ErrAlreadyExists, "swarm %s already exists", id)
	}
	c.swarms[id] = &swarm{id: id, maxSize: maxSize, pads: make(map[string]*Pad)}
	c.mu.Unlock()

	c.logger.Info("swarm created", zap.String("swarm_id", id), zap.Int("max_size", maxSize))
	c.events.Publish(event.New(event.SwarmCreated, id).With("max_size", maxSize))
	return nil
}

// Swarms returns swarm ids in order.
func (c *Coordinator) Swarms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.swarms))
	for id := range c.swarms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) swarm(id string) (*swarm, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.swarms[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "swarm %s not found", id)
	}
	return s, nil
}

// swarmOf returns the swarm agentID belongs to.
func (c *Coordinator) swarmOf(agentID string) (*swarm, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sid, ok := c.members[agentID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "agent %s has no pad", agentID)
	}
	return c.swarms[sid], nil
}

// Join adds a pad for agentID to the swarm. The initial nu defaults to the
// configured value.
func (c *Coordinator) Join(ctx context.Context, swarmID, agentID string, initialNu types.Optional[float64]) (Pad, error) {
	nu := initialNu.OrElse(c.cfg.InitialNu)
	if nu < 0 || nu > 1 {
		return Pad{}, types.Errorf(types.ErrInvalidInput, "initial nu %.3f outside [0,1]", nu)
	}

	c.mu.Lock()
	s, ok := c.swarms[swarmID]
	if !ok {
		c.mu.Unlock()
		return Pad{}, types.Errorf(types.ErrNotFound, "swarm %s not found", swarmID)
	}
	if sid, member := c.members[agentID]; member {
		c.mu.Unlock()
		return Pad{}, types.Errorf(types.ErrAlreadyExists, "agent %s already in swarm %s", agentID, sid)
	}
	s.mu.Lock()
	if len(s.pads) >= s.maxSize {
		s.mu.Unlock()
		c.mu.Unlock()
		return Pad{}, types.Errorf(types.ErrSwarmFull, "swarm %s holds %d pads", swarmID, s.maxSize)
	}
	p := &Pad{
		AgentID:   agentID,
		SwarmID:   swarmID,
		Nu:        nu,
		Dimension: c.cfg.Thresholds.Classify(nu),
		Coherence: 1,
		DecayRate: c.cfg.DecayRate,
		UpdatedAt: c.clock.Now(),
	}
	s.pads[agentID] = p
	out := *p
	s.mu.Unlock()
	c.members[agentID] = swarmID
	c.mu.Unlock()

	c.logger.Debug("pad joined", zap.String("swarm_id", swarmID), zap.String("agent_id", agentID), zap.Float64("nu", nu))
	c.events.Publish(event.New(event.PadJoined, agentID).With("swarm_id", swarmID).With("nu", nu))
	c.notify(ctx, []Pad{out})
	return out, nil
}

// Leave removes the agent's pad.
func (c *Coordinator) Leave(agentID string) error {
	c.mu.Lock()
	sid, ok := c.members[agentID]
	if !ok {
		c.mu.Unlock()
		return types.Errorf(types.ErrNotFound, "agent %s has no pad", agentID)
	}
	s := c.swarms[sid]
	s.mu.Lock()
	delete(s.pads, agentID)
	s.mu.Unlock()
	delete(c.members, agentID)
	c.mu.Unlock()

	c.events.Publish(event.New(event.PadLeft, agentID).With("swarm_id", sid))
	return nil
}

// Pad returns a copy of the agent's pad.
func (c *Coordinator) Pad(agentID string) (Pad, error) {
	s, err := c.swarmOf(agentID)
	if err != nil {
		return Pad{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pads[agentID]
	if !ok {
		return Pad{}, types.Errorf(types.ErrNotFound, "agent %s has no pad", agentID)
	}
	return *p, nil
}

// Pads returns copies of the swarm's pads ordered by agent id.
func (c *Coordinator) Pads(swarmID string) ([]Pad, error) {
	s, err := c.swarm(swarmID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copies(s.sorted()), nil
}

func copies(pads []*Pad) []Pad {
	out := make([]Pad, len(pads))
	for i, p := range pads {
		out[i] = *p
	}
	return out
}

// =============================================================================
// Dynamics
// =============================================================================

// Sync sets each pad's coherence from its distance to the swarm mean.
func (c *Coordinator) Sync(ctx context.Context, swarmID string) (Aggregate, error) {
	s, err := c.swarm(swarmID)
	if err != nil {
		return Aggregate{}, err
	}
	now := c.clock.Now()
	s.mu.Lock()
	pads := s.sorted()
	mean := meanNu(pads)
	for _, p := range pads {
		p.Coherence = peerCoherence(p.Nu, mean)
		p.UpdatedAt = now
	}
	agg := aggregate(s.id, pads, c.cfg.Thresholds, s.paused)
	changed := copies(pads)
	s.mu.Unlock()

	c.events.Publish(event.New(event.SwarmSynced, swarmID).
		With("mean_nu", agg.MeanNu).
		With("coherence", agg.Coherence).
		With("size", agg.Size))
	c.notify(ctx, changed)
	return agg, nil
}

// Step advances every pad by one integration step. A paused swarm is left
// untouched and reports false.
func (c *Coordinator) Step(ctx context.Context, swarmID string) (Aggregate, bool, error) {
	s, err := c.swarm(swarmID)
	if err != nil {
		return Aggregate{}, false, err
	}
	now := c.clock.Now()
	s.mu.Lock()
	if s.paused {
		agg := aggregate(s.id, s.sorted(), c.cfg.Thresholds, true)
		s.mu.Unlock()
		return agg, false, nil
	}
	pads := s.sorted()
	var collapsed []string
	for _, p := range pads {
		next := stepNu(*p, c.cfg)
		if c.cfg.DT > 0 {
			p.FluxRate = (next - p.Nu) / c.cfg.DT
		}
		p.Nu = next
		dim := c.cfg.Thresholds.Classify(next)
		if dim == types.DimensionCollapsed && p.Dimension != types.DimensionCollapsed {
			collapsed = append(collapsed, p.AgentID)
		}
		p.Dimension = dim
		p.UpdatedAt = now
	}
	agg := aggregate(s.id, pads, c.cfg.Thresholds, false)
	changed := copies(pads)
	s.mu.Unlock()

	c.events.Publish(event.New(event.SwarmStepped, swarmID).
		With("mean_nu", agg.MeanNu).
		With("coherence", agg.Coherence).
		With("dominant", string(agg.Dominant)))
	for _, id := range collapsed {
		c.logger.Warn("pad collapsed under flux dynamics", zap.String("swarm_id", swarmID), zap.String("agent_id", id))
		c.events.Publish(event.New(event.PadCollapsed, id).With("swarm_id", swarmID).With("automatic", true))
	}
	c.notify(ctx, changed)
	return agg, true, nil
}

// SyncAll syncs every swarm.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	for _, id := range c.Swarms() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.Sync(ctx, id); err != nil && !types.HasCode(err, types.ErrNotFound) {
			return err
		}
	}
	return nil
}

// StepAll steps every swarm that is not paused.
func (c *Coordinator) StepAll(ctx context.Context) error {
	for _, id := range c.Swarms() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, _, err := c.Step(ctx, id); err != nil && !types.HasCode(err, types.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Aggregate summarises the swarm without changing it.
func (c *Coordinator) Aggregate(swarmID string) (Aggregate, error) {
	s, err := c.swarm(swarmID)
	if err != nil {
		return Aggregate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return aggregate(s.id, s.sorted(), c.cfg.Thresholds, s.paused), nil
}

// Pause stops periodic stepping of the swarm. The flag is checked at the
// start of each step.
func (c *Coordinator) Pause(swarmID string) error {
	return c.setPaused(swarmID, true)
}

// Resume restarts periodic stepping.
func (c *Coordinator) Resume(swarmID string) error {
	return c.setPaused(swarmID, false)
}

func (c *Coordinator) setPaused(swarmID string, paused bool) error {
	s, err := c.swarm(swarmID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := s.paused != paused
	s.paused = paused
	s.mu.Unlock()
	if !changed {
		return nil
	}
	typ := event.SwarmResumed
	if paused {
		typ = event.SwarmPaused
	}
	c.events.Publish(event.New(typ, swarmID))
	return nil
}

// =============================================================================
// Discrete lifecycle operations
// =============================================================================

// Boost raises the agent's nu by amount.
func (c *Coordinator) Boost(ctx context.Context, agentID string, amount float64) (Pad, error) {
	if amount < 0 {
		return Pad{}, types.Errorf(types.ErrInvalidInput, "boost %.3f must not be negative", amount)
	}
	return c.mutate(ctx, agentID, event.PadBoosted, func(p *Pad) {
		p.Nu = clamp01(p.Nu + amount)
	})
}

// Decay lowers the agent's nu by amount.
func (c *Coordinator) Decay(ctx context.Context, agentID string, amount float64) (Pad, error) {
	if amount < 0 {
		return Pad{}, types.Errorf(types.ErrInvalidInput, "decay %.3f must not be negative", amount)
	}
	return c.mutate(ctx, agentID, event.PadDecayed, func(p *Pad) {
		p.Nu = clamp01(p.Nu - amount)
	})
}

// Collapse forces nu to zero and clears the target.
func (c *Coordinator) Collapse(ctx context.Context, agentID string) (Pad, error) {
	return c.mutate(ctx, agentID, event.PadCollapsed, func(p *Pad) {
		p.Nu = 0
		p.Target = types.None[float64]()
		p.FluxRate = 0
	})
}

// Revive resets nu to the configured low value and sets a new target.
func (c *Coordinator) Revive(ctx context.Context, agentID string, target float64) (Pad, error) {
	if target < 0 || target > 1 {
		return Pad{}, types.Errorf(types.ErrInvalidInput, "target %.3f outside [0,1]", target)
	}
	return c.mutate(ctx, agentID, event.PadRevived, func(p *Pad) {
		p.Nu = clamp01(c.cfg.ReviveNu)
		p.Target = types.Some(target)
		p.FluxRate = 0
	})
}

// SetTarget sets or clears the attraction target.
func (c *Coordinator) SetTarget(ctx context.Context, agentID string, target types.Optional[float64]) (Pad, error) {
	if v, ok := target.Get(); ok && (v < 0 || v > 1) {
		return Pad{}, types.Errorf(types.ErrInvalidInput, "target %.3f outside [0,1]", v)
	}
	return c.mutate(ctx, agentID, event.PadRetargeted, func(p *Pad) {
		p.Target = target
	})
}

func (c *Coordinator) mutate(ctx context.Context, agentID string, typ event.Type, fn func(*Pad)) (Pad, error) {
	s, err := c.swarmOf(agentID)
	if err != nil {
		return Pad{}, err
	}
	s.mu.Lock()
	p, ok := s.pads[agentID]
	if !ok {
		s.mu.Unlock()
		return Pad{}, types.Errorf(types.ErrNotFound, "agent %s has no pad", agentID)
	}
	fn(p)
	p.Dimension = c.cfg.Thresholds.Classify(p.Nu)
	p.UpdatedAt = c.clock.Now()
	out := *p
	s.mu.Unlock()

	c.events.Publish(event.New(typ, agentID).
		With("swarm_id", out.SwarmID).
		With("nu", out.Nu).
		With("dimension", string(out.Dimension)))
	c.notify(ctx, []Pad{out})
	return out, nil
}
