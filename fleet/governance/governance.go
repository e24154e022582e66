// Package governance runs roundtable sessions: weighted multi-agent votes
// that gate high-tier tasks.
package governance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/fleet/directory"
	"github.com/issdandavis/spiralverse-protocol/fleet/event"
	"github.com/issdandavis/spiralverse-protocol/fleet/store"
	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/types"
)

const instrumentationName = "github.com/issdandavis/spiralverse-protocol/fleet/governance"

// AgentSource is the slice of the directory the engine reads.
type AgentSource interface {
	Get(ctx context.Context, id string) (directory.Agent, error)
	EligibleForTier(ctx context.Context, tier types.Tier) ([]directory.Agent, error)
}

// Resolution is handed to listeners when a session leaves active.
type Resolution struct {
	SessionID string
	TaskID    string
	Status    types.SessionStatus
	Approvals int
	Session   Session
}

// Listener observes session resolutions.
type Listener func(ctx context.Context, r Resolution)

// Option configures an Engine.
type Option func(*Engine)

// WithRepository sets the session repository. Defaults to memory.
func WithRepository(r store.Repository[Session]) Option {
	return func(e *Engine) { e.repo = r }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithEvents sets the event publisher.
func WithEvents(p event.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine is the roundtable.
type Engine struct {
	cfg    config.GovernanceConfig
	agents AgentSource
	repo   store.Repository[Session]
	clock  clock.Clock
	events event.Publisher
	logger *zap.Logger
	tracer trace.Tracer

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an engine reading voters from agents.
func New(cfg config.GovernanceConfig, agents AgentSource, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, agents: agents}
	for _, opt := range opts {
		opt(e)
	}
	if e.repo == nil {
		e.repo = store.NewMemory[Session]("session")
	}
	if e.cfg.DefaultSessionTimeout <= 0 {
		e.cfg.DefaultSessionTimeout = config.DefaultGovernanceConfig().DefaultSessionTimeout
	}
	e.clock = clock.OrReal(e.clock)
	e.events = event.OrDiscard(e.events)
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("component", "governance"))
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	return e
}

// OnResolved registers a listener called after a session is approved,
// rejected or expired. Listeners run synchronously after the commit.
func (e *Engine) OnResolved(l Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// SessionRequest opens a session.
type SessionRequest struct {
	Topic  string
	TaskID string
	Tier   types.Tier
	// Participants defaults to every agent eligible for Tier.
	Participants []string
	// Timeout defaults to the configured session timeout.
	Timeout time.Duration
	// Consensus overrides the default min_signers / participants fraction.
	Consensus types.Optional[float64]
	// MinApprovals raises the quorum to at least this many approvals.
	MinApprovals types.Optional[int]
}

// CreateSession opens a roundtable for req.
func (e *Engine) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	ctx, span := e.tracer.Start(ctx, "governance.create_session",
		trace.WithAttributes(
			attribute.String("governance.tier", req.Tier.String()),
			attribute.String("governance.task_id", req.TaskID),
		))
	defer span.End()

	s, err := e.createSession(ctx, req)
	if err != nil {
		span.SetAttributes(attribute.String("error.code", string(types.CodeOf(err))))
		return Session{}, err
	}
	span.SetAttributes(
		attribute.String("governance.session_id", s.ID),
		attribute.Int("governance.participants", len(s.Participants)),
		attribute.Int("governance.quorum", s.Quorum),
	)
	return s, nil
}

func (e *Engine) createSession(ctx context.Context, req SessionRequest) (Session, error) {
	if !req.Tier.Valid() {
		return Session{}, types.Errorf(types.ErrInvalidInput, "invalid tier %d", int(req.Tier))
	}
	if req.Timeout < 0 {
		return Session{}, types.Errorf(types.ErrInvalidInput, "session timeout must not be negative")
	}
	override, hasOverride := req.Consensus.Get()
	if hasOverride && (override <= 0 || override > 1) {
		return Session{}, types.Errorf(types.ErrInvalidInput, "consensus %.3f outside (0,1]", override)
	}

	minApprovals := req.MinApprovals.OrElse(0)
	if minApprovals < 0 {
		return Session{}, types.Errorf(types.ErrInvalidInput, "min approvals must not be negative")
	}

	participants, err := e.participants(ctx, req)
	if err != nil {
		return Session{}, err
	}
	policy := e.cfg.Tiers.Policy(req.Tier)
	if len(participants) == 0 || len(participants) < policy.MinSigners {
		return Session{}, types.Errorf(types.ErrInsufficientQuorum,
			"tier %s needs %d signers, %d available", req.Tier, policy.MinSigners, len(participants))
	}
	if len(participants) < minApprovals {
		return Session{}, types.Errorf(types.ErrInsufficientQuorum,
			"%d approvals required, %d participants available", minApprovals, len(participants))
	}

	consensus := float64(policy.MinSigners) / float64(len(participants))
	if hasOverride {
		consensus = override
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultSessionTimeout
	}

	now := e.clock.Now()
	s := Session{
		ID:           uuid.NewString(),
		Topic:        req.Topic,
		TaskID:       req.TaskID,
		Tier:         req.Tier,
		Participants: participants,
		Votes:        map[string]types.VoteChoice{},
		Consensus:    consensus,
		Quorum:       max(QuorumFor(len(participants), consensus), minApprovals),
		Status:       types.SessionActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
	}
	if err := e.repo.Create(ctx, s.ID, s); err != nil {
		return Session{}, err
	}

	e.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("task_id", s.TaskID),
		zap.String("tier", s.Tier.String()),
		zap.Int("participants", len(s.Participants)),
		zap.Int("quorum", s.Quorum),
	)
	e.events.Publish(event.New(event.SessionCreated, s.ID).
		With("task_id", s.TaskID).
		With("tier", s.Tier.String()).
		With("participants", len(s.Participants)).
		With("quorum", s.Quorum))
	return s, nil
}

func (e *Engine) participants(ctx context.Context, req SessionRequest) ([]string, error) {
	if len(req.Participants) == 0 {
		eligible, err := e.agents.EligibleForTier(ctx, req.Tier)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(eligible))
		for i, a := range eligible {
			ids[i] = a.ID
		}
		return ids, nil
	}

	seen := make(map[string]struct{}, len(req.Participants))
	ids := make([]string, 0, len(req.Participants))
	for _, id := range req.Participants {
		if _, dup := seen[id]; dup {
			continue
		}
		if _, err := e.agents.Get(ctx, id); err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// =============================================================================
// Voting
// =============================================================================

// CastVote records agentID's choice and re-evaluates consensus. Rejected
// votes leave the session untouched, except that a session found past its
// deadline is expired on the spot.
func (e *Engine) CastVote(ctx context.Context, sessionID, agentID string, choice types.VoteChoice) (Session, error) {
	ctx, span := e.tracer.Start(ctx, "governance.cast_vote",
		trace.WithAttributes(
			attribute.String("governance.session_id", sessionID),
			attribute.String("governance.agent_id", agentID),
			attribute.String("governance.choice", string(choice)),
		))
	defer span.End()

	s, err := e.castVote(ctx, sessionID, agentID, choice)
	if err != nil {
		span.SetAttributes(attribute.String("error.code", string(types.CodeOf(err))))
		return s, err
	}
	span.SetAttributes(attribute.String("governance.status", string(s.Status)))
	return s, nil
}

func (e *Engine) castVote(ctx context.Context, sessionID, agentID string, choice types.VoteChoice) (Session, error) {
	if !choice.Valid() {
		return Session{}, types.Errorf(types.ErrInvalidInput, "invalid vote choice %q", choice)
	}

	now := e.clock.Now()
	var expired, resolved bool
	s, err := e.repo.Update(ctx, sessionID, func(s *Session) error {
		expired, resolved = false, false
		if s.Overdue(now) {
			s.Status = types.SessionExpired
			s.ResolvedAt = now
			expired = true
			return nil
		}
		switch {
		case s.Status == types.SessionExpired:
			return types.Errorf(types.ErrSessionExpired, "session %s expired", s.ID)
		case s.Status != types.SessionActive:
			return types.Errorf(types.ErrSessionNotActive, "session %s is %s", s.ID, s.Status)
		case !s.IsParticipant(agentID):
			return types.Errorf(types.ErrNotParticipant, "agent %s is not in session %s", agentID, s.ID)
		}
		if _, voted := s.Votes[agentID]; voted {
			return types.Errorf(types.ErrDuplicateVote, "agent %s already voted in session %s", agentID, s.ID)
		}
		// Standing is read under the session lock so a quarantine that
		// commits before the vote is always seen.
		ok, err := e.voterInGoodStanding(ctx, agentID, s.Tier)
		if err != nil {
			return err
		}
		if !ok {
			return types.Errorf(types.ErrVoterIneligible, "agent %s may not vote at tier %s", agentID, s.Tier)
		}
		s.Votes[agentID] = choice
		resolved = s.evaluate(now)
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	if expired {
		e.resolved(ctx, s)
		return s, types.Errorf(types.ErrSessionExpired, "session %s expired", s.ID)
	}

	tally := s.Tally()
	e.logger.Debug("vote cast",
		zap.String("session_id", s.ID),
		zap.String("agent_id", agentID),
		zap.String("choice", string(choice)),
		zap.Int("approve", tally.Approve),
		zap.Int("reject", tally.Reject),
	)
	e.events.Publish(event.New(event.SessionVoteCast, s.ID).
		With("agent_id", agentID).
		With("choice", string(choice)).
		With("approve", tally.Approve).
		With("reject", tally.Reject).
		With("abstain", tally.Abstain))
	if resolved {
		e.resolved(ctx, s)
	}
	return s, nil
}

func (e *Engine) voterInGoodStanding(ctx context.Context, agentID string, tier types.Tier) (bool, error) {
	a, err := e.agents.Get(ctx, agentID)
	if err != nil {
		if types.HasCode(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !a.Status.Barred() && a.PermitsTier(tier), nil
}

// Withdraw expires an active session before its deadline. Callers use it
// to abandon a session nobody will act on.
func (e *Engine) Withdraw(ctx context.Context, id string) (Session, error) {
	now := e.clock.Now()
	s, err := e.repo.Update(ctx, id, func(s *Session) error {
		if s.Status != types.SessionActive {
			return types.Errorf(types.ErrSessionNotActive, "session %s is %s", s.ID, s.Status)
		}
		s.Status = types.SessionExpired
		s.ResolvedAt = now
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	e.logger.Info("session withdrawn", zap.String("session_id", s.ID), zap.String("task_id", s.TaskID))
	e.resolved(ctx, s)
	return s, nil
}

func (e *Engine) resolved(ctx context.Context, s Session) {
	tally := s.Tally()
	var ev event.Event
	switch s.Status {
	case types.SessionApproved:
		ev = event.New(event.SessionApproved, s.ID)
	case types.SessionRejected:
		ev = event.New(event.SessionRejected, s.ID).WithReason(types.ErrGovernanceRejected)
	default:
		ev = event.New(event.SessionExpired, s.ID).WithReason(types.ErrSessionExpired)
	}
	e.logger.Info("session resolved",
		zap.String("session_id", s.ID),
		zap.String("task_id", s.TaskID),
		zap.String("status", string(s.Status)),
		zap.Int("approve", tally.Approve),
		zap.Int("quorum", s.Quorum),
	)
	e.events.Publish(ev.
		With("task_id", s.TaskID).
		With("approve", tally.Approve).
		With("reject", tally.Reject).
		With("quorum", s.Quorum))

	e.listenersMu.RLock()
	ls := append([]Listener(nil), e.listeners...)
	e.listenersMu.RUnlock()
	r := Resolution{
		SessionID: s.ID,
		TaskID:    s.TaskID,
		Status:    s.Status,
		Approvals: tally.Approve,
		Session:   s,
	}
	for _, l := range ls {
		l(ctx, r)
	}
}

// =============================================================================
// Lookup and housekeeping
// =============================================================================

// Get returns a session, expiring it first if its deadline has passed.
func (e *Engine) Get(ctx context.Context, id string) (Session, error) {
	s, err := e.repo.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !s.Overdue(e.clock.Now()) {
		return s, nil
	}
	s, _, err = e.expire(ctx, id)
	return s, err
}

// expire moves an overdue session to expired. It reports false when
// another caller got there first.
func (e *Engine) expire(ctx context.Context, id string) (Session, bool, error) {
	now := e.clock.Now()
	var changed bool
	s, err := e.repo.Update(ctx, id, func(s *Session) error {
		changed = false
		if s.Overdue(now) {
			s.Status = types.SessionExpired
			s.ResolvedAt = now
			changed = true
		}
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}
	if changed {
		e.resolved(ctx, s)
	}
	return s, changed, nil
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status types.SessionStatus
	TaskID string
}

// List returns sessions ordered by creation time.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]Session, error) {
	all, err := e.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.TaskID != "" && s.TaskID != f.TaskID {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Sweep expires every overdue session and returns how many changed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	all, err := e.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	n := 0
	for _, s := range all {
		if !s.Overdue(now) {
			continue
		}
		_, changed, err := e.expire(ctx, s.ID)
		if err != nil {
			if types.HasCode(err, types.ErrNotFound) {
				continue
			}
			return n, err
		}
		if changed {
			n++
		}
	}
	if n > 0 {
		e.logger.Info("expired overdue sessions", zap.Int("count", n))
	}
	return n, nil
}

// Purge deletes sessions resolved more than olderThan ago.
func (e *Engine) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	all, err := e.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := e.clock.Now().Add(-olderThan)
	n := 0
	for _, s := range all {
		if !s.Status.IsResolved() || !s.ResolvedAt.Before(cutoff) {
			continue
		}
		err := e.repo.Delete(ctx, s.ID, func(cur Session) error {
			if !cur.Status.IsResolved() {
				return types.Errorf(types.ErrConflict, "session %s reopened", cur.ID)
			}
			return nil
		})
		if err != nil {
			if types.HasCode(err, types.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
		e.events.Publish(event.New(event.SessionPurged, s.ID).With("status", string(s.Status)))
	}
	return n, nil
}

// HasOpenVote reports whether agentID is a participant in an active
// session it has not voted in yet.
func (e *Engine) HasOpenVote(ctx context.Context, agentID string) (bool, error) {
	all, err := e.repo.List(ctx)
	if err != nil {
		return false, err
	}
	now := e.clock.Now()
	for _, s := range all {
		if s.Status != types.SessionActive || s.Overdue(now) || !s.IsParticipant(agentID) {
			continue
		}
		if _, voted := s.Votes[agentID]; !voted {
			return true, nil
		}
	}
	return false, nil
}
