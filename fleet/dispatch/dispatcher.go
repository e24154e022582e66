// Package dispatch routes tasks to agents. It filters and scores
// candidates, gates high-tier work behind a roundtable and drives each
// task through its lifecycle.
package dispatch

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/fleet/directory"
	"github.com/issdandavis/spiralverse-protocol/fleet/event"
	"github.com/issdandavis/spiralverse-protocol/fleet/governance"
	"github.com/issdandavis/spiralverse-protocol/fleet/store"
	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/types"
)

const instrumentationName = "github.com/issdandavis/spiralverse-protocol/fleet/dispatch"

// Agents is the slice of the directory the dispatcher uses. Reserve and
// Release are its only writes to agent capacity.
type Agents interface {
	List(ctx context.Context, f directory.ListFilter) ([]directory.Agent, error)
	Reserve(ctx context.Context, id string, req directory.Requirements) (directory.Agent, error)
	Release(ctx context.Context, id string) (directory.Agent, error)
	RecordCompletion(ctx context.Context, id string, success bool) (directory.Agent, error)
}

// Roundtable opens approval sessions.
type Roundtable interface {
	CreateSession(ctx context.Context, req governance.SessionRequest) (governance.Session, error)
	Withdraw(ctx context.Context, id string) (governance.Session, error)
}

// Config holds dispatcher settings.
type Config struct {
	Dispatch config.DispatchConfig
	Tiers    config.TierTable
}

// DefaultConfig returns the stock dispatcher settings.
func DefaultConfig() Config {
	return Config{
		Dispatch: config.DefaultDispatchConfig(),
		Tiers:    config.DefaultTierTable(),
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRepository sets the task repository. Defaults to memory.
func WithRepository(r store.Repository[Task]) Option {
	return func(d *Dispatcher) { d.repo = r }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithEvents sets the event publisher.
func WithEvents(p event.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// Dispatcher owns task records.
type Dispatcher struct {
	cfg        Config
	agents     Agents
	roundtable Roundtable
	repo       store.Repository[Task]
	clock      clock.Clock
	events     event.Publisher
	logger     *zap.Logger
	tracer     trace.Tracer

	limiterMu sync.Mutex
	limiter   *rate.Limiter
}

// New creates a dispatcher.
func New(cfg Config, agents Agents, roundtable Roundtable, opts ...Option) *Dispatcher {
	d := &Dispatcher{cfg: cfg, agents: agents, roundtable: roundtable}
	for _, opt := range opts {
		opt(d)
	}
	if d.repo == nil {
		d.repo = store.NewMemory[Task]("task")
	}
	d.clock = clock.OrReal(d.clock)
	d.events = event.OrDiscard(d.events)
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.With(zap.String("component", "dispatch"))
	if d.tracer == nil {
		d.tracer = otel.Tracer(instrumentationName)
	}

	limit := rate.Limit(cfg.Dispatch.AssignRate)
	if cfg.Dispatch.AssignRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Dispatch.AssignBurst
	if burst < 1 {
		burst = 1
	}
	d.limiter = rate.NewLimiter(limit, burst)
	return d
}

// =============================================================================
// Creation and lookup
// =============================================================================

// CreateOptions describes a new task. Unset optionals take the tier
// policy or dispatch defaults.
type CreateOptions struct {
	// ID is generated when empty.
	ID         string
	Name       string
	Capability types.Capability
	Tier       types.Tier
	Priority   types.Priority
	Payload    map[string]any

	MinTrust          types.Optional[float64]
	RequiresApproval  types.Optional[bool]
	RequiredApprovals types.Optional[int]
	Timeout           types.Optional[time.Duration]
	MaxRetries        types.Optional[int]
}

// Create stores a pending task.
func (d *Dispatcher) Create(ctx context.Context, opts CreateOptions) (Task, error) {
	if !opts.Capability.Valid() {
		return Task{}, types.Errorf(types.ErrInvalidInput, "unknown capability %q", opts.Capability)
	}
	if !opts.Tier.Valid() {
		return Task{}, types.Errorf(types.ErrInvalidInput, "invalid tier %d", int(opts.Tier))
	}
	if !opts.Priority.Valid() {
		return Task{}, types.Errorf(types.ErrInvalidInput, "invalid priority %d", int(opts.Priority))
	}

	policy := d.cfg.Tiers.Policy(opts.Tier)
	minTrust := opts.MinTrust.OrElse(policy.MinTrust)
	if minTrust < 0 || minTrust > 1 {
		return Task{}, types.Errorf(types.ErrInvalidInput, "min trust %.3f outside [0,1]", minTrust)
	}
	required := opts.RequiredApprovals.OrElse(policy.MinSigners)
	if required < 0 {
		return Task{}, types.Errorf(types.ErrInvalidInput, "required approvals must not be negative")
	}
	timeout := opts.Timeout.OrElse(d.cfg.Dispatch.DefaultTimeout)
	if timeout < 0 {
		return Task{}, types.Errorf(types.ErrInvalidInput, "timeout must not be negative")
	}
	maxRetries := opts.MaxRetries.OrElse(d.cfg.Dispatch.MaxRetries)
	if maxRetries < 0 {
		return Task{}, types.Errorf(types.ErrInvalidInput, "max retries must not be negative")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := opts.Name
	if name == "" {
		name = id
	}
	now := d.clock.Now()
	t := Task{
		ID:                id,
		Name:              name,
		Capability:        opts.Capability,
		Tier:              opts.Tier,
		Priority:          opts.Priority,
		MinTrust:          minTrust,
		Payload:           opts.Payload,
		Status:            types.TaskPending,
		RequiresApproval:  opts.RequiresApproval.OrElse(policy.MinSigners > 1),
		RequiredApprovals: required,
		MaxRetries:        maxRetries,
		Timeout:           timeout,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	t = t.Clone()
	if err := d.repo.Create(ctx, id, t); err != nil {
		return Task{}, err
	}

	d.logger.Info("task created",
		zap.String("task_id", id),
		zap.String("capability", string(t.Capability)),
		zap.String("tier", t.Tier.String()),
		zap.String("priority", t.Priority.String()),
		zap.Bool("requires_approval", t.RequiresApproval),
	)
	d.events.Publish(event.New(event.TaskCreated, id).
		With("tier", t.Tier.String()).
		With("priority", t.Priority.String()).
		With("requires_approval", t.RequiresApproval))
	return t, nil
}

// Get returns a task.
func (d *Dispatcher) Get(ctx context.Context, id string) (Task, error) {
	return d.repo.Get(ctx, id)
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status  types.TaskStatus
	AgentID string
}

// List returns tasks ordered by id.
func (d *Dispatcher) List(ctx context.Context, f ListFilter) ([]Task, error) {
	all, err := d.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AgentID != "" && t.AssignedAgent.OrElse("") != f.AgentID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Remove deletes a task in a terminal state.
func (d *Dispatcher) Remove(ctx context.Context, id string) error {
	err := d.repo.Delete(ctx, id, func(t Task) error {
		if !t.Status.IsTerminal() {
			return types.Errorf(types.ErrInvalidTransition, "task %s is %s, not terminal", id, t.Status)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.events.Publish(event.New(event.TaskRemoved, id))
	return nil
}

// =============================================================================
// Assignment
// =============================================================================

// Outcome is the result class of an assignment attempt.
type Outcome string

const (
	OutcomeAssigned         Outcome = "assigned"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	OutcomeIneligible       Outcome = "ineligible"
)

// AssignResult reports what an assignment attempt did. Ineligibility is
// a result, not an error.
type AssignResult struct {
	Outcome    Outcome                `json:"outcome"`
	TaskID     string                 `json:"task_id"`
	AgentID    types.Optional[string] `json:"agent_id"`
	SessionID  types.Optional[string] `json:"session_id"`
	Candidates int                    `json:"candidates"`
	Reason     types.ErrorCode        `json:"reason,omitempty"`
}

// Assign tries to hand the task to the best eligible agent. A task that
// needs approval and has none yet opens a roundtable instead.
func (d *Dispatcher) Assign(ctx context.Context, taskID string) (AssignResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.assign",
		trace.WithAttributes(attribute.String("dispatch.task_id", taskID)))
	defer span.End()

	res, err := d.assign(ctx, taskID)
	if err != nil {
		span.SetAttributes(attribute.String("error.code", string(types.CodeOf(err))))
		return res, err
	}
	span.SetAttributes(
		attribute.String("dispatch.outcome", string(res.Outcome)),
		attribute.Int("dispatch.candidates", res.Candidates),
	)
	if agent, ok := res.AgentID.Get(); ok {
		span.SetAttributes(attribute.String("dispatch.agent_id", agent))
	}
	return res, nil
}

func (d *Dispatcher) assign(ctx context.Context, taskID string) (AssignResult, error) {
	t, err := d.repo.Get(ctx, taskID)
	if err != nil {
		return AssignResult{}, err
	}
	res := AssignResult{TaskID: taskID, SessionID: t.SessionID}

	switch {
	case t.Status == types.TaskAwaitingApproval && !t.Approved:
		res.Outcome = OutcomeAwaitingApproval
		return res, nil
	case t.Status == types.TaskPending && t.RequiresApproval && !t.Approved:
		return d.requestApproval(ctx, t)
	case !t.Assignable():
		return res, types.Errorf(types.ErrInvalidTransition, "task %s is %s", taskID, t.Status)
	}

	agents, err := d.agents.List(ctx, directory.ListFilter{Capability: t.Capability})
	if err != nil {
		return AssignResult{}, err
	}
	now := d.clock.Now()
	req := t.Requirements()
	ranked := rank(agents, req, d.cfg.Dispatch.Weights, d.cfg.Dispatch.RecencyWindow, now)
	res.Candidates = len(ranked)

	for _, c := range ranked {
		if _, err := d.agents.Reserve(ctx, c.AgentID, req); err != nil {
			// The agent changed since the snapshot; try the next one.
			if types.HasCode(err, types.ErrAgentIneligible) || types.HasCode(err, types.ErrCapacityExceeded) ||
				types.HasCode(err, types.ErrNotFound) {
				continue
			}
			return AssignResult{}, err
		}
		return d.commitAssignment(ctx, t.ID, c, res)
	}

	return d.markIneligible(ctx, t.ID, res, types.ErrNoEligibleAgent)
}

func (d *Dispatcher) commitAssignment(ctx context.Context, taskID string, c Candidate, res AssignResult) (AssignResult, error) {
	now := d.clock.Now()
	t, err := d.repo.Update(ctx, taskID, func(t *Task) error {
		if !t.Assignable() {
			return types.Errorf(types.ErrConflict, "task %s became %s during assignment", taskID, t.Status)
		}
		t.Status = types.TaskAssigned
		t.AssignedAgent = types.Some(c.AgentID)
		t.AssignedAt = now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		if _, rerr := d.agents.Release(ctx, c.AgentID); rerr != nil {
			d.logger.Error("failed to release reserved slot",
				zap.String("task_id", taskID),
				zap.String("agent_id", c.AgentID),
				zap.Error(rerr),
			)
		}
		return AssignResult{}, err
	}

	res.Outcome = OutcomeAssigned
	res.AgentID = types.Some(c.AgentID)
	res.SessionID = t.SessionID
	d.logger.Info("task assigned",
		zap.String("task_id", taskID),
		zap.String("agent_id", c.AgentID),
		zap.Float64("score", c.Score),
		zap.Int("candidates", res.Candidates),
	)
	d.events.Publish(event.New(event.TaskAssigned, taskID).
		With("agent_id", c.AgentID).
		With("score", c.Score).
		With("candidates", res.Candidates))
	return res, nil
}

func (d *Dispatcher) markIneligible(ctx context.Context, taskID string, res AssignResult, reason types.ErrorCode) (AssignResult, error) {
	now := d.clock.Now()
	t, err := d.repo.Update(ctx, taskID, func(t *Task) error {
		if t.Status.IsTerminal() || t.Status.HoldsSlot() {
			return types.Errorf(types.ErrConflict, "task %s became %s during assignment", taskID, t.Status)
		}
		t.AssignAttempts++
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return AssignResult{}, err
	}
	res.Outcome = OutcomeIneligible
	res.Reason = reason
	d.logger.Debug("no eligible agent",
		zap.String("task_id", taskID),
		zap.String("reason", string(reason)),
		zap.Int("attempts", t.AssignAttempts),
	)
	d.events.Publish(event.New(event.TaskIneligible, taskID).
		WithReason(reason).
		With("attempts", t.AssignAttempts).
		With("candidates", res.Candidates))
	return res, nil
}

func (d *Dispatcher) requestApproval(ctx context.Context, t Task) (AssignResult, error) {
	res := AssignResult{TaskID: t.ID}
	s, err := d.roundtable.CreateSession(ctx, governance.SessionRequest{
		Topic:        "approve task " + t.Name,
		TaskID:       t.ID,
		Tier:         t.Tier,
		MinApprovals: types.Some(t.RequiredApprovals),
	})
	if err != nil {
		if types.HasCode(err, types.ErrInsufficientQuorum) {
			return d.markIneligible(ctx, t.ID, res, types.ErrInsufficientQuorum)
		}
		return AssignResult{}, err
	}

	now := d.clock.Now()
	_, err = d.repo.Update(ctx, t.ID, func(t *Task) error {
		if t.Status != types.TaskPending || t.Approved {
			return types.Errorf(types.ErrConflict, "task %s became %s while opening a roundtable", t.ID, t.Status)
		}
		t.Status = types.TaskAwaitingApproval
		t.SessionID = types.Some(s.ID)
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		// Another caller gated the task first; its session is the one
		// that counts.
		if _, werr := d.roundtable.Withdraw(ctx, s.ID); werr != nil {
			d.logger.Error("failed to withdraw orphaned session",
				zap.String("task_id", t.ID),
				zap.String("session_id", s.ID),
				zap.Error(werr),
			)
		}
		return AssignResult{}, err
	}

	res.Outcome = OutcomeAwaitingApproval
	res.SessionID = types.Some(s.ID)
	d.logger.Info("task awaiting approval",
		zap.String("task_id", t.ID),
		zap.String("session_id", s.ID),
		zap.Int("quorum", s.Quorum),
	)
	d.events.Publish(event.New(event.TaskAwaitingApproval, t.ID).
		With("session_id", s.ID).
		With("quorum", s.Quorum))
	return res, nil
}

// HandleResolution applies a roundtable outcome to the task it gates.
// Approval resumes assignment; rejection and expiry fail the task.
// Resolutions for tasks no longer waiting on that session are ignored.
func (d *Dispatcher) HandleResolution(ctx context.Context, r governance.Resolution) {
	if r.TaskID == "" {
		return
	}
	log := d.logger.With(zap.String("task_id", r.TaskID), zap.String("session_id", r.SessionID))

	waiting := func(t *Task) bool {
		sid, ok := t.SessionID.Get()
		return t.Status == types.TaskAwaitingApproval && ok && sid == r.SessionID
	}

	switch r.Status {
	case types.SessionApproved:
		now := d.clock.Now()
		var applied bool
		_, err := d.repo.Update(ctx, r.TaskID, func(t *Task) error {
			applied = false
			if !waiting(t) {
				return nil
			}
			t.Approved = true
			t.Approvals = r.Approvals
			t.UpdatedAt = now
			applied = true
			return nil
		})
		if err != nil {
			log.Warn("failed to record approval", zap.Error(err))
			return
		}
		if !applied {
			return
		}
		d.events.Publish(event.New(event.TaskApproved, r.TaskID).
			With("session_id", r.SessionID).
			With("approvals", r.Approvals))
		res, err := d.Assign(ctx, r.TaskID)
		if err != nil {
			log.Warn("assignment after approval failed", zap.Error(err))
			return
		}
		log.Info("resumed assignment after approval", zap.String("outcome", string(res.Outcome)))

	case types.SessionRejected, types.SessionExpired:
		reason := types.ErrGovernanceRejected
		if r.Status == types.SessionExpired {
			reason = types.ErrSessionExpired
		}
		now := d.clock.Now()
		var applied bool
		t, err := d.repo.Update(ctx, r.TaskID, func(t *Task) error {
			applied = false
			if !waiting(t) {
				return nil
			}
			t.Status = types.TaskFailed
			t.FailureReason = reason
			t.LastError = "roundtable " + string(r.Status)
			t.CompletedAt = now
			t.UpdatedAt = now
			applied = true
			return nil
		})
		if err != nil {
			log.Warn("failed to record roundtable outcome", zap.Error(err))
			return
		}
		if applied {
			d.publishFailed(t)
		}
	}
}

// =============================================================================
// Execution lifecycle
// =============================================================================

// Start moves an assigned task to running.
func (d *Dispatcher) Start(ctx context.Context, id string) (Task, error) {
	now := d.clock.Now()
	t, err := d.repo.Update(ctx, id, func(t *Task) error {
		if t.Status != types.TaskAssigned {
			return types.Errorf(types.ErrInvalidTransition, "task %s is %s, not assigned", id, t.Status)
		}
		if !t.approvalSatisfied() {
			return types.Errorf(types.ErrApprovalPending, "task %s has %d of %d approvals", id, t.Approvals, t.RequiredApprovals)
		}
		t.Status = types.TaskRunning
		t.StartedAt = now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	d.events.Publish(event.New(event.TaskStarted, id).With("agent_id", t.AssignedAgent.OrElse("")))
	return t, nil
}

// Complete records a successful run.
func (d *Dispatcher) Complete(ctx context.Context, id string, output any) (Task, error) {
	now := d.clock.Now()
	t, err := d.repo.Update(ctx, id, func(t *Task) error {
		if t.Status != types.TaskRunning {
			return types.Errorf(types.ErrInvalidTransition, "task %s is %s, not running", id, t.Status)
		}
		t.Status = types.TaskCompleted
		t.Output = output
		t.CompletedAt = now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	agent := t.AssignedAgent.OrElse("")
	d.report(ctx, t.ID, agent, true)
	d.logger.Info("task completed", zap.String("task_id", id), zap.String("agent_id", agent))
	d.events.Publish(event.New(event.TaskCompleted, id).With("agent_id", agent))
	return t, nil
}

// Fail records a failed run. The task goes back to pending while retries
// remain, otherwise it fails for good. The reason is the error's code,
// EXECUTION_FAILED when it has none.
func (d *Dispatcher) Fail(ctx context.Context, id string, cause error) (Task, error) {
	reason := types.CodeOf(cause)
	if reason == "" {
		reason = types.ErrExecutionFailed
	}
	return d.fail(ctx, id, cause, reason, nil)
}

func (d *Dispatcher) fail(ctx context.Context, id string, cause error, reason types.ErrorCode, check func(*Task) error) (Task, error) {
	now := d.clock.Now()
	msg := string(reason)
	if cause != nil {
		msg = cause.Error()
	}

	var agent string
	var retrying bool
	t, err := d.repo.Update(ctx, id, func(t *Task) error {
		if !t.Status.HoldsSlot() {
			return types.Errorf(types.ErrInvalidTransition, "task %s is %s, not assigned or running", id, t.Status)
		}
		if check != nil {
			if err := check(t); err != nil {
				return err
			}
		}
		agent = t.AssignedAgent.OrElse("")
		t.LastError = msg
		t.UpdatedAt = now
		retrying = t.Retries < t.MaxRetries
		if retrying {
			t.Retries++
			t.Status = types.TaskPending
			t.AssignedAgent = types.None[string]()
			t.AssignedAt = time.Time{}
			t.StartedAt = time.Time{}
			return nil
		}
		t.Status = types.TaskFailed
		t.FailureReason = reason
		t.CompletedAt = now
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	d.report(ctx, id, agent, false)
	if retrying {
		d.logger.Info("task retrying",
			zap.String("task_id", id),
			zap.String("reason", string(reason)),
			zap.Int("retry", t.Retries),
			zap.Int("max_retries", t.MaxRetries),
		)
		d.events.Publish(event.New(event.TaskRetrying, id).
			WithReason(reason).
			With("agent_id", agent).
			With("retry", t.Retries))
		return t, nil
	}
	d.publishFailed(t)
	return t, nil
}

// Cancel stops a task in any non-terminal state and frees its slot.
func (d *Dispatcher) Cancel(ctx context.Context, id, reason string) (Task, error) {
	now := d.clock.Now()
	var agent string
	var held bool
	t, err := d.repo.Update(ctx, id, func(t *Task) error {
		if t.Status.IsTerminal() {
			return types.Errorf(types.ErrInvalidTransition, "task %s is already %s", id, t.Status)
		}
		held = t.Status.HoldsSlot()
		agent = t.AssignedAgent.OrElse("")
		t.Status = types.TaskCancelled
		t.FailureReason = types.ErrTaskCancelled
		t.LastError = reason
		t.CompletedAt = now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	if held && agent != "" {
		if _, err := d.agents.Release(ctx, agent); err != nil {
			d.logger.Warn("failed to release slot of cancelled task",
				zap.String("task_id", id), zap.String("agent_id", agent), zap.Error(err))
		}
	}
	d.logger.Info("task cancelled", zap.String("task_id", id), zap.String("reason", reason))
	d.events.Publish(event.New(event.TaskCancelled, id).
		WithReason(types.ErrTaskCancelled).
		With("agent_id", agent).
		With("reason", reason))
	return t, nil
}

// report forwards an outcome to the directory. A removed agent is logged,
// not fatal.
func (d *Dispatcher) report(ctx context.Context, taskID, agent string, success bool) {
	if agent == "" {
		return
	}
	if _, err := d.agents.RecordCompletion(ctx, agent, success); err != nil {
		d.logger.Warn("failed to record completion",
			zap.String("task_id", taskID),
			zap.String("agent_id", agent),
			zap.Bool("success", success),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) publishFailed(t Task) {
	d.logger.Warn("task failed",
		zap.String("task_id", t.ID),
		zap.String("reason", string(t.FailureReason)),
		zap.String("error", t.LastError),
	)
	d.events.Publish(event.New(event.TaskFailed, t.ID).
		WithReason(t.FailureReason).
		With("agent_id", t.AssignedAgent.OrElse("")).
		With("error", t.LastError).
		With("retries", t.Retries))
}

// =============================================================================
// Sweeps
// =============================================================================

// CheckTimeouts fails every running task past its timeout with
// TASK_TIMEOUT. Retries apply as for any failure.
func (d *Dispatcher) CheckTimeouts(ctx context.Context) (int, error) {
	all, err := d.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	now := d.clock.Now()
	n := 0
	for _, t := range all {
		if !t.Overdue(now) {
			continue
		}
		cause := types.Errorf(types.ErrTaskTimeout, "task %s exceeded %s", t.ID, t.Timeout)
		_, err := d.fail(ctx, t.ID, cause, types.ErrTaskTimeout, func(cur *Task) error {
			if !cur.Overdue(now) {
				return types.Errorf(types.ErrInvalidTransition, "task %s no longer overdue", cur.ID)
			}
			return nil
		})
		if err != nil {
			if types.HasCode(err, types.ErrInvalidTransition) || types.HasCode(err, types.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// SweepResult counts what AssignPending did.
type SweepResult struct {
	Assigned         int `json:"assigned"`
	AwaitingApproval int `json:"awaiting_approval"`
	Ineligible       int `json:"ineligible"`
	Exhausted        int `json:"exhausted"`
	Throttled        int `json:"throttled"`
}

// AssignPending attempts every assignable task, highest priority first
// and oldest first within a priority. Attempts are metered by a token
// bucket; tasks left over when it runs dry wait for the next sweep. A task
// that keeps finding no candidate fails with NO_ELIGIBLE_AGENT once it
// reaches the configured attempt ceiling.
func (d *Dispatcher) AssignPending(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	all, err := d.repo.List(ctx)
	if err != nil {
		return res, err
	}
	queue := all[:0]
	for _, t := range all {
		if t.Status == types.TaskPending || t.Assignable() {
			queue = append(queue, t)
		}
	}
	pw := d.cfg.Dispatch.Priority
	sort.SliceStable(queue, func(i, j int) bool {
		wi, wj := pw.Weight(queue[i].Priority), pw.Weight(queue[j].Priority)
		if wi != wj {
			return wi > wj
		}
		if !queue[i].CreatedAt.Equal(queue[j].CreatedAt) {
			return queue[i].CreatedAt.Before(queue[j].CreatedAt)
		}
		return queue[i].ID < queue[j].ID
	})

	for i, t := range queue {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !d.allow() {
			res.Throttled = len(queue) - i
			break
		}
		r, err := d.Assign(ctx, t.ID)
		if err != nil {
			if types.HasCode(err, types.ErrConflict) || types.HasCode(err, types.ErrInvalidTransition) ||
				types.HasCode(err, types.ErrNotFound) {
				continue
			}
			return res, err
		}
		switch r.Outcome {
		case OutcomeAssigned:
			res.Assigned++
		case OutcomeAwaitingApproval:
			res.AwaitingApproval++
		case OutcomeIneligible:
			res.Ineligible++
			exhausted, err := d.exhaust(ctx, t.ID, r.Reason)
			if err != nil {
				return res, err
			}
			if exhausted {
				res.Exhausted++
			}
		}
	}
	if res != (SweepResult{}) {
		d.logger.Debug("assignment sweep",
			zap.Int("assigned", res.Assigned),
			zap.Int("awaiting_approval", res.AwaitingApproval),
			zap.Int("ineligible", res.Ineligible),
			zap.Int("exhausted", res.Exhausted),
			zap.Int("throttled", res.Throttled),
		)
	}
	return res, nil
}

func (d *Dispatcher) allow() bool {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	return d.limiter.AllowN(d.clock.Now(), 1)
}

// exhaust fails a task whose ineligible attempts reached the ceiling.
func (d *Dispatcher) exhaust(ctx context.Context, id string, reason types.ErrorCode) (bool, error) {
	ceiling := d.cfg.Dispatch.MaxAssignAttempts
	if ceiling < 1 {
		return false, nil
	}
	now := d.clock.Now()
	var applied bool
	t, err := d.repo.Update(ctx, id, func(t *Task) error {
		applied = false
		if t.Status.IsTerminal() || t.Status.HoldsSlot() || t.AssignAttempts < ceiling {
			return nil
		}
		t.Status = types.TaskFailed
		t.FailureReason = types.ErrNoEligibleAgent
		t.LastError = "no eligible agent after " + strconv.Itoa(t.AssignAttempts) + " attempts (" + string(reason) + ")"
		t.CompletedAt = now
		t.UpdatedAt = now
		applied = true
		return nil
	})
	if err != nil {
		if types.HasCode(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if applied {
		d.publishFailed(t)
	}
	return applied, nil
}
