package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/fleet/directory"
	"github.com/issdandavis/spiralverse-protocol/fleet/event"
	"github.com/issdandavis/spiralverse-protocol/fleet/governance"
	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/testutil/mocks"
	"github.com/issdandavis/spiralverse-protocol/types"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	dir    *directory.Directory
	gov    *governance.Engine
	disp   *Dispatcher
	events *mocks.EventRecorder
	clock  *clock.FakeClock
}

func newFixture(t require.TestingT, cfg Config, opts ...Option) *fixture {
	rec := mocks.NewEventRecorder()
	fake := clock.Fake(epoch)
	dir := directory.New(directory.DefaultConfig(), directory.WithClock(fake), directory.WithEvents(rec))
	gov := governance.New(config.DefaultGovernanceConfig(), dir,
		governance.WithClock(fake),
		governance.WithEvents(rec),
	)
	opts = append([]Option{WithClock(fake), WithEvents(rec)}, opts...)
	disp := New(cfg, dir, gov, opts...)
	gov.OnResolved(disp.HandleResolution)
	return &fixture{dir: dir, gov: gov, disp: disp, events: rec, clock: fake}
}

func uniform(x float64) []float64 {
	return []float64{x, x, x, x, x, x}
}

func (f *fixture) register(t require.TestingT, id string, ceiling types.Tier, trust float64, maxConcurrent int, caps ...types.Capability) {
	if len(caps) == 0 {
		caps = []types.Capability{types.CapabilityCodeGeneration, types.CapabilityDeployment}
	}
	_, err := f.dir.Register(context.Background(), directory.RegisterRequest{
		ID:            id,
		Capabilities:  caps,
		TierCeiling:   ceiling,
		Trust:         uniform(trust),
		MaxConcurrent: maxConcurrent,
	})
	require.NoError(t, err)
}

func (f *fixture) create(t require.TestingT, opts CreateOptions) Task {
	if opts.Capability == "" {
		opts.Capability = types.CapabilityCodeGeneration
	}
	task, err := f.disp.Create(context.Background(), opts)
	require.NoError(t, err)
	return task
}

func (f *fixture) agent(t require.TestingT, id string) directory.Agent {
	a, err := f.dir.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) task(t require.TestingT, id string) Task {
	task, err := f.disp.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

// =============================================================================
// Creation
// =============================================================================

func TestCreateDefaults(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	task := f.create(t, CreateOptions{Tier: types.TierExecute, Priority: types.PriorityMedium})
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, 0.5, task.MinTrust)
	assert.False(t, task.RequiresApproval)
	assert.Equal(t, 1, task.RequiredApprovals)
	assert.Equal(t, 5*time.Minute, task.Timeout)
	assert.Equal(t, 3, task.MaxRetries)
	assert.NotEmpty(t, task.ID)
	assert.Len(t, f.events.OfType(event.TaskCreated), 1)

	gated := f.create(t, CreateOptions{Tier: types.TierDeploy})
	assert.True(t, gated.RequiresApproval)
	assert.Equal(t, 3, gated.RequiredApprovals)

	overridden := f.create(t, CreateOptions{
		Tier:             types.TierDeploy,
		RequiresApproval: types.Some(false),
		MinTrust:         types.Some(0.9),
		MaxRetries:       types.Some(0),
	})
	assert.False(t, overridden.RequiresApproval)
	assert.Equal(t, 0.9, overridden.MinTrust)
	assert.Equal(t, 0, overridden.MaxRetries)
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		opts CreateOptions
	}{
		{"unknown capability", CreateOptions{Capability: "juggling"}},
		{"bad tier", CreateOptions{Capability: types.CapabilityTesting, Tier: types.Tier(9)}},
		{"bad priority", CreateOptions{Capability: types.CapabilityTesting, Priority: types.Priority(9)}},
		{"min trust above one", CreateOptions{Capability: types.CapabilityTesting, MinTrust: types.Some(1.2)}},
		{"negative retries", CreateOptions{Capability: types.CapabilityTesting, MaxRetries: types.Some(-1)}},
		{"negative timeout", CreateOptions{Capability: types.CapabilityTesting, Timeout: types.Some(-time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.disp.Create(ctx, tt.opts)
			assert.True(t, types.HasCode(err, types.ErrInvalidInput), "got %v", err)
		})
	}

	f.create(t, CreateOptions{ID: "dup"})
	_, err := f.disp.Create(ctx, CreateOptions{ID: "dup", Capability: types.CapabilityTesting})
	assert.True(t, types.HasCode(err, types.ErrAlreadyExists))
}

// =============================================================================
// Assignment
// =============================================================================

func TestAssignIneligibleTier(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierExecute, 0.6, 0)
	require.Equal(t, types.TrustMedium, f.agent(t, "agent-a").TrustLevel)

	direct := f.create(t, CreateOptions{Tier: types.TierAdmin, RequiresApproval: types.Some(false), MinTrust: types.Some(0.0)})
	res, err := f.disp.Assign(ctx, direct.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIneligible, res.Outcome)
	assert.Equal(t, 0, res.Candidates)
	assert.Equal(t, types.ErrNoEligibleAgent, res.Reason)
	assert.False(t, res.AgentID.IsSet())
	assert.Equal(t, 1, f.task(t, direct.ID).AssignAttempts)
	assert.Equal(t, types.TaskPending, f.task(t, direct.ID).Status)

	// Gated at admin: nobody can form the roundtable either.
	gated := f.create(t, CreateOptions{Tier: types.TierAdmin})
	res, err = f.disp.Assign(ctx, gated.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIneligible, res.Outcome)
	assert.Equal(t, 0, res.Candidates)
	assert.Equal(t, types.ErrInsufficientQuorum, res.Reason)
	assert.Len(t, f.events.OfType(event.TaskIneligible), 2)
}

func TestAssignPicksHighestScore(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.8, 0)
	f.register(t, "agent-b", types.TierAdmin, 0.9, 0)
	f.register(t, "agent-c", types.TierAdmin, 0.95, 0, types.CapabilityTesting)

	task := f.create(t, CreateOptions{Tier: types.TierExecute})
	res, err := f.disp.Assign(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
	assert.Equal(t, types.Some("agent-b"), res.AgentID)
	assert.Equal(t, 2, res.Candidates)

	got := f.task(t, task.ID)
	assert.Equal(t, types.TaskAssigned, got.Status)
	assert.Equal(t, types.Some("agent-b"), got.AssignedAgent)

	b := f.agent(t, "agent-b")
	assert.Equal(t, 1, b.ActiveTasks)
	assert.Equal(t, types.AgentBusy, b.Status)
}

func TestAssignTieBreaksOnAgentID(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "beta", types.TierAdmin, 0.8, 0)
	f.register(t, "alpha", types.TierAdmin, 0.8, 0)

	task := f.create(t, CreateOptions{Tier: types.TierWrite})
	res, err := f.disp.Assign(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Some("alpha"), res.AgentID)
}

func TestAssignSkipsCollapsedAndFullAgents(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 1)
	f.register(t, "agent-b", types.TierAdmin, 0.8, 1)
	require.NoError(t, f.dir.RecordHealth(ctx, "agent-b", types.DimensionCollapsed, 0))

	first := f.create(t, CreateOptions{Tier: types.TierWrite})
	res, err := f.disp.Assign(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Some("agent-a"), res.AgentID)

	second := f.create(t, CreateOptions{Tier: types.TierWrite})
	res, err = f.disp.Assign(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIneligible, res.Outcome)
}

func TestAssignRejectsNonAssignableTask(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 0)

	task := f.create(t, CreateOptions{Tier: types.TierWrite})
	_, err := f.disp.Assign(ctx, task.ID)
	require.NoError(t, err)

	_, err = f.disp.Assign(ctx, task.ID)
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))

	_, err = f.disp.Assign(ctx, "ghost")
	assert.True(t, types.HasCode(err, types.ErrNotFound))
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestTaskCompletionLifecycle(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.8, 0)

	task := f.create(t, CreateOptions{Tier: types.TierWrite})

	_, err := f.disp.Start(ctx, task.ID)
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))

	_, err = f.disp.Assign(ctx, task.ID)
	require.NoError(t, err)

	_, err = f.disp.Complete(ctx, task.ID, "done")
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition), "complete requires running")

	f.clock.Advance(time.Second)
	running, err := f.disp.Start(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, running.Status)
	assert.True(t, running.StartedAt.Equal(epoch.Add(time.Second)))

	done, err := f.disp.Complete(ctx, task.ID, map[string]any{"lines": 42})
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.Status)
	assert.Equal(t, map[string]any{"lines": 42}, done.Output)

	a := f.agent(t, "agent-a")
	assert.Equal(t, 0, a.ActiveTasks)
	assert.Equal(t, 1, a.Completed)
	assert.Equal(t, types.AgentIdle, a.Status)
	assert.InDelta(t, 0.55, a.SuccessRate, 1e-9)

	completed := f.events.OfType(event.TaskCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "agent-a", completed[0].Data["agent_id"])

	require.NoError(t, f.disp.Remove(ctx, task.ID))
	_, err = f.disp.Get(ctx, task.ID)
	assert.True(t, types.HasCode(err, types.ErrNotFound))
}

func TestRetryExhaustion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 0)

	task := f.create(t, CreateOptions{Tier: types.TierWrite, MinTrust: types.Some(0.0)})
	require.Equal(t, 3, task.MaxRetries)

	for i := 1; i <= 4; i++ {
		res, err := f.disp.Assign(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, OutcomeAssigned, res.Outcome, "attempt %d", i)
		_, err = f.disp.Start(ctx, task.ID)
		require.NoError(t, err)

		got, err := f.disp.Fail(ctx, task.ID, errors.New("compile error"))
		require.NoError(t, err)
		if i <= 3 {
			assert.Equal(t, types.TaskPending, got.Status, "failure %d retries", i)
			assert.Equal(t, i, got.Retries)
			assert.False(t, got.AssignedAgent.IsSet())
			continue
		}
		assert.Equal(t, types.TaskFailed, got.Status, "fourth failure is terminal")
		assert.Equal(t, types.ErrExecutionFailed, got.FailureReason)
		assert.Equal(t, "compile error", got.LastError)
		assert.Equal(t, types.Some("agent-a"), got.AssignedAgent)
	}

	a := f.agent(t, "agent-a")
	assert.Equal(t, 0, a.ActiveTasks)
	assert.Equal(t, 4, a.Failed)
	assert.Len(t, f.events.OfType(event.TaskRetrying), 3)
	assert.Len(t, f.events.OfType(event.TaskFailed), 1)

	_, err := f.disp.Fail(ctx, task.ID, nil)
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))
}

func TestFailKeepsErrorCode(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 0)

	task := f.create(t, CreateOptions{Tier: types.TierWrite, MaxRetries: types.Some(0)})
	_, err := f.disp.Assign(ctx, task.ID)
	require.NoError(t, err)

	got, err := f.disp.Fail(ctx, task.ID, types.NewError(types.ErrTaskTimeout, "worker gave up"))
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.ErrTaskTimeout, got.FailureReason)

	failed := f.events.OfType(event.TaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, types.ErrTaskTimeout, failed[0].Reason)
}

func TestCancelReleasesSlot(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 0)

	task := f.create(t, CreateOptions{Tier: types.TierWrite})
	_, err := f.disp.Assign(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.agent(t, "agent-a").ActiveTasks)

	got, err := f.disp.Cancel(ctx, task.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.Status)
	assert.Equal(t, types.ErrTaskCancelled, got.FailureReason)
	assert.Equal(t, 0, f.agent(t, "agent-a").ActiveTasks)
	assert.Equal(t, 0, f.agent(t, "agent-a").Completed, "cancellation is not an outcome")

	_, err = f.disp.Cancel(ctx, task.ID, "again")
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))
}

// =============================================================================
// Roundtable gating
// =============================================================================

func gatedFixture(t *testing.T) (*fixture, Task, string) {
	t.Helper()
	f := newFixture(t, DefaultConfig())
	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		f.register(t, id, types.TierAdmin, 0.8, 0)
	}
	task := f.create(t, CreateOptions{Capability: types.CapabilityDeployment, Tier: types.TierDeploy})

	res, err := f.disp.Assign(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeAwaitingApproval, res.Outcome)
	sid, ok := res.SessionID.Get()
	require.True(t, ok)
	return f, task, sid
}

func TestApprovalResumesAssignment(t *testing.T) {
	f, task, sid := gatedFixture(t)
	ctx := context.Background()

	got := f.task(t, task.ID)
	assert.Equal(t, types.TaskAwaitingApproval, got.Status)
	assert.Equal(t, types.Some(sid), got.SessionID)

	res, err := f.disp.Assign(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingApproval, res.Outcome, "assign while waiting is a no-op")
	assert.Len(t, f.events.OfType(event.SessionCreated), 1)

	for _, voter := range []string{"agent-a", "agent-b", "agent-c"} {
		_, err := f.gov.CastVote(ctx, sid, voter, types.VoteApprove)
		require.NoError(t, err)
	}

	got = f.task(t, task.ID)
	assert.Equal(t, types.TaskAssigned, got.Status)
	assert.True(t, got.Approved)
	assert.Equal(t, 3, got.Approvals)
	assert.Len(t, f.events.OfType(event.TaskApproved), 1)

	_, err = f.disp.Start(ctx, task.ID)
	assert.NoError(t, err)
}

func TestRejectionFailsTask(t *testing.T) {
	f, task, sid := gatedFixture(t)
	ctx := context.Background()

	_, err := f.gov.CastVote(ctx, sid, "agent-a", types.VoteReject)
	require.NoError(t, err)
	_, err = f.gov.CastVote(ctx, sid, "agent-b", types.VoteReject)
	require.NoError(t, err)

	got := f.task(t, task.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.ErrGovernanceRejected, got.FailureReason)

	failed := f.events.OfType(event.TaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, types.ErrGovernanceRejected, failed[0].Reason)
}

func TestExpiryFailsTask(t *testing.T) {
	f, task, _ := gatedFixture(t)
	ctx := context.Background()

	f.clock.Advance(11 * time.Minute)
	n, err := f.gov.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.task(t, task.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.ErrSessionExpired, got.FailureReason)
}

func TestCancelledTaskIgnoresLateApproval(t *testing.T) {
	f, task, sid := gatedFixture(t)
	ctx := context.Background()

	_, err := f.disp.Cancel(ctx, task.ID, "no longer needed")
	require.NoError(t, err)

	for _, voter := range []string{"agent-a", "agent-b", "agent-c"} {
		_, err := f.gov.CastVote(ctx, sid, voter, types.VoteApprove)
		require.NoError(t, err)
	}

	got := f.task(t, task.ID)
	assert.Equal(t, types.TaskCancelled, got.Status)
	assert.False(t, got.Approved)
	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		assert.Equal(t, 0, f.agent(t, id).ActiveTasks)
	}
}

func TestRetryKeepsApproval(t *testing.T) {
	f, task, sid := gatedFixture(t)
	ctx := context.Background()

	for _, voter := range []string{"agent-a", "agent-b", "agent-c"} {
		_, err := f.gov.CastVote(ctx, sid, voter, types.VoteApprove)
		require.NoError(t, err)
	}
	got, err := f.disp.Fail(ctx, task.ID, errors.New("rollout flaked"))
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.True(t, got.Approved)

	res, err := f.disp.Assign(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
	assert.Len(t, f.events.OfType(event.SessionCreated), 1, "no second roundtable")
}

func TestGatedTaskHonorsRequiredApprovals(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	for _, id := range []string{"agent-a", "agent-b", "agent-c", "agent-d"} {
		f.register(t, id, types.TierAdmin, 0.8, 0)
	}
	task := f.create(t, CreateOptions{
		Capability:        types.CapabilityDeployment,
		Tier:              types.TierDeploy,
		RequiredApprovals: types.Some(4),
	})

	res, err := f.disp.Assign(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeAwaitingApproval, res.Outcome)
	sid, _ := res.SessionID.Get()
	s, err := f.gov.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Quorum)

	for _, voter := range []string{"agent-a", "agent-b", "agent-c"} {
		_, err := f.gov.CastVote(ctx, sid, voter, types.VoteApprove)
		require.NoError(t, err)
	}
	got := f.task(t, task.ID)
	assert.Equal(t, types.TaskAwaitingApproval, got.Status, "three approvals are not enough")
	assert.False(t, got.Approved)
	for _, id := range []string{"agent-a", "agent-b", "agent-c", "agent-d"} {
		assert.Zero(t, f.agent(t, id).ActiveTasks)
	}

	_, err = f.gov.CastVote(ctx, sid, "agent-d", types.VoteApprove)
	require.NoError(t, err)
	got = f.task(t, task.ID)
	require.Equal(t, types.TaskAssigned, got.Status)
	assert.Equal(t, 4, got.Approvals)
	_, err = f.disp.Start(ctx, task.ID)
	assert.NoError(t, err)
}

func TestRequiredApprovalsBeyondParticipants(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		f.register(t, id, types.TierAdmin, 0.8, 0)
	}
	task := f.create(t, CreateOptions{
		Capability:        types.CapabilityDeployment,
		Tier:              types.TierDeploy,
		RequiredApprovals: types.Some(4),
	})

	res, err := f.disp.Assign(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIneligible, res.Outcome)
	assert.Equal(t, types.ErrInsufficientQuorum, res.Reason)
	assert.Equal(t, types.TaskPending, f.task(t, task.ID).Status)
	assert.Empty(t, f.events.OfType(event.SessionCreated))
}

// racingRoundtable lets a second Assign gate the task while the first
// one is still opening its session.
type racingRoundtable struct {
	*governance.Engine
	disp  *Dispatcher
	raced bool
}

func (r *racingRoundtable) CreateSession(ctx context.Context, req governance.SessionRequest) (governance.Session, error) {
	s, err := r.Engine.CreateSession(ctx, req)
	if err == nil && !r.raced {
		r.raced = true
		if _, aerr := r.disp.Assign(ctx, req.TaskID); aerr != nil {
			return governance.Session{}, aerr
		}
	}
	return s, err
}

func TestConcurrentGatingWithdrawsLosingSession(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		f.register(t, id, types.TierAdmin, 0.8, 0)
	}
	rt := &racingRoundtable{Engine: f.gov}
	disp := New(DefaultConfig(), f.dir, rt, WithClock(f.clock), WithEvents(f.events))
	rt.disp = disp
	f.gov.OnResolved(disp.HandleResolution)

	task, err := disp.Create(ctx, CreateOptions{Capability: types.CapabilityDeployment, Tier: types.TierDeploy})
	require.NoError(t, err)

	_, err = disp.Assign(ctx, task.ID)
	assert.True(t, types.HasCode(err, types.ErrConflict), "got %v", err)

	got, err := disp.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskAwaitingApproval, got.Status)
	winner, ok := got.SessionID.Get()
	require.True(t, ok)

	active, err := f.gov.List(ctx, governance.ListFilter{Status: types.SessionActive, TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, winner, active[0].ID)
	assert.Len(t, f.events.OfType(event.SessionExpired), 1)

	for _, voter := range []string{"agent-a", "agent-b", "agent-c"} {
		_, err := f.gov.CastVote(ctx, winner, voter, types.VoteApprove)
		require.NoError(t, err)
	}
	got, err = disp.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, got.Status)
}

// =============================================================================
// Sweeps
// =============================================================================

func TestCheckTimeouts(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 0)

	slow := f.create(t, CreateOptions{Tier: types.TierWrite, Timeout: types.Some(time.Minute), MaxRetries: types.Some(0)})
	patient := f.create(t, CreateOptions{Tier: types.TierWrite, Timeout: types.Some(time.Hour)})
	for _, id := range []string{slow.ID, patient.ID} {
		_, err := f.disp.Assign(ctx, id)
		require.NoError(t, err)
		_, err = f.disp.Start(ctx, id)
		require.NoError(t, err)
	}

	n, err := f.disp.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.disp.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.task(t, slow.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.ErrTaskTimeout, got.FailureReason)
	assert.Equal(t, types.TaskRunning, f.task(t, patient.ID).Status)
}

func TestCheckTimeoutsCoversUnstartedTasks(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 0)

	idle := f.create(t, CreateOptions{Tier: types.TierWrite, Timeout: types.Some(time.Minute), MaxRetries: types.Some(0)})
	_, err := f.disp.Assign(ctx, idle.ID)
	require.NoError(t, err)
	got := f.task(t, idle.ID)
	require.Equal(t, types.TaskAssigned, got.Status)
	assert.True(t, got.AssignedAt.Equal(epoch))
	assert.Equal(t, 1, f.agent(t, "agent-a").ActiveTasks)

	f.clock.Advance(30 * time.Second)
	n, err := f.disp.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Minute)
	n, err = f.disp.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got = f.task(t, idle.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.ErrTaskTimeout, got.FailureReason)
	assert.Zero(t, f.agent(t, "agent-a").ActiveTasks)
}

func TestAssignPendingPriorityOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 1)

	low := f.create(t, CreateOptions{ID: "low", Tier: types.TierWrite, Priority: types.PriorityLow})
	f.clock.Advance(time.Second)
	urgent := f.create(t, CreateOptions{ID: "urgent", Tier: types.TierWrite, Priority: types.PriorityCritical})

	res, err := f.disp.AssignPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Assigned: 1, Ineligible: 1}, res)
	assert.Equal(t, types.TaskAssigned, f.task(t, urgent.ID).Status)
	assert.Equal(t, types.TaskPending, f.task(t, low.ID).Status)
	assert.Equal(t, 1, f.task(t, low.ID).AssignAttempts)
}

func TestAssignPendingExhaustsAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.MaxAssignAttempts = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 0, types.CapabilityTesting)

	task := f.create(t, CreateOptions{Capability: types.CapabilitySecurityAudit, Tier: types.TierWrite})

	res, err := f.disp.AssignPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Ineligible: 1}, res)

	res, err = f.disp.AssignPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Ineligible: 1, Exhausted: 1}, res)

	got := f.task(t, task.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.ErrNoEligibleAgent, got.FailureReason)

	res, err = f.disp.AssignPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestAssignPendingThrottles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.AssignRate = 1
	cfg.Dispatch.AssignBurst = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		f.create(t, CreateOptions{ID: id, Tier: types.TierWrite})
	}

	res, err := f.disp.AssignPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ineligible)
	assert.Equal(t, 2, res.Throttled)

	f.clock.Advance(time.Second)
	res, err = f.disp.AssignPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ineligible)
	assert.Equal(t, 2, res.Throttled)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, DefaultConfig(), WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()
	f.register(t, "agent-a", types.TierAdmin, 0.9, 0)

	a := f.create(t, CreateOptions{ID: "a", Tier: types.TierWrite})
	f.create(t, CreateOptions{ID: "b", Tier: types.TierWrite, Capability: types.CapabilityTesting})
	_, err := f.disp.Assign(ctx, a.ID)
	require.NoError(t, err)

	assigned, err := f.disp.List(ctx, ListFilter{Status: types.TaskAssigned})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, "a", assigned[0].ID)

	byAgent, err := f.disp.List(ctx, ListFilter{AgentID: "agent-a"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 1)

	all, err := f.disp.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	err = f.disp.Remove(ctx, a.ID)
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))
}

func TestAssignSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := newFixture(t, DefaultConfig(), WithTracer(tp.Tracer("test")))
	f.register(t, "agent-a", types.TierAdmin, 0.9, 0)

	task := f.create(t, CreateOptions{Tier: types.TierWrite})
	_, err := f.disp.Assign(context.Background(), task.ID)
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispatch.assign", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("dispatch.outcome", "assigned"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("dispatch.agent_id", "agent-a"))
}
