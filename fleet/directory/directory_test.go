package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/issdandavis/spiralverse-protocol/fleet/event"
	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/testutil/mocks"
	"github.com/issdandavis/spiralverse-protocol/types"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func trustOf(x float64) []float64 {
	return []float64{x, x, x, x, x, x}
}

func newTestDirectory(t *testing.T) (*Directory, *mocks.EventRecorder, *clock.FakeClock) {
	t.Helper()
	rec := mocks.NewEventRecorder()
	fake := clock.Fake(epoch)
	d := New(DefaultConfig(),
		WithEvents(rec),
		WithClock(fake),
		WithLogger(zaptest.NewLogger(t)),
	)
	return d, rec, fake
}

func register(t *testing.T, d *Directory, id string, ceiling types.Tier, trust float64, caps ...types.Capability) Agent {
	t.Helper()
	if len(caps) == 0 {
		caps = []types.Capability{types.CapabilityCodeGeneration}
	}
	a, err := d.Register(context.Background(), RegisterRequest{
		ID:           id,
		Capabilities: caps,
		TierCeiling:  ceiling,
		Trust:        trustOf(trust),
	})
	require.NoError(t, err)
	return a
}

func TestRegister(t *testing.T) {
	d, rec, _ := newTestDirectory(t)

	a := register(t, d, "a1", types.TierExecute, 0.6)
	assert.Equal(t, types.AgentIdle, a.Status)
	assert.Equal(t, 0, a.ActiveTasks)
	assert.Equal(t, types.TrustMedium, a.TrustLevel)
	assert.InDelta(t, 0.6, a.TrustScore, 1e-9)
	assert.InDelta(t, 0.5, a.SuccessRate, 1e-9)
	assert.Equal(t, 3, a.MaxConcurrent)
	assert.Len(t, a.IdentityHash, 64)
	assert.Equal(t, "a1", a.Name)
	assert.True(t, a.RegisteredAt.Equal(epoch))
	assert.Len(t, rec.OfType(event.AgentRegistered), 1)

	_, err := d.Register(context.Background(), RegisterRequest{ID: "a1", Trust: trustOf(0.5)})
	assert.True(t, types.HasCode(err, types.ErrAlreadyExists))
}

func TestRegister_Rejections(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, RegisterRequest{Trust: []float64{0.5, 0.5, 0.5}})
	assert.True(t, types.HasCode(err, types.ErrInvalidTrustVector))

	_, err = d.Register(ctx, RegisterRequest{Trust: trustOf(0.5), Capabilities: []types.Capability{"juggling"}})
	assert.True(t, types.HasCode(err, types.ErrInvalidInput))

	_, err = d.Register(ctx, RegisterRequest{Trust: trustOf(0.5), TierCeiling: types.Tier(99)})
	assert.True(t, types.HasCode(err, types.ErrInvalidInput))

	_, err = d.Register(ctx, RegisterRequest{Trust: trustOf(0.5), MaxConcurrent: -1})
	assert.True(t, types.HasCode(err, types.ErrInvalidInput))

	all, err := d.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRegister_CriticalTrustStaysIdleButAlerts(t *testing.T) {
	d, rec, _ := newTestDirectory(t)

	a := register(t, d, "a1", types.TierAdmin, 0.1)
	assert.Equal(t, types.AgentIdle, a.Status)
	assert.Equal(t, types.TrustCritical, a.TrustLevel)
	assert.Len(t, rec.OfType(event.SecurityAlert), 1)

	eligible, err := d.EligibleForTier(context.Background(), types.TierReadOnly)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

// Updating trust to a critical vector quarantines the agent and raises a
// security alert without any caller asking for it.
func TestUpdateTrust_CriticalAutoQuarantines(t *testing.T) {
	d, rec, _ := newTestDirectory(t)
	ctx := context.Background()
	before := register(t, d, "a1", types.TierDeploy, 0.8)

	a, err := d.UpdateTrust(ctx, "a1", trustOf(0.05))
	require.NoError(t, err)

	assert.Equal(t, types.AgentQuarantined, a.Status)
	assert.Equal(t, types.TrustCritical, a.TrustLevel)
	assert.NotEqual(t, before.IdentityHash, a.IdentityHash)

	alerts := rec.OfType(event.SecurityAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a1", alerts[0].Subject)
	assert.Equal(t, types.ErrTrustCritical, alerts[0].Reason)
	assert.Len(t, rec.OfType(event.AgentQuarantined), 1)

	// a second critical update alerts again but does not re-quarantine
	_, err = d.UpdateTrust(ctx, "a1", trustOf(0.0))
	require.NoError(t, err)
	assert.Len(t, rec.OfType(event.SecurityAlert), 2)
	assert.Len(t, rec.OfType(event.AgentQuarantined), 1)
}

func TestUpdateTrust_Rejections(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	register(t, d, "a1", types.TierWrite, 0.5)

	_, err := d.UpdateTrust(context.Background(), "a1", []float64{1})
	assert.True(t, types.HasCode(err, types.ErrInvalidTrustVector))

	_, err = d.UpdateTrust(context.Background(), "ghost", trustOf(0.5))
	assert.True(t, types.HasCode(err, types.ErrNotFound))
}

func TestRecordCompletion(t *testing.T) {
	d, rec, fake := newTestDirectory(t)
	ctx := context.Background()
	register(t, d, "a1", types.TierExecute, 0.6)

	req := Requirements{Capability: types.CapabilityCodeGeneration, Tier: types.TierWrite}
	_, err := d.Reserve(ctx, "a1", req)
	require.NoError(t, err)
	_, err = d.Reserve(ctx, "a1", req)
	require.NoError(t, err)

	fake.Advance(time.Minute)
	a, err := d.RecordCompletion(ctx, "a1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Completed)
	assert.Equal(t, 0, a.Failed)
	assert.Equal(t, 1, a.ActiveTasks)
	assert.Equal(t, types.AgentBusy, a.Status)
	assert.InDelta(t, 0.55, a.SuccessRate, 1e-9)
	assert.InDelta(t, 0.62, a.Trust[0], 1e-9)
	assert.True(t, a.LastActivity.Equal(epoch.Add(time.Minute)))

	a, err = d.RecordCompletion(ctx, "a1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Completed)
	assert.Equal(t, 1, a.Failed)
	assert.Equal(t, 0, a.ActiveTasks)
	assert.Equal(t, types.AgentIdle, a.Status)
	assert.InDelta(t, 0.495, a.SuccessRate, 1e-9)
	assert.InDelta(t, 0.57, a.Trust[0], 1e-9)
	assert.Len(t, rec.OfType(event.AgentCompletion), 2)
}

func TestRecordCompletion_TrustClamped(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()
	register(t, d, "hi", types.TierAdmin, 0.99)
	register(t, d, "lo", types.TierAdmin, 0.27)

	a, err := d.RecordCompletion(ctx, "hi", true)
	require.NoError(t, err)
	for _, x := range a.Trust {
		assert.Equal(t, 1.0, x)
	}

	// 0.27 - 0.05 = 0.22 drops below the low threshold
	a, err = d.RecordCompletion(ctx, "lo", false)
	require.NoError(t, err)
	assert.Equal(t, types.TrustCritical, a.TrustLevel)
	assert.Equal(t, types.AgentQuarantined, a.Status)
	assert.Equal(t, 0, a.ActiveTasks)
}

func TestEligibleForTier(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	register(t, d, "c-high-destructive", types.TierDestructive, 0.9)
	register(t, d, "b-medium-admin", types.TierAdmin, 0.6)
	register(t, d, "a-low-admin", types.TierAdmin, 0.3)
	register(t, d, "d-high-write", types.TierWrite, 0.9)
	register(t, d, "e-suspended", types.TierDestructive, 0.9)
	_, err := d.Suspend(ctx, "e-suspended", "review")
	require.NoError(t, err)

	ids := func(tier types.Tier) []string {
		agents, err := d.EligibleForTier(ctx, tier)
		require.NoError(t, err)
		out := make([]string, 0, len(agents))
		for _, a := range agents {
			out = append(out, a.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a-low-admin", "b-medium-admin", "c-high-destructive", "d-high-write"}, ids(types.TierWrite))
	// low trust caps at write regardless of the admin ceiling
	assert.Equal(t, []string{"b-medium-admin", "c-high-destructive"}, ids(types.TierExecute))
	assert.Equal(t, []string{"b-medium-admin", "c-high-destructive"}, ids(types.TierDeploy))
	// medium trust caps at deploy
	assert.Equal(t, []string{"c-high-destructive"}, ids(types.TierAdmin))
	assert.Equal(t, []string{"c-high-destructive"}, ids(types.TierDestructive))
}

func TestReserve_Rechecks(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()
	a, err := d.Register(ctx, RegisterRequest{
		ID: "a1", Capabilities: []types.Capability{types.CapabilityTesting},
		TierCeiling: types.TierExecute, Trust: trustOf(0.6), MaxConcurrent: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, a.MaxConcurrent)

	req := Requirements{Capability: types.CapabilityTesting, Tier: types.TierExecute, MinTrust: 0.5}

	_, err = d.Reserve(ctx, "a1", Requirements{Capability: types.CapabilityDeployment, Tier: types.TierWrite})
	assert.True(t, types.HasCode(err, types.ErrAgentIneligible))

	_, err = d.Reserve(ctx, "a1", Requirements{Capability: types.CapabilityTesting, Tier: types.TierAdmin})
	assert.True(t, types.HasCode(err, types.ErrAgentIneligible))

	_, err = d.Reserve(ctx, "a1", Requirements{Capability: types.CapabilityTesting, MinTrust: 0.7})
	assert.True(t, types.HasCode(err, types.ErrAgentIneligible))

	a, err = d.Reserve(ctx, "a1", req)
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, a.Status)

	_, err = d.Reserve(ctx, "a1", req)
	assert.True(t, types.HasCode(err, types.ErrCapacityExceeded))

	a, err = d.Release(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, a.Status)

	require.NoError(t, d.RecordHealth(ctx, "a1", types.DimensionCollapsed, 0))
	_, err = d.Reserve(ctx, "a1", req)
	assert.True(t, types.HasCode(err, types.ErrAgentIneligible))
}

func TestRemove_RequiresQuiescence(t *testing.T) {
	d, rec, _ := newTestDirectory(t)
	ctx := context.Background()
	register(t, d, "a1", types.TierWrite, 0.5)

	_, err := d.Reserve(ctx, "a1", Requirements{Capability: types.CapabilityCodeGeneration})
	require.NoError(t, err)
	assert.True(t, types.HasCode(d.Remove(ctx, "a1"), types.ErrAgentActive))

	_, err = d.Release(ctx, "a1")
	require.NoError(t, err)

	voting := true
	d.AddQuiescenceGuard(func(_ context.Context, id string) (bool, error) {
		return voting && id == "a1", nil
	})
	assert.True(t, types.HasCode(d.Remove(ctx, "a1"), types.ErrAgentActive))

	voting = false
	require.NoError(t, d.Remove(ctx, "a1"))
	_, err = d.Get(ctx, "a1")
	assert.True(t, types.HasCode(err, types.ErrNotFound))
	assert.Len(t, rec.OfType(event.AgentRemoved), 1)
}

func TestRemove_GuardMayReadAgents(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()
	register(t, d, "a1", types.TierWrite, 0.5)

	// A guard backed by another component may look the agent up again.
	d.AddQuiescenceGuard(func(ctx context.Context, id string) (bool, error) {
		a, err := d.Get(ctx, id)
		if err != nil {
			return false, err
		}
		return a.Status.Barred(), nil
	})

	done := make(chan error, 1)
	go func() { done <- d.Remove(ctx, "a1") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Remove blocked while a guard read the agent")
	}

	assert.True(t, types.HasCode(d.Remove(ctx, "a1"), types.ErrNotFound))
}

func TestStatusTransitions(t *testing.T) {
	d, rec, _ := newTestDirectory(t)
	ctx := context.Background()
	register(t, d, "a1", types.TierWrite, 0.5)

	a, err := d.MarkOffline(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentOffline, a.Status)

	_, err = d.Reserve(ctx, "a1", Requirements{Capability: types.CapabilityCodeGeneration})
	assert.True(t, types.HasCode(err, types.ErrAgentIneligible))

	a, err = d.MarkOnline(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, a.Status)

	_, err = d.MarkOnline(ctx, "a1")
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))

	_, err = d.Quarantine(ctx, "a1", "manual")
	require.NoError(t, err)
	_, err = d.Suspend(ctx, "a1", "pile on")
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))
	_, err = d.MarkOffline(ctx, "a1")
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))

	a, err = d.Reinstate(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, a.Status)
	assert.Len(t, rec.OfType(event.AgentReinstated), 1)

	_, err = d.Reinstate(ctx, "a1")
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))
}

func TestReinstate_RefusedWhileCritical(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()
	register(t, d, "a1", types.TierWrite, 0.5)

	_, err := d.UpdateTrust(ctx, "a1", trustOf(0.1))
	require.NoError(t, err)

	_, err = d.Reinstate(ctx, "a1")
	assert.True(t, types.HasCode(err, types.ErrTrustCritical))

	_, err = d.UpdateTrust(ctx, "a1", trustOf(0.5))
	require.NoError(t, err)
	a, err := d.Reinstate(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, a.Status)
}

func TestList_Filter(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()
	register(t, d, "a1", types.TierWrite, 0.5, types.CapabilityTesting)
	register(t, d, "a2", types.TierWrite, 0.5, types.CapabilityDeployment)
	_, err := d.MarkOffline(ctx, "a2")
	require.NoError(t, err)

	testers, err := d.List(ctx, ListFilter{Capability: types.CapabilityTesting})
	require.NoError(t, err)
	require.Len(t, testers, 1)
	assert.Equal(t, "a1", testers[0].ID)

	offline, err := d.List(ctx, ListFilter{Status: types.AgentOffline})
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.Equal(t, "a2", offline[0].ID)
}
