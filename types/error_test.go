package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrExecutionFailed, "agent reported failure").
		WithCause(root).
		WithRetryable(true)

	assert.Equal(t, ErrExecutionFailed, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Contains(t, err.Error(), "EXECUTION_FAILED")
	assert.Contains(t, err.Error(), "root")
}

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("cast vote: %w", Errorf(ErrDuplicateVote, "agent %s already voted", "a1"))

	assert.True(t, errors.Is(wrapped, NewError(ErrDuplicateVote, "")))
	assert.False(t, errors.Is(wrapped, NewError(ErrNotParticipant, "")))
	assert.True(t, HasCode(wrapped, ErrDuplicateVote))
	assert.False(t, HasCode(nil, ErrDuplicateVote))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestTier_ParseAndOrder(t *testing.T) {
	t.Parallel()

	for _, tier := range AllTiers() {
		parsed, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, parsed)
	}
	assert.Less(t, TierReadOnly, TierWrite)
	assert.Less(t, TierAdmin, TierDestructive)

	_, err := ParseTier("root")
	assert.True(t, HasCode(err, ErrInvalidInput))
	assert.False(t, Tier(42).Valid())
	assert.Equal(t, "tier(42)", Tier(42).String())
}

func TestTier_TextRoundTrip(t *testing.T) {
	t.Parallel()

	text, err := TierDeploy.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "deploy", string(text))

	var tier Tier
	require.NoError(t, tier.UnmarshalText([]byte(" Admin ")))
	assert.Equal(t, TierAdmin, tier)

	_, err = Tier(-1).MarshalText()
	assert.Error(t, err)
}

func TestPriority_Parse(t *testing.T) {
	t.Parallel()

	p, err := ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)
	assert.Greater(t, PriorityCritical, PriorityHigh)
	assert.Greater(t, PriorityMedium, PriorityLow)

	_, err = ParsePriority("urgent")
	assert.True(t, HasCode(err, ErrInvalidInput))
}

func TestStatus_Predicates(t *testing.T) {
	t.Parallel()

	assert.True(t, TaskCompleted.IsTerminal())
	assert.True(t, TaskFailed.IsTerminal())
	assert.True(t, TaskCancelled.IsTerminal())
	assert.False(t, TaskAwaitingApproval.IsTerminal())
	assert.True(t, TaskRunning.HoldsSlot())
	assert.False(t, TaskPending.HoldsSlot())

	assert.True(t, AgentBusy.Available())
	assert.False(t, AgentOffline.Available())
	assert.True(t, AgentQuarantined.Barred())
	assert.False(t, AgentOffline.Barred())

	assert.False(t, SessionActive.IsResolved())
	assert.True(t, SessionExpired.IsResolved())

	_, err := ParseVoteChoice("maybe")
	assert.Error(t, err)
	c, err := ParseVoteChoice("APPROVE")
	require.NoError(t, err)
	assert.Equal(t, VoteApprove, c)
}

func TestDimensionThresholds_Classify(t *testing.T) {
	t.Parallel()

	th := DefaultDimensionThresholds()
	require.NoError(t, th.Validate())

	tests := []struct {
		nu   float64
		want Dimension
	}{
		{1.0, DimensionFull},
		{0.8, DimensionFull},
		{0.79, DimensionPartial},
		{0.5, DimensionPartial},
		{0.1, DimensionMinimal},
		{0.09, DimensionCollapsed},
		{0, DimensionCollapsed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.nu), "nu=%v", tt.nu)
	}

	assert.Error(t, DimensionThresholds{Full: 0.5, Partial: 0.5, Minimal: 0.1}.Validate())
}
