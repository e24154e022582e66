package directory

import (
	"time"

	"github.com/issdandavis/spiralverse-protocol/types"
)

// Agent is a registered worker.
type Agent struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Capabilities types.CapabilitySet `json:"capabilities"`
	TierCeiling  types.Tier          `json:"tier_ceiling"`

	Trust        types.TrustVector `json:"trust"`
	TrustLevel   types.TrustLevel  `json:"trust_level"`
	TrustScore   float64           `json:"trust_score"`
	IdentityHash string            `json:"identity_hash"`

	Status        types.AgentStatus `json:"status"`
	ActiveTasks   int               `json:"active_tasks"`
	MaxConcurrent int               `json:"max_concurrent"`

	// Completed counts every reported outcome; Failed counts the failures among them.
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`

	// Last health signal written back by the swarm coordinator. Empty
	// Dimension means none has been reported yet.
	Dimension types.Dimension `json:"dimension,omitempty"`
	Coherence float64         `json:"coherence"`

	RegisteredAt time.Time `json:"registered_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Clone returns a deep copy.
func (a Agent) Clone() Agent {
	a.Capabilities = a.Capabilities.Clone()
	return a
}

// SpareCapacity is the number of additional tasks the agent can hold.
func (a Agent) SpareCapacity() int {
	if n := a.MaxConcurrent - a.ActiveTasks; n > 0 {
		return n
	}
	return 0
}

// SpareFraction is SpareCapacity relative to MaxConcurrent, in [0,1].
func (a Agent) SpareFraction() float64 {
	if a.MaxConcurrent <= 0 {
		return 0
	}
	return float64(a.SpareCapacity()) / float64(a.MaxConcurrent)
}

// PermitsTier reports whether both the nominal ceiling and the trust
// level allow work at tier.
func (a Agent) PermitsTier(tier types.Tier) bool {
	return a.TierCeiling >= tier && a.TrustLevel.Permits(tier)
}

// Requirements describe what a unit of work needs from an agent.
type Requirements struct {
	Capability types.Capability
	Tier       types.Tier
	MinTrust   float64
}

// CanTake reports why the agent cannot accept work with req, or nil.
func (a Agent) CanTake(req Requirements) error {
	switch {
	case !a.Capabilities.Has(req.Capability):
		return types.Errorf(types.ErrAgentIneligible, "agent %s lacks capability %s", a.ID, req.Capability)
	case !a.Status.Available():
		return types.Errorf(types.ErrAgentIneligible, "agent %s is %s", a.ID, a.Status)
	case !a.PermitsTier(req.Tier):
		return types.Errorf(types.ErrAgentIneligible, "agent %s (ceiling %s, trust %s) not permitted at tier %s",
			a.ID, a.TierCeiling, a.TrustLevel, req.Tier)
	case a.TrustScore < req.MinTrust:
		return types.Errorf(types.ErrAgentIneligible, "agent %s trust %.3f below minimum %.3f", a.ID, a.TrustScore, req.MinTrust)
	case a.Dimension == types.DimensionCollapsed:
		return types.Errorf(types.ErrAgentIneligible, "agent %s flux has collapsed", a.ID)
	case a.SpareCapacity() == 0:
		return types.Errorf(types.ErrCapacityExceeded, "agent %s at capacity %d", a.ID, a.MaxConcurrent)
	}
	return nil
}

// settle recomputes busy/idle from the active counter. Other statuses are left alone.
func (a *Agent) settle() {
	if !a.Status.Available() {
		return
	}
	if a.ActiveTasks > 0 {
		a.Status = types.AgentBusy
	} else {
		a.Status = types.AgentIdle
	}
}
