// Package fixtures builds agent and task values for tests.
package fixtures

import (
	"strconv"

	"github.com/issdandavis/spiralverse-protocol/fleet/directory"
	"github.com/issdandavis/spiralverse-protocol/fleet/dispatch"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// Trust returns a six-facet trust vector with every facet set to x.
func Trust(x float64) []float64 {
	v := make([]float64, types.TrustDimensions)
	for i := range v {
		v[i] = x
	}
	return v
}

// DefaultCapabilities are given to fixture agents registered without any.
var DefaultCapabilities = []types.Capability{types.CapabilityCodeGeneration, types.CapabilityDeployment}

// Agent returns a registration for an agent with uniform trust.
func Agent(id string, ceiling types.Tier, trust float64, caps ...types.Capability) directory.RegisterRequest {
	if len(caps) == 0 {
		caps = DefaultCapabilities
	}
	return directory.RegisterRequest{
		ID:           id,
		Capabilities: caps,
		TierCeiling:  ceiling,
		Trust:        Trust(trust),
	}
}

// Admins returns registrations for n admin-ceiling agents named
// prefix-0 .. prefix-(n-1).
func Admins(prefix string, n int, trust float64) []directory.RegisterRequest {
	out := make([]directory.RegisterRequest, n)
	for i := range out {
		out[i] = Agent(prefix+"-"+strconv.Itoa(i), types.TierAdmin, trust)
	}
	return out
}

// WriteTask is a code generation task at the write tier.
func WriteTask() dispatch.CreateOptions {
	return dispatch.CreateOptions{Capability: types.CapabilityCodeGeneration, Tier: types.TierWrite}
}

// DeployTask is a deployment task at the deploy tier, which needs a
// roundtable under the default tier table.
func DeployTask() dispatch.CreateOptions {
	return dispatch.CreateOptions{Capability: types.CapabilityDeployment, Tier: types.TierDeploy}
}
