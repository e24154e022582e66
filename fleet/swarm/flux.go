package swarm

import (
	"math"
	"time"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// Pad is one agent's flux state inside a swarm.
type Pad struct {
	AgentID   string                  `json:"agent_id"`
	SwarmID   string                  `json:"swarm_id"`
	Nu        float64                 `json:"nu"`
	Dimension types.Dimension         `json:"dimension"`
	FluxRate  float64                 `json:"flux_rate"`
	Target    types.Optional[float64] `json:"target"`
	Coherence float64                 `json:"coherence"`
	DecayRate float64                 `json:"decay_rate"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Aggregate summarises a swarm.
type Aggregate struct {
	SwarmID   string                  `json:"swarm_id"`
	Size      int                     `json:"size"`
	MeanNu    float64                 `json:"mean_nu"`
	Variance  float64                 `json:"variance"`
	Coherence float64                 `json:"coherence"`
	Dominant  types.Dimension         `json:"dominant"`
	Counts    map[types.Dimension]int `json:"counts"`
	Paused    bool                    `json:"paused"`
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func meanNu(pads []*Pad) float64 {
	if len(pads) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range pads {
		sum += p.Nu
	}
	return sum / float64(len(pads))
}

// peerCoherence is max(0, 1 - 2|nu - mean|).
func peerCoherence(nu, mean float64) float64 {
	return math.Max(0, 1-2*math.Abs(nu-mean))
}

// stepNu integrates one step of
//
//	dnu/dt = alpha*(target - nu) - beta*decay + gamma*coherence*sign
//
// where sign is +1 above 0.5 coherence and -1 otherwise, and the target
// term vanishes without a target. The result is clamped to [0,1].
func stepNu(p Pad, cfg config.FluxConfig) float64 {
	attract := 0.0
	if target, ok := p.Target.Get(); ok {
		attract = cfg.Alpha * (target - p.Nu)
	}
	sign := -1.0
	if p.Coherence > 0.5 {
		sign = 1
	}
	d := cfg.DT * (attract - cfg.Beta*p.DecayRate + cfg.Gamma*p.Coherence*sign)
	return clamp01(p.Nu + d)
}

func aggregate(id string, pads []*Pad, th types.DimensionThresholds, paused bool) Aggregate {
	agg := Aggregate{
		SwarmID:  id,
		Size:     len(pads),
		Counts:   make(map[types.Dimension]int, len(types.AllDimensions())),
		Dominant: types.DimensionCollapsed,
		Paused:   paused,
	}
	for _, d := range types.AllDimensions() {
		agg.Counts[d] = 0
	}
	if len(pads) == 0 {
		return agg
	}
	agg.MeanNu = meanNu(pads)
	for _, p := range pads {
		dev := p.Nu - agg.MeanNu
		agg.Variance += dev * dev
		agg.Counts[th.Classify(p.Nu)]++
	}
	agg.Variance /= float64(len(pads))
	agg.Coherence = math.Max(0, 1-4*agg.Variance)

	best := -1
	for _, d := range types.AllDimensions() {
		if agg.Counts[d] > best {
			best = agg.Counts[d]
			agg.Dominant = d
		}
	}
	return agg
}
