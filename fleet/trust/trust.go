// Package trust holds the collaborators the agent directory consults to
// classify trust vectors and derive display identities.
package trust

import (
	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// Assessment is the outcome of evaluating a trust vector.
type Assessment struct {
	Level types.TrustLevel `json:"level"`
	// Score is the normalised trust score in [0,1].
	Score float64 `json:"score"`
}

// Evaluator classifies a trust vector. Implementations must be
// deterministic for a given vector.
type Evaluator interface {
	Evaluate(agentID string, v types.TrustVector) Assessment
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(agentID string, v types.TrustVector) Assessment

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(agentID string, v types.TrustVector) Assessment {
	return f(agentID, v)
}

// ThresholdEvaluator scores a vector by its facet mean and classifies the
// score against descending thresholds.
type ThresholdEvaluator struct {
	High   float64
	Medium float64
	Low    float64
}

// NewThresholdEvaluator builds an evaluator from configuration.
func NewThresholdEvaluator(cfg config.TrustConfig) ThresholdEvaluator {
	return ThresholdEvaluator{
		High:   cfg.HighThreshold,
		Medium: cfg.MediumThreshold,
		Low:    cfg.LowThreshold,
	}
}

// Evaluate implements Evaluator.
func (e ThresholdEvaluator) Evaluate(_ string, v types.TrustVector) Assessment {
	score := types.Clamp01(v.Mean())
	return Assessment{Level: e.Classify(score), Score: score}
}

// Classify maps a normalised score to a trust level.
func (e ThresholdEvaluator) Classify(score float64) types.TrustLevel {
	switch {
	case score >= e.High:
		return types.TrustHigh
	case score >= e.Medium:
		return types.TrustMedium
	case score >= e.Low:
		return types.TrustLow
	default:
		return types.TrustCritical
	}
}
