package dispatch

import (
	"sort"
	"time"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/fleet/directory"
)

// Candidate is an agent that passed every filter, with its score.
type Candidate struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Score rates an agent for new work:
//
//	w.Trust*trust + w.SuccessRate*successRate + w.Capacity*spare + w.Recency*recency
//
// where recency falls linearly from 1 at the current instant to 0 at window.
func Score(a directory.Agent, w config.ScoreWeights, window time.Duration, now time.Time) float64 {
	return w.Trust*a.TrustScore +
		w.SuccessRate*a.SuccessRate +
		w.Capacity*a.SpareFraction() +
		w.Recency*recency(a.LastActivity, window, now)
}

func recency(last time.Time, window time.Duration, now time.Time) float64 {
	if window <= 0 {
		return 0
	}
	since := now.Sub(last)
	if since < 0 {
		since = 0
	}
	r := 1 - float64(since)/float64(window)
	if r < 0 {
		return 0
	}
	return r
}

// rank filters agents against req and orders the survivors best first.
// Equal scores fall back to ascending agent id.
func rank(agents []directory.Agent, req directory.Requirements, w config.ScoreWeights, window time.Duration, now time.Time) []Candidate {
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		if a.CanTake(req) != nil {
			continue
		}
		out = append(out, Candidate{AgentID: a.ID, Score: Score(a, w, window, now)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
