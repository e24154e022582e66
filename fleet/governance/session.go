package governance

import (
	"math"
	"time"

	"github.com/issdandavis/spiralverse-protocol/types"
)

// Session is one roundtable vote.
type Session struct {
	ID     string     `json:"id"`
	Topic  string     `json:"topic"`
	TaskID string     `json:"task_id,omitempty"`
	Tier   types.Tier `json:"tier"`

	// Participants is fixed at creation, in the order they were drawn.
	Participants []string                    `json:"participants"`
	Votes        map[string]types.VoteChoice `json:"votes"`

	Consensus float64             `json:"consensus"`
	Quorum    int                 `json:"quorum"`
	Status    types.SessionStatus `json:"status"`

	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.Participants = append([]string(nil), s.Participants...)
	votes := make(map[string]types.VoteChoice, len(s.Votes))
	for k, v := range s.Votes {
		votes[k] = v
	}
	s.Votes = votes
	return s
}

// Tally counts votes by choice.
type Tally struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
}

// Total is the number of votes cast.
func (t Tally) Total() int { return t.Approve + t.Reject + t.Abstain }

// Tally counts the votes cast so far.
func (s Session) Tally() Tally {
	var t Tally
	for _, c := range s.Votes {
		switch c {
		case types.VoteApprove:
			t.Approve++
		case types.VoteReject:
			t.Reject++
		case types.VoteAbstain:
			t.Abstain++
		}
	}
	return t
}

// IsParticipant reports whether agentID may vote.
func (s Session) IsParticipant(agentID string) bool {
	for _, p := range s.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// Overdue reports whether an active session has passed its deadline.
func (s Session) Overdue(now time.Time) bool {
	return s.Status == types.SessionActive && !now.Before(s.ExpiresAt)
}

// evaluate applies the consensus rules after a vote: approval once
// approvals reach quorum, rejection once rejections exceed half the
// participants, and rejection when everyone has voted without approving.
func (s *Session) evaluate(now time.Time) bool {
	if s.Status != types.SessionActive {
		return false
	}
	t := s.Tally()
	n := len(s.Participants)
	switch {
	case t.Approve >= s.Quorum:
		s.Status = types.SessionApproved
	case 2*t.Reject > n:
		s.Status = types.SessionRejected
	case t.Total() >= n:
		s.Status = types.SessionRejected
	default:
		return false
	}
	s.ResolvedAt = now
	return true
}

// QuorumFor returns ceil(n*f), at least 1. A small epsilon keeps
// fractions such as 3/6 from rounding up through float error.
func QuorumFor(n int, f float64) int {
	q := int(math.Ceil(float64(n)*f - 1e-9))
	if q < 1 {
		q = 1
	}
	if q > n {
		q = n
	}
	return q
}
