package types

import (
	"fmt"
	"strings"
)

// AgentStatus is an agent's operational state.
type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentBusy        AgentStatus = "busy"
	AgentOffline     AgentStatus = "offline"
	AgentSuspended   AgentStatus = "suspended"
	AgentQuarantined AgentStatus = "quarantined"
)

// Valid reports whether s is a defined agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentBusy, AgentOffline, AgentSuspended, AgentQuarantined:
		return true
	default:
		return false
	}
}

// Available reports whether an agent in this status may take new work.
func (s AgentStatus) Available() bool {
	return s == AgentIdle || s == AgentBusy
}

// Barred reports whether the status excludes the agent from work and voting.
func (s AgentStatus) Barred() bool {
	return s == AgentSuspended || s == AgentQuarantined
}

// TaskStatus is a position in the task state machine.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskAssigned         TaskStatus = "assigned"
	TaskRunning          TaskStatus = "running"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
	TaskCancelled        TaskStatus = "cancelled"
)

// Valid reports whether s is a defined task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAwaitingApproval, TaskAssigned, TaskRunning,
		TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// HoldsSlot reports whether a task in this status occupies agent capacity.
func (s TaskStatus) HoldsSlot() bool {
	return s == TaskAssigned || s == TaskRunning
}

// SessionStatus is a roundtable session's state. Only active is non-terminal.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionApproved SessionStatus = "approved"
	SessionRejected SessionStatus = "rejected"
	SessionExpired  SessionStatus = "expired"
)

// IsResolved reports whether the session has left the active state.
func (s SessionStatus) IsResolved() bool {
	return s != SessionActive
}

// VoteChoice is a single participant's ballot.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// Valid reports whether c is a defined vote choice.
func (c VoteChoice) Valid() bool {
	return c == VoteApprove || c == VoteReject || c == VoteAbstain
}

// ParseVoteChoice parses a ballot name.
func ParseVoteChoice(s string) (VoteChoice, error) {
	c := VoteChoice(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", Errorf(ErrInvalidInput, "unknown vote choice %q", s)
	}
	return c, nil
}

// Priority orders pending work. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// Valid reports whether p is a defined priority.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return 0, Errorf(ErrInvalidInput, "unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Dimension is the discrete label derived from a flux value.
type Dimension string

const (
	DimensionFull      Dimension = "full"
	DimensionPartial   Dimension = "partial"
	DimensionMinimal   Dimension = "minimal"
	DimensionCollapsed Dimension = "collapsed"
)

// AllDimensions lists dimensions from strongest to weakest.
func AllDimensions() []Dimension {
	return []Dimension{DimensionFull, DimensionPartial, DimensionMinimal, DimensionCollapsed}
}

// DimensionThresholds are the lower nu bounds for each non-collapsed label.
type DimensionThresholds struct {
	Full    float64 `yaml:"full" json:"full" env:"FULL"`
	Partial float64 `yaml:"partial" json:"partial" env:"PARTIAL"`
	Minimal float64 `yaml:"minimal" json:"minimal" env:"MINIMAL"`
}

// DefaultDimensionThresholds returns 0.8 / 0.5 / 0.1.
func DefaultDimensionThresholds() DimensionThresholds {
	return DimensionThresholds{Full: 0.8, Partial: 0.5, Minimal: 0.1}
}

// Classify maps nu onto a dimension.
func (t DimensionThresholds) Classify(nu float64) Dimension {
	switch {
	case nu >= t.Full:
		return DimensionFull
	case nu >= t.Partial:
		return DimensionPartial
	case nu >= t.Minimal:
		return DimensionMinimal
	default:
		return DimensionCollapsed
	}
}

// Validate checks the thresholds are strictly descending inside (0,1].
func (t DimensionThresholds) Validate() error {
	if !(t.Full <= 1 && t.Full > t.Partial && t.Partial > t.Minimal && t.Minimal > 0) {
		return Errorf(ErrInvalidInput, "dimension thresholds must satisfy 1 >= full > partial > minimal > 0, got %v/%v/%v",
			t.Full, t.Partial, t.Minimal)
	}
	return nil
}
