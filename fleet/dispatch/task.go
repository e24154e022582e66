package dispatch

import (
	"time"

	"github.com/issdandavis/spiralverse-protocol/fleet/directory"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// Task is a unit of work routed to one agent.
type Task struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Capability types.Capability `json:"capability"`
	Tier       types.Tier       `json:"tier"`
	Priority   types.Priority   `json:"priority"`
	MinTrust   float64          `json:"min_trust"`
	Payload    map[string]any   `json:"payload,omitempty"`

	Status        types.TaskStatus       `json:"status"`
	AssignedAgent types.Optional[string] `json:"assigned_agent"`

	RequiresApproval  bool                   `json:"requires_approval"`
	RequiredApprovals int                    `json:"required_approvals"`
	Approvals         int                    `json:"approvals"`
	Approved          bool                   `json:"approved"`
	SessionID         types.Optional[string] `json:"session_id"`

	Retries        int           `json:"retries"`
	MaxRetries     int           `json:"max_retries"`
	Timeout        time.Duration `json:"timeout"`
	AssignAttempts int           `json:"assign_attempts"`

	Output        any             `json:"output,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	FailureReason types.ErrorCode `json:"failure_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AssignedAt  time.Time `json:"assigned_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy with its own payload map.
func (t Task) Clone() Task {
	if t.Payload != nil {
		p := make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			p[k] = v
		}
		t.Payload = p
	}
	return t
}

// Requirements is what an agent must satisfy to take the task.
func (t Task) Requirements() directory.Requirements {
	return directory.Requirements{Capability: t.Capability, Tier: t.Tier, MinTrust: t.MinTrust}
}

// Assignable reports whether the task may be handed to an agent now:
// pending and not gated, or gated and already approved.
func (t Task) Assignable() bool {
	switch t.Status {
	case types.TaskPending:
		return !t.RequiresApproval || t.Approved
	case types.TaskAwaitingApproval:
		return t.Approved
	}
	return false
}

// approvalSatisfied is the invariant checked before a task may run.
func (t Task) approvalSatisfied() bool {
	return !t.RequiresApproval || t.Approvals >= t.RequiredApprovals
}

// Overdue reports whether a task holding a slot has used up its timeout.
// A running task is timed from its start; an assigned task that was never
// started is timed from its assignment.
func (t Task) Overdue(now time.Time) bool {
	if t.Timeout <= 0 {
		return false
	}
	switch t.Status {
	case types.TaskRunning:
		return !now.Before(t.StartedAt.Add(t.Timeout))
	case types.TaskAssigned:
		return !now.Before(t.AssignedAt.Add(t.Timeout))
	}
	return false
}
