// Package event carries the fleet's typed lifecycle events from the
// component that changed state to any number of isolated subscribers.
package event

import (
	"time"

	"github.com/issdandavis/spiralverse-protocol/types"
)

// Type names an event.
type Type string

// Task lifecycle
const (
	TaskCreated          Type = "task.created"
	TaskAwaitingApproval Type = "task.awaiting_approval"
	TaskApproved         Type = "task.approved"
	TaskAssigned         Type = "task.assigned"
	TaskIneligible       Type = "task.ineligible"
	TaskStarted          Type = "task.started"
	TaskCompleted        Type = "task.completed"
	TaskRetrying         Type = "task.retrying"
	TaskFailed           Type = "task.failed"
	TaskCancelled        Type = "task.cancelled"
	TaskRemoved          Type = "task.removed"
)

// Agent lifecycle
const (
	AgentRegistered    Type = "agent.registered"
	AgentTrustUpdated  Type = "agent.trust_updated"
	AgentCompletion    Type = "agent.completion_recorded"
	AgentStatusChanged Type = "agent.status_changed"
	AgentQuarantined   Type = "agent.quarantined"
	AgentReinstated    Type = "agent.reinstated"
	AgentRemoved       Type = "agent.removed"
)

// Roundtable lifecycle
const (
	SessionCreated  Type = "session.created"
	SessionVoteCast Type = "session.vote_cast"
	SessionApproved Type = "session.approved"
	SessionRejected Type = "session.rejected"
	SessionExpired  Type = "session.expired"
	SessionPurged   Type = "session.purged"
)

// Flux lifecycle
const (
	SwarmCreated  Type = "flux.swarm_created"
	PadJoined     Type = "flux.pad_joined"
	PadLeft       Type = "flux.pad_left"
	SwarmSynced   Type = "flux.synced"
	SwarmStepped  Type = "flux.stepped"
	SwarmPaused   Type = "flux.paused"
	SwarmResumed  Type = "flux.resumed"
	PadBoosted    Type = "flux.boosted"
	PadDecayed    Type = "flux.decayed"
	PadCollapsed  Type = "flux.collapsed"
	PadRevived    Type = "flux.revived"
	PadRetargeted Type = "flux.retargeted"
)

// SecurityAlert is raised whenever an agent is classified critical.
const SecurityAlert Type = "security.alert"

// Event is one state change.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Subject   string          `json:"subject"`
	Reason    types.ErrorCode `json:"reason,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event for subject.
func New(t Type, subject string) Event {
	return Event{Type: t, Subject: subject}
}

// WithReason sets the reason code.
func (e Event) WithReason(code types.ErrorCode) Event {
	e.Reason = code
	return e
}

// With adds a data field.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Publisher accepts events. Components depend on this rather than on Bus.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}

// PublishAll publishes events in order.
func PublishAll(p Publisher, events []Event) {
	for _, e := range events {
		p.Publish(e)
	}
}
