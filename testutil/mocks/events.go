// Package mocks provides in-memory doubles shared by the fleet tests.
package mocks

import (
	"sync"

	"github.com/issdandavis/spiralverse-protocol/fleet/event"
)

// EventRecorder is an event.Publisher that keeps every event it is given.
type EventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

// NewEventRecorder returns an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Publish records e.
func (r *EventRecorder) Publish(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// All returns a copy of every recorded event in publish order.
func (r *EventRecorder) All() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *EventRecorder) OfType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event of type t.
func (r *EventRecorder) Last(t event.Type) (event.Event, bool) {
	all := r.OfType(t)
	if len(all) == 0 {
		return event.Event{}, false
	}
	return all[len(all)-1], true
}

// Reset drops everything recorded so far.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
