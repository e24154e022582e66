package event

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/issdandavis/spiralverse-protocol/internal/clock"
)

// Handler consumes an event. A returned error is logged and otherwise ignored.
type Handler func(Event) error

type subscription struct {
	id      string
	filter  map[Type]struct{}
	handler Handler
	ch      chan Event
}

func (s *subscription) accepts(t Type) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// Bus delivers events synchronously to handler subscribers and
// non-blockingly to channel subscribers. A misbehaving subscriber never
// affects the publisher or other subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	order   []string
	nextID  atomic.Int64
	dropped atomic.Uint64
	failed  atomic.Uint64

	history    []Event
	historyIdx int
	historyLen int

	clock  clock.Clock
	logger *zap.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithClock sets the timestamp source.
func WithClock(c clock.Clock) BusOption {
	return func(b *Bus) { b.clock = c }
}

// WithHistory keeps the last n events for Recent.
func WithHistory(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.history = make([]Event, n)
		}
	}
}

// NewBus creates a bus.
func NewBus(logger *zap.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subs:   make(map[string]*subscription),
		clock:  clock.Real(),
		logger: logger.With(zap.String("component", "event_bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for the given types, or for every type
// when none are given. Returns the subscription id.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	return b.add(&subscription{handler: handler, filter: filterOf(types)})
}

// Channel registers a buffered channel subscriber. Events that do not
// fit in the buffer are dropped and counted. Unsubscribe closes the channel.
func (b *Bus) Channel(buffer int, types ...Type) (<-chan Event, string) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	id := b.add(&subscription{ch: ch, filter: filterOf(types)})
	return ch, id
}

func (b *Bus) add(s *subscription) string {
	s.id = fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.id] = s
	b.order = append(b.order, s.id)
	return s.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if s.ch != nil {
		close(s.ch)
	}
}

// Publish stamps e and delivers it. Handlers run in subscription order on
// the caller's goroutine.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}

	b.mu.Lock()
	b.record(e)
	handlers := make([]*subscription, 0, len(b.order))
	for _, id := range b.order {
		s := b.subs[id]
		if !s.accepts(e.Type) {
			continue
		}
		if s.ch != nil {
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
				b.logger.Warn("event dropped, subscriber buffer full",
					zap.String("subscription", s.id),
					zap.String("type", string(e.Type)))
			}
			continue
		}
		handlers = append(handlers, s)
	}
	b.mu.Unlock()

	for _, s := range handlers {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.logger.Error("event handler panicked",
				zap.String("subscription", s.id),
				zap.String("type", string(e.Type)),
				zap.Any("recover", r))
		}
	}()
	if err := s.handler(e); err != nil {
		b.failed.Add(1)
		b.logger.Warn("event handler failed",
			zap.String("subscription", s.id),
			zap.String("type", string(e.Type)),
			zap.Error(err))
	}
}

// record must be called with b.mu held.
func (b *Bus) record(e Event) {
	if len(b.history) == 0 {
		return
	}
	b.history[b.historyIdx] = e
	b.historyIdx = (b.historyIdx + 1) % len(b.history)
	if b.historyLen < len(b.history) {
		b.historyLen++
	}
}

// Recent returns up to limit of the most recent events, oldest first.
// Requires WithHistory.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.historyLen
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	start := (b.historyIdx - n + len(b.history)) % max(len(b.history), 1)
	for i := 0; i < n; i++ {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}

// Dropped returns how many channel deliveries were dropped.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// HandlerFailures returns how many handler invocations errored or panicked.
func (b *Bus) HandlerFailures() uint64 { return b.failed.Load() }

func filterOf(ts []Type) map[Type]struct{} {
	if len(ts) == 0 {
		return nil
	}
	f := make(map[Type]struct{}, len(ts))
	for _, t := range ts {
		f[t] = struct{}{}
	}
	return f
}
