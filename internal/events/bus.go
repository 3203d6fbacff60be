// Package events implements the in-process pub/sub bus: a closed event-type
// enumeration, per-subscriber buffering with coalescing and acknowledgement,
// a monotonic event id, and a global throttling flag for backpressure.
// Remote delivery (websocket sessions, cluster fan-out over NATS) lives in
// transport.go.
package events

import (
	"sync"

	"github.com/evqueue/evqueue-go/internal/resilience"
)

// Event is one bus message.
type Event struct {
	ID          uint64
	Type        Type
	ObjectID    uint64
	APICmd      string
	Correlation string
	NeedResend  bool
}

// Filter narrows a subscription to a set of types and an optional object id
// (zero means "match any object").
type Filter struct {
	Types       []Type
	ObjectID    uint64 // 0 = no filter
	APICmd      string
	Correlation string
}

func (f Filter) matches(t Type, objectID uint64) bool {
	if len(f.Types) > 0 {
		found := false
		for _, want := range f.Types {
			if want == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ObjectID != 0 && f.ObjectID != objectID {
		return false
	}
	return true
}

type subscriber struct {
	id     uint64
	filter Filter

	mu      sync.Mutex
	pending []*Event
}

// Bus is the event pub/sub core. One Bus instance is shared process-wide.
type Bus struct {
	mu          sync.Mutex
	nextEventID uint64
	nextSubID   uint64
	subs        map[uint64]*subscriber

	throttle *resilience.RateLimiter
}

// New constructs a Bus. throttle, if non-nil, is consulted for low-priority
// event types under backpressure; events it refuses are dropped silently,
// matching the global "throttling" flag's intent.
func New(throttle *resilience.RateLimiter) *Bus {
	return &Bus{
		subs:     make(map[uint64]*subscriber),
		throttle: throttle,
	}
}

// Subscribe registers a new subscriber and returns its id, used for Get/Ack/
// Unsubscribe.
func (b *Bus) Subscribe(filter Filter) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = &subscriber{id: id, filter: filter}
	return id
}

// Unsubscribe removes a subscriber and discards its pending events.
func (b *Bus) Unsubscribe(subID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subID)
}

// Publish inserts a new event, assigning it the next monotonic id, and
// fans it out to every matching subscriber's pending buffer. A pending event
// sharing the same (api_cmd, correlation_id) as a new arrival is coalesced:
// the old one is dropped and the new one, marked NeedResend so the subscriber
// knows to refetch once after its next ack, goes to the end of the buffer.
func (b *Bus) Publish(t Type, objectID uint64, apiCmd, correlation string) {
	if t.IsLowPriority() && b.throttle != nil && !b.throttle.Allow() {
		return
	}

	b.mu.Lock()
	b.nextEventID++
	ev := &Event{ID: b.nextEventID, Type: t, ObjectID: objectID, APICmd: apiCmd, Correlation: correlation}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.matches(t, objectID) {
			subs = append(subs, s)
		}
	}
	for _, s := range subs {
		s.deliver(ev)
	}
	b.mu.Unlock()
}

func (s *subscriber) deliver(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.APICmd != "" && ev.Correlation != "" {
		for i, pending := range s.pending {
			if pending.APICmd == ev.APICmd && pending.Correlation == ev.Correlation {
				coalesced := *ev
				coalesced.NeedResend = true
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				s.pending = append(s.pending, &coalesced)
				return
			}
		}
	}
	s.pending = append(s.pending, ev)
}

// Get returns every pending event for subID with id greater than the last
// acknowledged id, in ascending id order.
func (b *Bus) Get(subID uint64) []*Event {
	b.mu.Lock()
	s, ok := b.subs[subID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.pending))
	copy(out, s.pending)
	return out
}

// Ack removes every event with id <= upTo from subID's pending buffer.
func (b *Bus) Ack(subID uint64, upTo uint64) {
	b.mu.Lock()
	s, ok := b.subs[subID]
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0]
	for _, ev := range s.pending {
		if ev.ID > upTo {
			kept = append(kept, ev)
		}
	}
	s.pending = kept
}
