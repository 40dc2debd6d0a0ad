package yuri

import (
	"sync"
	"sync/atomic"
)

// Event phases.
const (
	PhaseRequest  = "request"
	PhaseResponse = "response"
)

// DefaultEventBuffer is the per-subscriber buffer used when Subscribe is
// given a non-positive size.
const DefaultEventBuffer = 100

// Event is a lifecycle notification for one exchange. Response events
// carry only ID and Status; consumers join on ID for the rest.
type Event struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
	Status *int   `json:"status"`
	Phase  string `json:"phase"`
}

// EventBus fans events out to live subscribers. Publish never blocks: a
// subscriber whose buffer is full loses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	// Metrics counts published and dropped events (optional).
	Metrics *Metrics
}

// Subscription receives events from an EventBus until closed.
type Subscription struct {
	// C delivers events. It is closed when the subscription or the bus
	// is closed.
	C <-chan Event

	ch      chan Event
	bus     *EventBus
	once    sync.Once
	dropped atomic.Int64
}

// NewEventBus creates an EventBus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *EventBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber that has room for it.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.Metrics != nil {
		b.Metrics.RecordEventPublished(ev.Phase)
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			if b.Metrics != nil {
				b.Metrics.RecordEventDropped()
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later Publish calls are no-ops and later
// subscriptions are returned already closed.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

// Close unsubscribes s. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s)
	s.once.Do(func() { close(s.ch) })
}

// Dropped returns the number of events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}
