package events

import (
	"sync"
)

// subscriberCapacity bounds each subscriber's channel. A slow consumer
// drops its oldest buffered event rather than blocking the publisher.
const subscriberCapacity = 256

// Bus is a bounded, multi-subscriber fan-out for Events: an
// RWMutex-guarded map of subscribers, snapshotted before every publish
// so Publish never holds the lock while sending.
type Bus struct {
	mu   sync.RWMutex
	subs map[int64]*subscriber
	next int64
}

type subscriber struct {
	filter Filter
	ch     chan Event

	mu      sync.Mutex
	dropped int
	closed  bool
}

// Subscription is the handle returned by Subscribe. Call Close to stop
// receiving events and release the subscriber's channel.
type Subscription struct {
	bus *Bus
	id  int64
	ch  <-chan Event
}

// Events returns the channel this subscription delivers matching
// events on. A synthetic KindEventsLost event is delivered in place of
// events dropped due to a full buffer.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	sub, ok := s.bus.subs[s.id]
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	if ok {
		// Flag first so a Publish holding a pre-Close snapshot can't
		// send into the closed channel.
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int64]*subscriber)}
}

// Subscribe registers a new subscriber matching events against f.
// Pass Unfiltered() to receive everything.
func (b *Bus) Subscribe(f Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	sub := &subscriber{filter: f, ch: make(chan Event, subscriberCapacity)}
	b.subs[id] = sub
	return &Subscription{bus: b, id: id, ch: sub.ch}
}

// Publish delivers e to every subscriber whose filter matches. A
// subscriber whose channel is full has its oldest buffered event
// evicted in favor of e, and its drop count incremented; a synthetic
// EventsLost event is injected the next time there is room, so a slow
// consumer sees a gap marker instead of silently losing history.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	snapshot := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if !sub.filter.Match(e) {
			continue
		}
		sub.deliver(e)
	}
}

func (s *subscriber) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.dropped > 0 {
		select {
		case s.ch <- Event{Timestamp: e.Timestamp, Kind: KindEventsLost, LostCount: s.dropped}:
			s.dropped = 0
		default:
		}
	}

	select {
	case s.ch <- e:
		return
	default:
	}

	// Channel full: evict the two oldest buffered events so both a loss
	// marker and e fit. An evicted marker folds its count into the new
	// one rather than vanishing.
	for i := 0; i < 2; i++ {
		select {
		case old := <-s.ch:
			if old.Kind == KindEventsLost {
				s.dropped += old.LostCount
			} else {
				s.dropped++
			}
		default:
		}
	}
	select {
	case s.ch <- Event{Timestamp: e.Timestamp, Kind: KindEventsLost, LostCount: s.dropped}:
		s.dropped = 0
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
	}
}
