package eventbus

import (
	"context"
	"sync"
)

// Subscription is one observer's registered interest in a filtered event stream.
// It owns a bounded buffer and a delivery goroutine; it is created by Bus.Subscribe
// and exposed read-only through SubscriptionInfo.
type Subscription struct {
	id     string
	conn   Connection
	filter Filter
	bus    *Bus

	mu             sync.Mutex
	buf            *ring[Event]
	pendingDropped int

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// SubscriptionInfo is a point-in-time view of a subscription for diagnostics.
type SubscriptionInfo struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	Buffered     int    `json:"buffered"`
	Dropped      int    `json:"pending_dropped"`
}

func newSubscription(id string, conn Connection, filter Filter, capacity int, bus *Bus) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{
		id:     id,
		conn:   conn,
		filter: filter,
		bus:    bus,
		buf:    newRing[Event](capacity),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// enqueue adds ev to the buffer without blocking. When the buffer is full the
// oldest event is discarded and counted towards the next drop marker.
// Returns true if an event was dropped.
func (s *Subscription) enqueue(ev Event) bool {
	s.mu.Lock()
	_, evicted := s.buf.push(ev)
	if evicted {
		s.pendingDropped++
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return evicted
}

// next returns the next event to deliver. A pending drop count always goes
// out as a marker before any buffered event.
func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingDropped > 0 {
		marker := NewEvent(EventEventsDropped, s.id, map[string]any{"count": s.pendingDropped})
		s.pendingDropped = 0
		return marker, true
	}
	return s.buf.pop()
}

// run drains the buffer until the subscription is cancelled or a delivery fails.
func (s *Subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}

		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			if err := s.conn.Deliverer.Deliver(s.ctx, ev); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.bus.deliveryFailed(s, err)
				return
			}
			s.bus.stats.delivered.Add(1)
		}
	}
}

func (s *Subscription) info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionInfo{
		ID:           s.id,
		ConnectionID: s.conn.ID,
		Buffered:     s.buf.len(),
		Dropped:      s.pendingDropped,
	}
}
