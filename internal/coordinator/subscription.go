package coordinator

import (
	"context"
	"iter"
	"sync"

	"walletmesh/internal/record"
	"walletmesh/internal/store"
)

// Event describes one merge that changed a record.
type Event struct {
	Record  record.WalletRecord
	Origin  store.Origin
	Outcome record.Outcome
	// Degraded is set when the change is held in memory only.
	Degraded bool
}

// Subscription is an unbounded queue of events produced after Subscribe.
// Publishing never blocks; a slow reader only grows its own queue.
type Subscription struct {
	c *Coordinator

	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(c *Coordinator) *Subscription {
	return &Subscription{
		c:      c,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx ends or the subscription is
// closed. Events queued before Close are still delivered.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrSubscriptionClosed
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// All yields events until ctx ends, the subscription is closed or the
// caller stops iterating.
func (s *Subscription) All(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.c.unsubscribe(s)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
