package bus

import (
	"log/slog"
	"sync"
)

// subscriberQueueCap bounds each subscriber's pending events. When full, the
// oldest pending event is dropped — subscribers are non-durable and must
// tolerate gaps across minions (never within a live stream on a healthy
// consumer).
const subscriberQueueCap = 256

// Router fans events out to registered subscribers. Publish never blocks:
// each subscriber drains its own bounded queue on a dedicated goroutine.
type Router struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	id      string
	handler Handler

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
}

// NewRouter creates an empty event router.
func NewRouter() *Router {
	return &Router{subs: make(map[string]*subscriber)}
}

// Subscribe registers a handler under id, replacing any prior registration
// with the same id.
func (r *Router) Subscribe(id string, handler Handler) {
	s := &subscriber{id: id, handler: handler, wake: make(chan struct{}, 1)}
	r.mu.Lock()
	if old, ok := r.subs[id]; ok {
		old.close()
	}
	r.subs[id] = s
	r.mu.Unlock()
	go s.drain()
}

// Unsubscribe removes a subscriber. Pending events for it are discarded.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	s, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

// Publish enqueues the event for every subscriber. Slow subscribers lose
// their oldest pending event rather than blocking the publisher.
func (r *Router) Publish(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		s.enqueue(event)
	}
}

// Close shuts down all subscribers. Used by tests and process teardown.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		s.close()
		delete(r.subs, id)
	}
}

func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= subscriberQueueCap {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		slog.Warn("bus.subscriber.dropped_event", "subscriber", s.id, "kind", dropped.Kind, "minion", dropped.MinionID)
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.handler(e)
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.queue = nil
		close(s.wake)
	}
	s.mu.Unlock()
}
