package agent

import (
	"context"
	"sync"
)

// subscription buffers events for one Watch caller so that publishing from a
// zone actor never blocks on a slow reader.
type subscription struct {
	out chan Event

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription() *subscription {
	return &subscription{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.wake:
			}
			continue
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case s.out <- ev:
		}
	}
}

// Watch returns a channel of status changes across all zones. The channel is
// closed when ctx is done or the registry stops.
func (r *Registry) Watch(ctx context.Context) <-chan Event {
	sub := newSubscription()
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		close(sub.out)
		return sub.out
	}
	r.subsMu.Lock()
	r.subs[sub] = struct{}{}
	r.subsMu.Unlock()

	go func() {
		sub.pump(ctx)
		r.subsMu.Lock()
		delete(r.subs, sub)
		r.subsMu.Unlock()
	}()
	return sub.out
}

func (r *Registry) publish(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for sub := range r.subs {
		sub.push(ev)
	}
}
