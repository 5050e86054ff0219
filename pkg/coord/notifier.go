package coord

import "sync"

// Notifier delivers events to a callback serially, in order, from its own
// goroutine. Backends use it so that slow callbacks never block the session.
type Notifier struct {
	fn func(Event)

	mu      sync.Mutex
	pending []Event
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewNotifier starts a delivery goroutine for fn.
func NewNotifier(fn func(Event)) *Notifier {
	n := &Notifier{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.loop()
	return n
}

// Notify queues an event. Events queued after Stop are dropped.
func (n *Notifier) Notify(ev Event) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	if ev.Children != nil {
		ev.Children = sortedCopy(ev.Children)
	}
	n.pending = append(n.pending, ev)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Stop ends delivery. Queued but undelivered events are discarded.
func (n *Notifier) Stop() {
	n.once.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.pending = nil
		n.mu.Unlock()
		close(n.done)
	})
}

// Cancel implements Watch.
func (n *Notifier) Cancel() { n.Stop() }

func (n *Notifier) loop() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			if n.stopped || len(n.pending) == 0 {
				n.mu.Unlock()
				break
			}
			ev := n.pending[0]
			n.pending = n.pending[1:]
			n.mu.Unlock()
			n.fn(ev)
		}
	}
}
