package rabbitmq

import "sync"

// stateNotifier delivers state transitions to listeners on its own goroutine,
// in the order they happened. Listeners may call back into the client
// without holding up the connection loop.
type stateNotifier struct {
	listeners []ConnectionStateListener

	mu     sync.Mutex
	queue  []ConnectionState
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newStateNotifier(listeners []ConnectionStateListener) *stateNotifier {
	n := &stateNotifier{
		listeners: listeners,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *stateNotifier) push(state ConnectionState) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, state)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// close stops accepting transitions; queued ones are still delivered
func (n *stateNotifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *stateNotifier) loop() {
	defer close(n.done)
	for {
		n.mu.Lock()
		pending := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, state := range pending {
			for _, listener := range n.listeners {
				listener(state)
			}
		}

		if len(pending) == 0 {
			if closed {
				return
			}
			<-n.wake
		}
	}
}
