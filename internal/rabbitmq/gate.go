package rabbitmq

import (
	"context"
	"sync"
)

// ReadinessGate lets publishers wait for the current connection epoch to
// finish its topology setup. Each epoch hands its Session through Signal;
// Reset clears it when the connection is lost.
type ReadinessGate struct {
	mu      sync.Mutex
	ready   chan struct{}
	reset   chan struct{}
	closed  chan struct{}
	session *Session
	shut    bool
}

// NewReadinessGate creates an unsatisfied gate
func NewReadinessGate() *ReadinessGate {
	return &ReadinessGate{
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Wait blocks until the gate is satisfied and returns the epoch's session.
// It returns immediately when the gate is already satisfied.
func (g *ReadinessGate) Wait(ctx context.Context) (*Session, error) {
	return g.waitAfter(ctx, nil)
}

// waitAfter is Wait, except that stale is not accepted as the current session
func (g *ReadinessGate) waitAfter(ctx context.Context, stale *Session) (*Session, error) {
	for {
		g.mu.Lock()
		if g.session != nil && g.session != stale {
			s := g.session
			g.mu.Unlock()
			return s, nil
		}
		ready := g.ready
		if g.session != nil {
			// stale is still current; wait for the supervisor to notice.
			ready = g.next()
		}
		g.mu.Unlock()

		select {
		case <-ready:
			// A Reset may have raced the wake-up; re-check under the lock.
		case <-g.closed:
			return nil, ErrSupervisorClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// next returns a channel closed at the next Reset; must hold mu
func (g *ReadinessGate) next() chan struct{} {
	if g.reset == nil {
		g.reset = make(chan struct{})
	}
	return g.reset
}

// Signal satisfies the gate for the current epoch. It reports false when the
// gate was already satisfied or shut down.
func (g *ReadinessGate) Signal(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shut || g.session != nil || s == nil {
		return false
	}
	g.session = s
	close(g.ready)
	return true
}

// Reset starts a new, unsatisfied epoch. Waiters that have not woken yet keep
// waiting for the next Signal.
func (g *ReadinessGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session == nil {
		return
	}
	g.session = nil
	g.ready = make(chan struct{})
	if g.reset != nil {
		close(g.reset)
		g.reset = nil
	}
}

// Ready reports whether the gate is currently satisfied
func (g *ReadinessGate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session != nil
}

// Shutdown releases every waiter with ErrSupervisorClosed
func (g *ReadinessGate) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shut {
		return
	}
	g.shut = true
	g.session = nil
	close(g.closed)
}
