package rabbitmq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessGate(t *testing.T) {
	t.Run("Wait returns immediately once signalled", func(t *testing.T) {
		gate := NewReadinessGate()
		session := &Session{}
		require.True(t, gate.Signal(session))

		got, err := gate.Wait(context.Background())
		require.NoError(t, err)
		assert.Same(t, session, got)
		assert.True(t, gate.Ready())
	})

	t.Run("Wait blocks until Signal", func(t *testing.T) {
		gate := NewReadinessGate()
		session := &Session{}

		result := make(chan *Session, 1)
		go func() {
			s, err := gate.Wait(context.Background())
			if err == nil {
				result <- s
			}
		}()

		select {
		case <-result:
			t.Fatal("Wait returned before Signal")
		case <-time.After(20 * time.Millisecond):
		}

		gate.Signal(session)
		select {
		case got := <-result:
			assert.Same(t, session, got)
		case <-time.After(time.Second):
			t.Fatal("Wait did not return after Signal")
		}
	})

	t.Run("Signal succeeds once per epoch", func(t *testing.T) {
		gate := NewReadinessGate()
		assert.True(t, gate.Signal(&Session{}))
		assert.False(t, gate.Signal(&Session{}))

		gate.Reset()
		assert.False(t, gate.Ready())
		assert.True(t, gate.Signal(&Session{}))
	})

	t.Run("Reset makes new waiters wait for the next epoch", func(t *testing.T) {
		gate := NewReadinessGate()
		first := &Session{}
		gate.Signal(first)
		gate.Reset()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := gate.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		second := &Session{}
		gate.Signal(second)
		got, err := gate.Wait(context.Background())
		require.NoError(t, err)
		assert.Same(t, second, got)
	})

	t.Run("Reset on an unsatisfied gate keeps current waiters", func(t *testing.T) {
		gate := NewReadinessGate()
		gate.Reset()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Wait(context.Background())
			assert.NoError(t, err)
		}()

		time.Sleep(10 * time.Millisecond)
		gate.Reset()
		gate.Signal(&Session{})
		wg.Wait()
	})

	t.Run("Shutdown releases waiters with ErrSupervisorClosed", func(t *testing.T) {
		gate := NewReadinessGate()

		errs := make(chan error, 1)
		go func() {
			_, err := gate.Wait(context.Background())
			errs <- err
		}()

		gate.Shutdown()
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrSupervisorClosed)
		case <-time.After(time.Second):
			t.Fatal("Wait did not return after Shutdown")
		}

		assert.False(t, gate.Signal(&Session{}))
		gate.Shutdown()
	})

	t.Run("a stale session is skipped until the next epoch", func(t *testing.T) {
		gate := NewReadinessGate()
		stale := &Session{}
		gate.Signal(stale)

		result := make(chan *Session, 1)
		go func() {
			s, err := gate.waitAfter(context.Background(), stale)
			if err == nil {
				result <- s
			}
		}()

		select {
		case <-result:
			t.Fatal("waitAfter returned the stale session")
		case <-time.After(20 * time.Millisecond):
		}

		fresh := &Session{}
		gate.Reset()
		gate.Signal(fresh)

		select {
		case got := <-result:
			assert.Same(t, fresh, got)
		case <-time.After(time.Second):
			t.Fatal("waitAfter did not return the next session")
		}
	})
}
