package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/fanout-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SupervisorConfig holds the connection settings the supervisor dials with
type SupervisorConfig struct {
	URL             string
	ConnectionName  string
	Heartbeat       time.Duration
	Prefetch        int
	Backoff         *reliability.SequenceBackoff
	ShutdownTimeout time.Duration // zero waits for in-flight handlers until Stop's context ends
}

// ConnectionStateListener receives every state transition
type ConnectionStateListener func(state ConnectionState)

// Supervisor owns the broker connection. A single goroutine dials, asserts
// the topology, starts the consumer and, when the connection or channel
// closes, clears the readiness gate and starts over with backoff. Start and
// Stop only start and cancel that goroutine.
type Supervisor struct {
	cfg       SupervisorConfig
	dial      Dialer
	topology  *TopologyManager
	consumer  *Consumer
	gate      *ReadinessGate
	logger    *slog.Logger
	observer  Observer
	listeners []ConnectionStateListener
	notifier  *stateNotifier

	state atomic.Int32

	mu          sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	drainCtx    context.Context
	drainCancel context.CancelFunc
	done        chan struct{}
}

// SupervisorOption configures the supervisor
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets the logger
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithSupervisorObserver sets the observer
func WithSupervisorObserver(observer Observer) SupervisorOption {
	return func(s *Supervisor) {
		s.observer = observer
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) SupervisorOption {
	return func(s *Supervisor) {
		s.dial = dial
	}
}

// WithConsumer enables listening; without it the supervisor only publishes
func WithConsumer(consumer *Consumer) SupervisorOption {
	return func(s *Supervisor) {
		s.consumer = consumer
	}
}

// WithStateListener adds a listener for state transitions. Listeners run
// on a separate goroutine in transition order and may call back into the
// supervisor; the last transitions can arrive shortly after Stop returns.
func WithStateListener(listener ConnectionStateListener) SupervisorOption {
	return func(s *Supervisor) {
		s.listeners = append(s.listeners, listener)
	}
}

// NewSupervisor creates a supervisor in the Disconnected state
func NewSupervisor(cfg SupervisorConfig, topology *TopologyManager, gate *ReadinessGate, options ...SupervisorOption) (*Supervisor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidConfiguration)
	}
	if cfg.Backoff == nil {
		return nil, fmt.Errorf("%w: backoff policy is required", ErrInvalidConfiguration)
	}
	if topology == nil || gate == nil {
		return nil, fmt.Errorf("%w: topology manager and readiness gate are required", ErrInvalidConfiguration)
	}

	s := &Supervisor{
		cfg:      cfg,
		dial:     DialAMQP,
		topology: topology,
		gate:     gate,
		logger:   slog.Default(),
		observer: NopObserver{},
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// State returns the current connection state
func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Gate returns the readiness gate publishers wait on
func (s *Supervisor) Gate() *ReadinessGate {
	return s.gate
}

// Ready reports whether the current epoch finished its topology setup
func (s *Supervisor) Ready() bool {
	return s.gate.Ready()
}

// Started reports whether Start has been called
func (s *Supervisor) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start begins connecting in the background. It is a no-op while already
// connecting or connected and returns ErrSupervisorClosed after Stop.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSupervisorClosed
	}
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	if len(s.listeners) > 0 {
		s.notifier = newStateNotifier(s.listeners)
	}
	// Announced from run so no listener or observer is called under s.mu.
	s.state.Store(int32(StateConnecting))

	go s.run(ctx)
	return nil
}

// Stop cancels the consumer, closes the channel and connection and disables
// reconnection. In-flight handlers may finish until ctx ends or the
// configured shutdown timeout passes. Cleanup errors are logged; the
// returned error is only ever ctx's.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.closed = true
		s.mu.Unlock()
		s.gate.Shutdown()
		return nil
	}
	done := s.done
	if !s.closed {
		s.closed = true
		s.drainCtx = ctx
		if s.cfg.ShutdownTimeout > 0 {
			s.drainCtx, s.drainCancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		}
		s.cancel()
	}
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the supervisor goroutine has finished after Stop
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// epoch is everything opened by one successful connect
type epoch struct {
	conn       Connection
	channel    Channel
	session    *Session
	sub        *Subscription
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
}

func (s *Supervisor) run(ctx context.Context) {
	s.announce(StateConnecting)

	defer func() {
		s.gate.Shutdown()
		s.setState(StateDisconnected)
		if s.notifier != nil {
			s.notifier.close()
		}

		s.mu.Lock()
		if s.drainCancel != nil {
			s.drainCancel()
		}
		s.mu.Unlock()

		close(s.done)
	}()

	for {
		ep, err := s.establish(ctx)
		if err != nil {
			s.setState(StateClosing)
			return
		}

		s.setState(StateConnected)
		s.gate.Signal(ep.session)

		lost := s.watch(ctx, ep)
		s.gate.Reset()

		if !lost {
			s.setState(StateClosing)
			s.shutdown(ep)
			return
		}

		s.closeEpoch(ep)
		s.setState(StateConnecting)
	}
}

// establish retries connectOnce with backoff until it succeeds or ctx ends
func (s *Supervisor) establish(ctx context.Context) (*epoch, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ep, err := s.connectOnce(attempt)
		if err == nil {
			if ctx.Err() != nil {
				s.closeEpoch(ep)
				return nil, ctx.Err()
			}
			s.logger.Info("connected to RabbitMQ",
				"url", SanitizeURL(s.cfg.URL),
				"connectionName", s.cfg.ConnectionName,
				"attempts", attempt,
			)
			return ep, nil
		}

		delay := s.cfg.Backoff.Delay(attempt)
		s.logger.Warn("connection attempt failed",
			"url", SanitizeURL(s.cfg.URL),
			"attempt", attempt,
			"nextRetryIn", delay,
			"error", err,
		)
		s.observer.ReconnectScheduled(attempt, delay)

		if err := reliability.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// connectOnce opens connection and channel, sets prefetch, asserts the
// topology and starts the consumer. Anything opened is closed on failure.
func (s *Supervisor) connectOnce(attempt int) (*epoch, error) {
	conn, err := s.dial(s.cfg.URL, NewDialConfig(s.cfg.ConnectionName, s.cfg.Heartbeat))
	if err != nil {
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(s.cfg.URL),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}

	ep := &epoch{conn: conn}
	ep.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		s.closeEpoch(ep)
		return nil, &ChannelError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	ep.channel = ch
	ep.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		s.closeEpoch(ep)
		return nil, &ChannelError{Op: "set prefetch", Err: err, Timestamp: time.Now()}
	}

	if err := s.topology.Ensure(conn, ch); err != nil {
		s.closeEpoch(ep)
		return nil, err
	}

	ep.session = newSession(conn, ch, s.logger)

	if s.consumer != nil {
		sub, err := s.consumer.Listen(ch)
		if err != nil {
			s.closeEpoch(ep)
			return nil, err
		}
		ep.sub = sub
	}

	return ep, nil
}

// watch blocks until the epoch is lost (true) or Stop was called (false)
func (s *Supervisor) watch(ctx context.Context, ep *epoch) bool {
	var subDone <-chan struct{}
	if ep.sub != nil {
		subDone = ep.sub.Done()
	}

	select {
	case err := <-ep.connClosed:
		s.logger.Warn("connection closed unexpectedly", "error", err)
		return true
	case err := <-ep.chClosed:
		s.logger.Warn("channel closed unexpectedly", "error", err)
		return true
	case <-subDone:
		s.logger.Warn("consumer stopped unexpectedly", "queue", ep.sub.Queue)
		return true
	case <-ctx.Done():
		return false
	}
}

// shutdown cancels the subscription, lets the in-flight handler finish
// within the drain context, then closes everything
func (s *Supervisor) shutdown(ep *epoch) {
	if ep.sub != nil {
		ep.sub.Cancel()

		s.mu.Lock()
		drain := s.drainCtx
		s.mu.Unlock()
		if drain == nil {
			drain = context.Background()
		}

		if err := ep.sub.Wait(drain); err != nil {
			s.logger.Warn("in-flight handler did not finish before shutdown deadline, cancelling it",
				"queue", ep.sub.Queue,
				"error", err,
			)
			ep.sub.Abort()
		}
	}

	s.closeEpoch(ep)
	s.logger.Info("disconnected from RabbitMQ", "url", SanitizeURL(s.cfg.URL))
}

// closeEpoch closes whatever the epoch opened, logging failures
func (s *Supervisor) closeEpoch(ep *epoch) {
	if ep.sub != nil {
		ep.sub.Cancel()
	}
	if ep.channel != nil && !ep.channel.IsClosed() {
		if err := ep.channel.Close(); err != nil {
			s.logger.Debug("failed to close channel", "error", err)
		}
	}
	if ep.conn != nil && !ep.conn.IsClosed() {
		if err := ep.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}
}

func (s *Supervisor) setState(state ConnectionState) {
	if ConnectionState(s.state.Swap(int32(state))) == state {
		return
	}
	s.announce(state)
}

func (s *Supervisor) announce(state ConnectionState) {
	s.observer.StateChanged(state)
	if s.notifier != nil {
		s.notifier.push(state)
	}
}
