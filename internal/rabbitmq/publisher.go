package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/fanout-go/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Session is one connection epoch's publish handle: the live connection,
// its channel, and the flow-control state the broker reports for them.
type Session struct {
	conn    Connection
	channel Channel
	logger  *slog.Logger

	mu      sync.Mutex
	paused  bool // channel.flow active=false
	blocked bool // connection.blocked
	resume  chan struct{}
}

func newSession(conn Connection, ch Channel, logger *slog.Logger) *Session {
	s := &Session{
		conn:    conn,
		channel: ch,
		logger:  logger,
		resume:  make(chan struct{}),
	}
	close(s.resume)

	flow := ch.NotifyFlow(make(chan bool, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go s.watchFlow(flow, blocked)

	return s
}

// watchFlow tracks broker backpressure until both notification channels close
func (s *Session) watchFlow(flow <-chan bool, blocked <-chan amqp.Blocking) {
	for flow != nil || blocked != nil {
		select {
		case active, ok := <-flow:
			if !ok {
				flow = nil
				s.setPaused(false)
				continue
			}
			s.setPaused(!active)
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				s.setBlocked(false)
				continue
			}
			if b.Active {
				s.logger.Warn("broker blocked publishing", "reason", b.Reason)
			}
			s.setBlocked(b.Active)
		}
	}
}

func (s *Session) setPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
	s.updateResume()
}

func (s *Session) setBlocked(blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = blocked
	s.updateResume()
}

// updateResume keeps resume open while writes are held back; must hold mu
func (s *Session) updateResume() {
	held := s.paused || s.blocked
	select {
	case <-s.resume:
		if held {
			s.resume = make(chan struct{})
		}
	default:
		if !held {
			close(s.resume)
		}
	}
}

// Writable reports whether the broker currently accepts publishes
func (s *Session) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.paused && !s.blocked
}

// waitWritable suspends while the broker applies backpressure
func (s *Session) waitWritable(ctx context.Context) error {
	s.mu.Lock()
	resume := s.resume
	s.mu.Unlock()

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel returns the epoch's channel
func (s *Session) Channel() Channel {
	return s.channel
}

// Publish writes msg once the broker accepts writes
func (s *Session) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	if s.channel.IsClosed() {
		return ErrChannelClosed
	}
	return s.channel.PublishWithContext(ctx, exchange, key, false, false, msg)
}

// Publisher writes envelopes to the exchange of whichever epoch is current
type Publisher struct {
	gate     *ReadinessGate
	exchange string
	appID    string
	logger   *slog.Logger
	observer Observer
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherObserver sets the observer
func WithPublisherObserver(observer Observer) PublisherOption {
	return func(p *Publisher) {
		p.observer = observer
	}
}

// WithAppID sets the AppId stamped on every publishing
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		p.appID = appID
	}
}

// NewPublisher creates a publisher that waits on gate before each write
func NewPublisher(gate *ReadinessGate, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		gate:     gate,
		exchange: exchange,
		logger:   slog.Default(),
		observer: NopObserver{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish serializes env, waits for readiness and writes it as a persistent
// message routed by its event name. A write that fails because the epoch
// ended is retried on the next epoch.
func (p *Publisher) Publish(ctx context.Context, env *contracts.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         env.Event,
		AppId:        p.appID,
		Body:         body,
	}

	var stale *Session
	for {
		session, err := p.gate.waitAfter(ctx, stale)
		if err != nil {
			return err
		}

		err = session.Publish(ctx, p.exchange, env.Event, msg)
		if err == nil {
			break
		}
		if errors.Is(err, ErrChannelClosed) || errors.Is(err, amqp.ErrClosed) {
			// The epoch ended between the gate and the write.
			p.logger.Debug("connection lost during publish, waiting for reconnect", "event", env.Event)
			stale = session
			continue
		}

		p.logger.Error("failed to publish message",
			"event", env.Event,
			"exchange", p.exchange,
			"error", err,
		)
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: env.Event,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.observer.Published(env.Event, false)
	p.logger.Debug("published message", "event", env.Event, "messageId", msg.MessageId)
	return nil
}
