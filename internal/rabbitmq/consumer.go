package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/fanout-go/contracts"
	"github.com/glimte/fanout-go/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// UnhandledPolicy decides what happens to a message no handler is registered for
type UnhandledPolicy string

const (
	// UnhandledAcknowledge drops the message silently
	UnhandledAcknowledge UnhandledPolicy = "acknowledge"
	// UnhandledReject rejects the message so it reaches the dead-letter queue
	UnhandledReject UnhandledPolicy = "reject"
)

// Valid reports whether p is a known policy
func (p UnhandledPolicy) Valid() bool {
	return p == UnhandledAcknowledge || p == UnhandledReject
}

// HandlerLookup resolves the handler for an event name
type HandlerLookup interface {
	Lookup(event string) (messaging.MessageHandler, bool)
}

// Consumer subscribes to the primary queue and dispatches each delivery to
// the handler registered for its event
type Consumer struct {
	queue     string
	handlers  HandlerLookup
	unhandled UnhandledPolicy
	tagPrefix string
	logger    *slog.Logger
	observer  Observer

	mu      sync.Mutex
	lastTag string
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithUnhandledPolicy sets the policy for messages without a handler
func WithUnhandledPolicy(policy UnhandledPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.unhandled = policy
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerObserver sets the observer
func WithConsumerObserver(observer Observer) ConsumerOption {
	return func(c *Consumer) {
		c.observer = observer
	}
}

// NewConsumer creates a consumer for queue
func NewConsumer(queue string, handlers HandlerLookup, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:     queue,
		handlers:  handlers,
		unhandled: UnhandledAcknowledge,
		tagPrefix: "consumer",
		logger:    slog.Default(),
		observer:  NopObserver{},
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is one running consumer loop on one channel
type Subscription struct {
	Queue       string
	ConsumerTag string

	channel  Channel
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	abort    context.CancelFunc
}

// Done is closed once the loop has exited, either because Cancel was called
// or because the broker stopped delivering
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel asks the broker to stop delivering and stops the loop after the
// message being handled, if any. Errors from the broker are ignored.
func (s *Subscription) Cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.channel.Cancel(s.ConsumerTag, false)
	})
}

// Wait blocks until the loop has exited or ctx is done
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort cancels the context handed to the in-flight handler
func (s *Subscription) Abort() {
	s.abort()
}

// Listen cancels any earlier subscription of this consumer on ch, then
// starts consuming the queue with manual acknowledgment. Prefetch is set
// on the channel by the caller.
func (c *Consumer) Listen(ch Channel) (*Subscription, error) {
	c.mu.Lock()
	previous := c.lastTag
	tag := fmt.Sprintf("%s.%s", c.tagPrefix, uuid.NewString())
	c.lastTag = tag
	c.mu.Unlock()

	if previous != "" {
		_ = ch.Cancel(previous, false)
	}

	deliveries, err := ch.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       c.queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	handlerCtx, abort := context.WithCancel(context.Background())
	sub := &Subscription{
		Queue:       c.queue,
		ConsumerTag: tag,
		channel:     ch,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		abort:       abort,
	}

	go c.processMessages(handlerCtx, sub, deliveries)

	c.logger.Info("subscribed to queue", "queue", c.queue, "consumerTag", tag)
	return sub, nil
}

// processMessages handles deliveries one at a time in broker order
func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery) {
	defer func() {
		sub.abort()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
	}()

	for {
		select {
		case <-sub.stop:
			return
		default:
		}

		select {
		case <-sub.stop:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.Queue)
				return
			}
			c.HandleDelivery(ctx, delivery)
		}
	}
}

// HandleDelivery decodes, dispatches and settles a single delivery
func (c *Consumer) HandleDelivery(ctx context.Context, delivery amqp.Delivery) Outcome {
	start := time.Now()

	env, err := contracts.DecodeEnvelope(delivery.Body)
	if err != nil {
		c.logger.Error("rejecting malformed message",
			"queue", c.queue,
			"messageId", delivery.MessageId,
			"redelivered", delivery.Redelivered,
			"error", err,
		)
		c.reject(delivery, "")
		c.observer.Consumed("", OutcomeMalformed, time.Since(start))
		return OutcomeMalformed
	}

	logger := c.logger.With(
		"event", env.Event,
		"messageId", delivery.MessageId,
		"redelivered", delivery.Redelivered,
	)
	if delivery.Redelivered {
		logger.Warn("message was redelivered after an earlier crash or handler failure")
	}

	handler, ok := c.handlers.Lookup(env.Event)
	if !ok {
		var outcome Outcome
		switch c.unhandled {
		case UnhandledReject:
			logger.Debug("rejecting message without handler")
			c.reject(delivery, env.Event)
			outcome = OutcomeUnhandledRejected
		default:
			logger.Debug("acknowledging message without handler")
			c.ack(delivery, env.Event)
			outcome = OutcomeUnhandledAcked
		}
		c.observer.Consumed(env.Event, outcome, time.Since(start))
		return outcome
	}

	msg := &messaging.Message{
		Event:       env.Event,
		Data:        env.Data,
		MessageID:   delivery.MessageId,
		Timestamp:   delivery.Timestamp,
		Redelivered: delivery.Redelivered,
	}

	if err := invoke(ctx, handler, msg); err != nil {
		logger.Error("handler failed, rejecting message", "error", err)
		c.reject(delivery, env.Event)
		c.observer.Consumed(env.Event, OutcomeHandlerFailed, time.Since(start))
		return OutcomeHandlerFailed
	}

	c.ack(delivery, env.Event)
	c.observer.Consumed(env.Event, OutcomeAcked, time.Since(start))
	return OutcomeAcked
}

// invoke runs the handler, turning a panic into an error
func invoke(ctx context.Context, handler messaging.MessageHandler, msg *messaging.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return handler.Handle(ctx, msg)
}

func (c *Consumer) ack(delivery amqp.Delivery, event string) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "event", event, "error", err)
	}
}

// reject settles without requeue so the broker dead-letters or drops it
func (c *Consumer) reject(delivery amqp.Delivery, event string) {
	if err := delivery.Nack(false, false); err != nil {
		c.logger.Error("failed to nack message", "event", event, "error", err)
	}
}
