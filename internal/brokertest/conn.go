package brokertest

import (
	"context"
	"fmt"
	"sort"

	"github.com/glimte/fanout-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn is one client connection to the in-memory broker
type Conn struct {
	broker   *Broker
	channels map[*Channel]struct{}
	closes   []chan *amqp.Error
	blocked  []chan amqp.Blocking
	closed   bool
}

var _ rabbitmq.Connection = (*Conn)(nil)

// Channel opens a new channel
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if b.failChannels > 0 {
		b.failChannels--
		if b.channelErr != nil {
			return nil, b.channelErr
		}
		return nil, amqp.ErrClosed
	}

	ch := &Channel{
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*pending),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for the connection closing
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

// NotifyBlocked registers a listener for connection.blocked and unblocked
func (c *Conn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blocked = append(c.blocked, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all of its channels
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// Drop closes the connection from the broker side with reason
func (c *Conn) Drop(reason string) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return
	}
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
}

// shutdown closes channels and listeners; err is nil for a client close.
// Must hold the broker lock.
func (c *Conn) shutdown(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true

	for ch := range c.channels {
		ch.shutdown(err)
	}
	for _, r := range c.closes {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
	for _, r := range c.blocked {
		close(r)
	}
	c.closes = nil
	c.blocked = nil
	delete(c.broker.conns, c)
}

// Channel is one channel on a Conn. It is also the Acknowledger of the
// deliveries it hands out.
type Channel struct {
	conn        *Conn
	prefetch    int
	consumers   map[string]*consumer
	unacked     map[uint64]*pending
	deliveryTag uint64
	closes      []chan *amqp.Error
	flows       []chan bool
	closed      bool
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func (ch *Channel) lock() *Broker {
	b := ch.conn.broker
	b.mu.Lock()
	return b
}

// fail closes the channel with a broker error and returns it; must hold the lock
func (ch *Channel) fail(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.shutdown(err)
	return err
}

// ExchangeDeclare declares an exchange, failing on a conflicting redeclare
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	switch kind {
	case amqp.ExchangeFanout, amqp.ExchangeDirect, amqp.ExchangeTopic:
	default:
		return ch.fail(amqp.CommandInvalid, fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind))
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name))
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

// QueueDeclare declares a queue, failing on a conflicting redeclare
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if q, ok := b.queues[name]; ok {
		if q.durable != durable || !equalArgs(q.args, args) {
			return amqp.Queue{}, ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, durable: durable, args: copyTable(args)}
	return amqp.Queue{Name: name}, nil
}

// QueueBind binds queue to exchange with key
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// QueueDelete deletes queue and returns the number of messages dropped
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}
	return b.deleteQueue(name), nil
}

// Qos sets the prefetch applied to consumers started afterwards
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// PublishWithContext routes msg through the exchange
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.route(exchangeName, key, msg, false); err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok {
			ch.shutdown(amqpErr)
		}
		return err
	}
	b.published++
	return nil
}

// Consume starts a consumer on queue
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		return nil, ch.fail(amqp.NotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag))
	}

	credit := ch.prefetch
	if credit <= 0 {
		credit = unlimitedCredit
	}
	c := &consumer{
		tag:        consumerTag,
		channel:    ch,
		queue:      q,
		deliveries: make(chan amqp.Delivery, credit),
		credit:     credit,
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.dispatch(q)

	return c.deliveries, nil
}

// Cancel stops the consumer; unacknowledged deliveries stay with the channel
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[consumerTag]; ok {
		ch.removeConsumer(c)
	}
	return nil
}

// NotifyClose registers a listener for the channel closing
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closes = append(ch.closes, receiver)
	return receiver
}

// NotifyFlow registers a listener for channel.flow
func (ch *Channel) NotifyFlow(receiver chan bool) chan bool {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.flows = append(ch.flows, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	b := ch.lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close closes the channel, requeueing its unacknowledged deliveries
func (ch *Channel) Close() error {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// Ack acknowledges a delivery
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, true, false)
}

// Nack negatively acknowledges a delivery
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, false, requeue)
}

// Reject negatively acknowledges a single delivery
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple, ack, requeue bool) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else {
		tags = []uint64{tag}
	}

	for _, t := range tags {
		p, ok := ch.unacked[t]
		if !ok {
			return fmt.Errorf("brokertest: unknown delivery tag %d", t)
		}
		delete(ch.unacked, t)
		b.settle(p, ack, requeue)
	}
	return nil
}

// removeConsumer detaches c from its queue and closes its deliveries; must hold the lock
func (ch *Channel) removeConsumer(c *consumer) {
	delete(ch.consumers, c.tag)
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	close(c.deliveries)
}

// shutdown closes the channel; err is nil for a client close. Must hold the lock.
func (ch *Channel) shutdown(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.conn.broker

	for _, c := range ch.consumers {
		ch.removeConsumer(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	// Requeue newest first so the oldest ends up at the head.
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	touched := make(map[*queue]bool)
	for _, tag := range tags {
		p := ch.unacked[tag]
		delete(ch.unacked, tag)
		p.consumer.inflight--
		if _, ok := b.queues[p.queue.name]; ok {
			p.msg.redelivered = true
			p.queue.ready = append([]*message{p.msg}, p.queue.ready...)
			touched[p.queue] = true
		}
	}

	for _, r := range ch.closes {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
	for _, r := range ch.flows {
		close(r)
	}
	ch.closes = nil
	ch.flows = nil
	delete(ch.conn.channels, ch)

	for q := range touched {
		b.dispatch(q)
	}
}
