// Package brokertest provides an in-memory broker implementing the
// rabbitmq Connection and Channel interfaces.
//
// It models what the engine depends on: exchanges (fanout, direct, topic and
// the default exchange), queues with arguments, per-consumer prefetch,
// manual acknowledgment, dead-lettering on reject, precondition failures on
// conflicting declarations, flow control and dropped connections.
package brokertest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/glimte/fanout-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialRefused is returned by Dial while failures are injected without an error
var ErrDialRefused = errors.New("brokertest: connection refused")

const unlimitedCredit = 1024

// Broker is the in-memory broker. The zero value is not usable; use New.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}

	dials        int
	failDials    int
	dialErr      error
	failChannels int
	channelErr   error
	lastURL      string
	lastConfig   amqp.Config
	deletes      map[string]int
	published    int
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	ready     []*message
	consumers []*consumer
	next      int
}

type message struct {
	exchange    string
	key         string
	publishing  amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag        string
	channel    *Channel
	queue      *queue
	deliveries chan amqp.Delivery
	credit     int
	inflight   int
}

type pending struct {
	queue    *queue
	consumer *consumer
	msg      *message
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
		deletes:   make(map[string]int),
	}
}

// Dial opens a connection; its signature matches rabbitmq.Dialer
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	b.lastURL = url
	b.lastConfig = config

	if b.failDials > 0 {
		b.failDials--
		if b.dialErr != nil {
			return nil, b.dialErr
		}
		return nil, ErrDialRefused
	}

	c := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailNextDials makes the next n dials fail with err
func (b *Broker) FailNextDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
	b.dialErr = err
}

// FailNextChannels makes the next n channel opens fail with err
func (b *Broker) FailNextChannels(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failChannels = n
	b.channelErr = err
}

// Dials returns the number of dial attempts so far
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// LastURL returns the URL of the most recent dial
func (b *Broker) LastURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastURL
}

// LastConfig returns the amqp config of the most recent dial
func (b *Broker) LastConfig() amqp.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastConfig
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// OpenChannels returns the number of channels not yet closed
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		n += len(c.channels)
	}
	return n
}

// Consumers returns the number of active consumers on queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// DeleteCount returns how many times queue was deleted
func (b *Broker) DeleteCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deletes[name]
}

// PublishedCount returns the number of publishes accepted from clients
func (b *Broker) PublishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// ExchangeExists reports whether the exchange was declared
func (b *Broker) ExchangeExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// ExchangeKind returns the type the exchange was declared with
func (b *Broker) ExchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		return ex.kind
	}
	return ""
}

// QueueExists reports whether the queue was declared
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the arguments the queue was declared with
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return copyTable(q.args)
	}
	return nil
}

// QueueDepth returns ready plus unacknowledged messages on queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	n := len(q.ready)
	for c := range b.conns {
		for ch := range c.channels {
			for _, p := range ch.unacked {
				if p.queue == q {
					n++
				}
			}
		}
	}
	return n
}

// Messages returns the ready messages on queue, oldest first
func (b *Broker) Messages(name string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Delivery, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.delivery(nil, "", 0))
	}
	return out
}

// DeclareQueue creates a queue directly, bypassing any client. Tests use it
// to seed a queue whose arguments conflict with the client's.
func (b *Broker) DeclareQueue(name string, durable bool, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = &queue{name: name, durable: durable, args: copyTable(args)}
}

// Publish routes a message as if a client had published it
func (b *Broker) Publish(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route(exchangeName, key, msg, false)
}

// DropConnections closes every connection from the broker side
func (b *Broker) DropConnections(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

// SetFlow sends channel.flow to every open channel
func (b *Broker) SetFlow(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		for ch := range c.channels {
			for _, r := range ch.flows {
				r <- active
			}
		}
	}
}

// Block sends connection.blocked to every open connection
func (b *Broker) Block(reason string) {
	b.notifyBlocked(amqp.Blocking{Active: true, Reason: reason})
}

// Unblock sends connection.unblocked to every open connection
func (b *Broker) Unblock() {
	b.notifyBlocked(amqp.Blocking{Active: false})
}

func (b *Broker) notifyBlocked(msg amqp.Blocking) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		for _, r := range c.blocked {
			r <- msg
		}
	}
}

// route delivers msg to every queue bound to the exchange; must hold mu
func (b *Broker) route(exchangeName, key string, msg amqp.Publishing, redelivered bool) error {
	var targets []string

	if exchangeName == "" {
		targets = []string{key}
	} else {
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName), Server: true}
		}
		for _, bd := range ex.bindings {
			if matches(ex.kind, bd.key, key) {
				targets = append(targets, bd.queue)
			}
		}
	}

	seen := make(map[string]bool, len(targets))
	for _, name := range targets {
		q, ok := b.queues[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		b.enqueue(q, &message{
			exchange:    exchangeName,
			key:         key,
			publishing:  copyPublishing(msg),
			redelivered: redelivered,
		})
	}
	return nil
}

func (b *Broker) enqueue(q *queue, m *message) {
	q.ready = append(q.ready, m)
	if limit, ok := intArg(q.args, "x-max-length"); ok && limit >= 0 {
		for int64(len(q.ready)) > limit {
			q.ready = q.ready[1:]
		}
	}
	b.dispatch(q)
}

// dispatch hands ready messages to consumers with credit, round robin; must hold mu
func (b *Broker) dispatch(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.inflight < c.credit {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]

		ch := target.channel
		ch.deliveryTag++
		tag := ch.deliveryTag
		ch.unacked[tag] = &pending{queue: q, consumer: target, msg: m}
		target.inflight++
		target.deliveries <- m.delivery(ch, target.tag, tag)
	}
}

// settle removes an unacknowledged delivery and requeues, dead-letters or
// drops it; must hold mu
func (b *Broker) settle(p *pending, ack, requeue bool) {
	p.consumer.inflight--

	switch {
	case ack:
	case requeue:
		if _, ok := b.queues[p.queue.name]; ok {
			p.msg.redelivered = true
			p.queue.ready = append([]*message{p.msg}, p.queue.ready...)
		}
	default:
		b.deadLetter(p.queue, p.msg)
	}

	if q, ok := b.queues[p.queue.name]; ok {
		b.dispatch(q)
	}
}

func (b *Broker) deadLetter(q *queue, m *message) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := m.key
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}

	pub := copyPublishing(m.publishing)
	if pub.Headers == nil {
		pub.Headers = amqp.Table{}
	}
	pub.Headers["x-first-death-queue"] = q.name
	pub.Headers["x-first-death-reason"] = "rejected"
	pub.Headers["x-first-death-exchange"] = m.exchange

	_ = b.route(dlx, key, pub, false)
}

func (b *Broker) deleteQueue(name string) int {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	for _, c := range append([]*consumer(nil), q.consumers...) {
		c.channel.removeConsumer(c)
	}
	delete(b.queues, name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	b.deletes[name]++
	return len(q.ready)
}

func (m *message) delivery(ch *Channel, consumerTag string, tag uint64) amqp.Delivery {
	p := m.publishing
	d := amqp.Delivery{
		Headers:         copyTable(p.Headers),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            append([]byte(nil), p.Body...),
	}
	if ch != nil {
		d.Acknowledger = ch
	}
	return d
}

// matches applies the exchange type's routing rule
func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeDirect:
		return bindingKey == routingKey
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	default:
		return false
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func intArg(args amqp.Table, key string) (int64, bool) {
	switch v := args[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

// equalArgs compares declaration arguments the way the broker does, treating
// nil and empty tables alike
func equalArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func copyPublishing(p amqp.Publishing) amqp.Publishing {
	p.Headers = copyTable(p.Headers)
	p.Body = append([]byte(nil), p.Body...)
	return p
}
