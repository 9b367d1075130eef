package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockConnection records calls; notification receivers are kept so tests can
// drive them
type mockConnection struct {
	mock.Mock

	mu      sync.Mutex
	closes  []chan *amqp.Error
	blocked []chan amqp.Blocking
}

func (m *mockConnection) Channel() (Channel, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Channel), args.Error(1)
}

func (m *mockConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, receiver)
	return receiver
}

func (m *mockConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = append(m.blocked, receiver)
	return receiver
}

func (m *mockConnection) sendBlocked(b amqp.Blocking) {
	m.mu.Lock()
	receivers := append([]chan amqp.Blocking(nil), m.blocked...)
	m.mu.Unlock()
	for _, r := range receivers {
		r <- b
	}
}

func (m *mockConnection) IsClosed() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockConnection) Close() error {
	args := m.Called()
	return args.Error(0)
}

// mockChannel for testing
type mockChannel struct {
	mock.Mock

	mu     sync.Mutex
	closes []chan *amqp.Error
	flows  []chan bool
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	mockArgs := m.Called(name, kind, durable, autoDelete, internal, noWait, args)
	return mockArgs.Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return amqp.Queue{Name: name}, mockArgs.Error(0)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	mockArgs := m.Called(name, key, exchange, noWait, args)
	return mockArgs.Error(0)
}

func (m *mockChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	mockArgs := m.Called(name, ifUnused, ifEmpty, noWait)
	return mockArgs.Int(0), mockArgs.Error(1)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	args := m.Called(prefetchCount, prefetchSize, global)
	return args.Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	args := m.Called(consumer, noWait)
	return args.Error(0)
}

func (m *mockChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, receiver)
	return receiver
}

func (m *mockChannel) NotifyFlow(receiver chan bool) chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows = append(m.flows, receiver)
	return receiver
}

func (m *mockChannel) sendFlow(active bool) {
	m.mu.Lock()
	receivers := append([]chan bool(nil), m.flows...)
	m.mu.Unlock()
	for _, r := range receivers {
		r <- active
	}
}

func (m *mockChannel) IsClosed() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

// mockDeliveryAcknowledger for testing
type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// recordingObserver collects observer events
type recordingObserver struct {
	NopObserver

	mu        sync.Mutex
	states    []ConnectionState
	conflicts []string
	consumed  []Outcome
	published []string
}

func (r *recordingObserver) StateChanged(state ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingObserver) TopologyConflict(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, queue)
}

func (r *recordingObserver) Published(event string, simulated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, event)
}

func (r *recordingObserver) Consumed(event string, outcome Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumed = append(r.consumed, outcome)
}

func (r *recordingObserver) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.consumed...)
}
