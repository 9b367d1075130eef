package rabbitmq

import (
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologySpec describes the exchange, primary queue and optional
// dead-letter pair owned by one service
type TopologySpec struct {
	Exchange     string
	ExchangeType string
	Queue        string
	BindingKey   string
	Durable      bool
	MessageTTL   time.Duration // zero means no per-queue TTL
	DeadLetter   DeadLetterSpec
}

// DeadLetterSpec describes the dead-letter exchange and queue
type DeadLetterSpec struct {
	Enabled   bool
	Exchange  string
	Queue     string
	TTL       time.Duration // zero means messages stay until consumed
	MaxLength int           // zero means unbounded
}

// QueueArguments returns the x-arguments of the primary queue
func (t TopologySpec) QueueArguments() amqp.Table {
	args := amqp.Table{}
	if t.DeadLetter.Enabled {
		args["x-dead-letter-exchange"] = t.DeadLetter.Exchange
		args["x-dead-letter-routing-key"] = t.DeadLetter.Queue
	}
	if t.MessageTTL > 0 {
		args["x-message-ttl"] = t.MessageTTL.Milliseconds()
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// DeadLetterQueueArguments returns the x-arguments of the dead-letter queue
func (t TopologySpec) DeadLetterQueueArguments() amqp.Table {
	args := amqp.Table{}
	if t.DeadLetter.TTL > 0 {
		args["x-message-ttl"] = t.DeadLetter.TTL.Milliseconds()
	}
	if t.DeadLetter.MaxLength > 0 {
		args["x-max-length"] = int64(t.DeadLetter.MaxLength)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// TopologyManager asserts the service topology on a fresh channel
type TopologyManager struct {
	spec     TopologySpec
	logger   *slog.Logger
	observer Observer
}

// TopologyOption configures the topology manager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// WithTopologyObserver sets the observer
func WithTopologyObserver(observer Observer) TopologyOption {
	return func(tm *TopologyManager) {
		tm.observer = observer
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(spec TopologySpec, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		spec:     spec,
		logger:   slog.Default(),
		observer: NopObserver{},
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// Spec returns the topology being asserted
func (tm *TopologyManager) Spec() TopologySpec {
	return tm.spec
}

// Ensure declares the main exchange, the dead-letter pair when enabled, then
// the primary queue and its binding.
//
// When the primary queue exists with different arguments the broker fails
// the declare and closes ch. The conflicting queue is then deleted through a
// temporary channel on conn and the original error is returned, so the
// caller's reconnect declares it cleanly on the next attempt.
func (tm *TopologyManager) Ensure(conn Connection, ch Channel) error {
	spec := tm.spec

	if err := ch.ExchangeDeclare(spec.Exchange, spec.ExchangeType, spec.Durable, false, false, false, nil); err != nil {
		return tm.fail("exchange", spec.Exchange, "declare", err)
	}

	if spec.DeadLetter.Enabled {
		dl := spec.DeadLetter
		if err := ch.ExchangeDeclare(dl.Exchange, amqp.ExchangeDirect, spec.Durable, false, false, false, nil); err != nil {
			return tm.fail("exchange", dl.Exchange, "declare", err)
		}
		if _, err := ch.QueueDeclare(dl.Queue, spec.Durable, false, false, false, spec.DeadLetterQueueArguments()); err != nil {
			return tm.fail("queue", dl.Queue, "declare", err)
		}
		if err := ch.QueueBind(dl.Queue, dl.Queue, dl.Exchange, false, nil); err != nil {
			return tm.fail("binding", dl.Queue, "bind", err)
		}
	}

	if _, err := ch.QueueDeclare(spec.Queue, spec.Durable, false, false, false, spec.QueueArguments()); err != nil {
		if IsPreconditionFailed(err) {
			tm.logger.Warn("queue declaration conflicts with existing queue, deleting it",
				"queue", spec.Queue,
				"error", err,
			)
			tm.observer.TopologyConflict(spec.Queue)
			tm.deleteConflictingQueue(conn, spec.Queue)
		}
		return tm.fail("queue", spec.Queue, "declare", err)
	}

	if err := ch.QueueBind(spec.Queue, spec.BindingKey, spec.Exchange, false, nil); err != nil {
		return tm.fail("binding", spec.Queue, "bind", err)
	}

	tm.logger.Info("topology ready",
		"exchange", spec.Exchange,
		"queue", spec.Queue,
		"deadLetter", spec.DeadLetter.Enabled,
	)
	return nil
}

// deleteConflictingQueue removes queue through its own channel; the channel
// that saw the conflict is already closed by the broker
func (tm *TopologyManager) deleteConflictingQueue(conn Connection, queue string) {
	tmp, err := conn.Channel()
	if err != nil {
		tm.logger.Error("failed to open channel for queue repair", "queue", queue, "error", err)
		return
	}
	defer func() {
		if err := tmp.Close(); err != nil {
			tm.logger.Debug("failed to close repair channel", "error", err)
		}
	}()

	purged, err := tmp.QueueDelete(queue, false, false, false)
	if err != nil {
		tm.logger.Error("failed to delete conflicting queue", "queue", queue, "error", err)
		return
	}
	tm.logger.Warn("deleted conflicting queue", "queue", queue, "droppedMessages", purged)
}

func (tm *TopologyManager) fail(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
