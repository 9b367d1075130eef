// Package metrics exports client engine events as Prometheus collectors.
//
// A Collector implements fanout.Observer; pass it with fanout.WithObserver
// and register it on the registry your /metrics endpoint serves.
package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/fanout-go/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fanout"

// Collector holds the Prometheus collectors for one client
type Collector struct {
	mu         sync.Mutex
	registered bool

	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reconnectDelay    prometheus.Histogram
	topologyConflicts *prometheus.CounterVec
	published         *prometheus.CounterVec
	consumed          *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
}

var _ rabbitmq.Observer = (*Collector)(nil)

// NewCollector creates the collectors. Nothing is registered until Register.
func NewCollector() *Collector {
	return &Collector{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 closing",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts scheduled after a failure",
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay before each reconnect attempt",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		topologyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_conflicts_total",
			Help:      "Queues deleted because their arguments conflicted with the configuration",
		}, []string{"queue"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published, by event and mode",
		}, []string{"event", "mode"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Deliveries settled by the consumer, by event and outcome",
		}, []string{"event", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling a delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
	}
}

// Register adds the collectors to reg, or to the default registerer when reg
// is nil. Calling it twice is harmless. When another Collector already
// registered the same metrics on reg, this one records into those instead,
// so several clients can share one registry. Register before handing the
// Collector to a client.
func (c *Collector) Register(reg prometheus.Registerer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	if err := register(reg, &c.connectionState); err != nil {
		return err
	}
	if err := register(reg, &c.reconnectAttempts); err != nil {
		return err
	}
	if err := register(reg, &c.reconnectDelay); err != nil {
		return err
	}
	if err := register(reg, &c.topologyConflicts); err != nil {
		return err
	}
	if err := register(reg, &c.published); err != nil {
		return err
	}
	if err := register(reg, &c.consumed); err != nil {
		return err
	}
	if err := register(reg, &c.handlerDuration); err != nil {
		return err
	}
	c.registered = true
	return nil
}

// register adds *collector to reg, swapping in the existing collector when
// the same metric is already registered
func register[T prometheus.Collector](reg prometheus.Registerer, collector *T) error {
	err := reg.Register(*collector)
	if err == nil {
		return nil
	}

	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return fmt.Errorf("metrics: existing collector has type %T", are.ExistingCollector)
	}
	*collector = existing
	return nil
}

// StateChanged implements rabbitmq.Observer
func (c *Collector) StateChanged(state rabbitmq.ConnectionState) {
	c.connectionState.Set(float64(state))
}

// ReconnectScheduled counts the attempt and records its backoff delay
func (c *Collector) ReconnectScheduled(attempt int, delay time.Duration) {
	c.reconnectAttempts.Inc()
	c.reconnectDelay.Observe(delay.Seconds())
}

// TopologyConflict implements rabbitmq.Observer
func (c *Collector) TopologyConflict(queue string) {
	c.topologyConflicts.WithLabelValues(queue).Inc()
}

// Published counts a publish, labelled broker or simulated
func (c *Collector) Published(event string, simulated bool) {
	mode := "broker"
	if simulated {
		mode = "simulated"
	}
	c.published.WithLabelValues(event, mode).Inc()
}

// Consumed counts a settled delivery. Malformed deliveries never reached a
// handler, so they get no duration sample.
func (c *Collector) Consumed(event string, outcome rabbitmq.Outcome, duration time.Duration) {
	if event == "" {
		event = "unknown"
	}
	c.consumed.WithLabelValues(event, string(outcome)).Inc()
	if outcome != rabbitmq.OutcomeMalformed {
		c.handlerDuration.WithLabelValues(event).Observe(duration.Seconds())
	}
}
