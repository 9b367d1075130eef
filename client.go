// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/fanout-go/contracts"
	"github.com/glimte/fanout-go/interceptors"
	"github.com/glimte/fanout-go/internal/rabbitmq"
	"github.com/glimte/fanout-go/internal/reliability"
	"github.com/glimte/fanout-go/messaging"
)

// ConnectionState is the client's view of the broker connection
type ConnectionState = rabbitmq.ConnectionState

const (
	StateDisconnected = rabbitmq.StateDisconnected
	StateConnecting   = rabbitmq.StateConnecting
	StateConnected    = rabbitmq.StateConnected
	StateClosing      = rabbitmq.StateClosing
)

// Observer receives connection and message events, see the metrics package
type Observer = rabbitmq.Observer

// Outcome is how a consumed delivery was settled
type Outcome = rabbitmq.Outcome

// NopObserver discards every event; embed it to implement part of Observer
type NopObserver = rabbitmq.NopObserver

// Client publishes events to the namespace exchange and dispatches events
// from the service queue to registered handlers
type Client struct {
	cfg        Config
	names      Names
	logger     *slog.Logger
	observer   Observer
	registry   *messaging.HandlerRegistry
	chain      *interceptors.Chain
	gate       *rabbitmq.ReadinessGate
	supervisor *rabbitmq.Supervisor
	publisher  *rabbitmq.Publisher

	mu      sync.Mutex
	started bool
	stopped bool
}

type clientConfig struct {
	logger    *slog.Logger
	dialer    rabbitmq.Dialer
	registry  *messaging.HandlerRegistry
	observer  Observer
	chain     *interceptors.Chain
	listeners []rabbitmq.ConnectionStateListener
}

// Option configures the client
type Option func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithRegistry uses an existing handler registry
func WithRegistry(registry *messaging.HandlerRegistry) Option {
	return func(cfg *clientConfig) {
		cfg.registry = registry
	}
}

// WithObserver reports connection and message events to observer
func WithObserver(observer Observer) Option {
	return func(cfg *clientConfig) {
		cfg.observer = observer
	}
}

// OnStateChange calls fn on every connection state transition. Calls come
// from a dedicated goroutine in transition order, so fn may use the client.
func OnStateChange(fn func(ConnectionState)) Option {
	return func(cfg *clientConfig) {
		cfg.listeners = append(cfg.listeners, fn)
	}
}

// WithInterceptors wraps every handler registered on the client in chain
func WithInterceptors(chain *interceptors.Chain) Option {
	return func(cfg *clientConfig) {
		cfg.chain = chain
	}
}

// New validates cfg and builds a client. Nothing touches the network until Start.
func New(cfg Config, options ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()
	cfg.ConnectionName = cfg.ConnectionIdentifier()

	cc := &clientConfig{
		logger:   slog.Default(),
		dialer:   rabbitmq.DialAMQP,
		observer: rabbitmq.NopObserver{},
	}
	for _, opt := range options {
		opt(cc)
	}
	if cc.registry == nil {
		cc.registry = messaging.NewHandlerRegistry(messaging.WithRegistryLogger(cc.logger))
	}

	names := cfg.Names()
	logger := cc.logger.With("service", cfg.ServiceName, "namespace", cfg.Namespace)

	c := &Client{
		cfg:      cfg,
		names:    names,
		logger:   logger,
		observer: cc.observer,
		registry: cc.registry,
		chain:    cc.chain,
		gate:     rabbitmq.NewReadinessGate(),
	}

	c.publisher = rabbitmq.NewPublisher(c.gate, names.Exchange,
		rabbitmq.WithAppID(cfg.ServiceName),
		rabbitmq.WithPublisherLogger(logger),
		rabbitmq.WithPublisherObserver(cc.observer),
	)

	if cfg.Simulated {
		return c, nil
	}

	dialURL, heartbeat, err := cfg.DialURL()
	if err != nil {
		return nil, err
	}
	backoff, err := reliability.NewSequenceBackoff(cfg.ReconnectBackoff)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	topology := rabbitmq.NewTopologyManager(cfg.topologySpec(),
		rabbitmq.WithTopologyLogger(logger),
		rabbitmq.WithTopologyObserver(cc.observer),
	)

	supervisorOpts := []rabbitmq.SupervisorOption{
		rabbitmq.WithDialer(cc.dialer),
		rabbitmq.WithSupervisorLogger(logger),
		rabbitmq.WithSupervisorObserver(cc.observer),
	}
	for _, listener := range cc.listeners {
		supervisorOpts = append(supervisorOpts, rabbitmq.WithStateListener(listener))
	}
	if cfg.Listen {
		consumer := rabbitmq.NewConsumer(names.Queue, c.registry,
			rabbitmq.WithUnhandledPolicy(rabbitmq.UnhandledPolicy(cfg.UnhandledPolicy)),
			rabbitmq.WithConsumerTagPrefix(cfg.ConnectionName),
			rabbitmq.WithConsumerLogger(logger),
			rabbitmq.WithConsumerObserver(cc.observer),
		)
		supervisorOpts = append(supervisorOpts, rabbitmq.WithConsumer(consumer))
	}

	c.supervisor, err = rabbitmq.NewSupervisor(rabbitmq.SupervisorConfig{
		URL:             dialURL,
		ConnectionName:  cfg.ConnectionName,
		Heartbeat:       heartbeat,
		Prefetch:        cfg.Prefetch,
		Backoff:         backoff,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, topology, c.gate, supervisorOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	return c, nil
}

// Start begins connecting in the background and returns immediately. Use
// Ready to wait for the first successful connection. Calling Start again is
// a no-op; after Stop it returns ErrClosed.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	if c.cfg.Simulated {
		c.logger.Info("simulated mode, not connecting to a broker")
		return nil
	}

	c.logger.Info("starting client",
		"url", rabbitmq.SanitizeURL(c.cfg.URL),
		"exchange", c.names.Exchange,
		"queue", c.names.Queue,
		"listen", c.cfg.Listen,
	)
	if err := c.supervisor.Start(); err != nil {
		if errors.Is(err, rabbitmq.ErrSupervisorClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Stop cancels the consumer, closes the channel and connection, and stops
// reconnecting. The handler in flight, if any, may finish until ctx ends or
// ShutdownTimeout passes. Cleanup failures are logged, not returned.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	alreadyStopped := c.stopped
	c.stopped = true
	c.mu.Unlock()

	if c.supervisor == nil {
		c.gate.Shutdown()
		return nil
	}
	if !alreadyStopped {
		c.logger.Info("stopping client")
	}
	return c.supervisor.Stop(ctx)
}

// Publish sends data as the payload of event to every service bound to the
// namespace exchange.
//
// Once started, Publish waits for the connection to be ready and for broker
// flow control to allow writes. Before Start it follows PendingPublishPolicy.
// In simulated mode it only logs.
func (c *Client) Publish(ctx context.Context, event string, data any) error {
	env, err := contracts.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	started, stopped := c.started, c.stopped
	c.mu.Unlock()

	if stopped {
		return ErrClosed
	}

	if c.cfg.Simulated {
		c.logger.Info("simulated publish",
			"event", env.Event,
			"exchange", c.names.Exchange,
			"data", string(env.Data),
		)
		c.observer.Published(env.Event, true)
		return nil
	}

	if !started {
		switch c.cfg.PendingPublishPolicy {
		case PendingError:
			return ErrNotStarted
		case PendingWait:
			c.logger.Debug("waiting for start before publishing", "event", env.Event)
		default:
			c.logger.Warn("dropping publish, client not started", "event", env.Event)
			return nil
		}
	}

	if err := c.publisher.Publish(ctx, env); err != nil {
		if errors.Is(err, rabbitmq.ErrSupervisorClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Register binds handler to one or more fully qualified event names. The
// last registration for a name wins. Handlers may be registered at any time.
func (c *Client) Register(handler messaging.MessageHandler, events ...string) error {
	if handler == nil {
		return messaging.ErrNilHandler
	}
	return c.registry.Register(c.chain.Then(handler), events...)
}

// RegisterFunc is Register for a plain function
func (c *Client) RegisterFunc(fn messaging.MessageHandlerFunc, events ...string) error {
	if fn == nil {
		return messaging.ErrNilHandler
	}
	return c.Register(fn, events...)
}

// Unregister removes the handler for event and reports whether one existed
func (c *Client) Unregister(event string) bool {
	return c.registry.Unregister(event)
}

// Registry returns the handler registry
func (c *Client) Registry() *messaging.HandlerRegistry {
	return c.registry
}

// Ready blocks until the current connection has its topology in place.
// It returns immediately in simulated mode.
func (c *Client) Ready(ctx context.Context) error {
	if c.cfg.Simulated {
		return nil
	}
	if _, err := c.gate.Wait(ctx); err != nil {
		if errors.Is(err, rabbitmq.ErrSupervisorClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// IsReady reports whether publishes currently go straight to the broker
func (c *Client) IsReady() bool {
	return c.cfg.Simulated || c.gate.Ready()
}

// State returns the connection state; always StateDisconnected in simulated mode
func (c *Client) State() ConnectionState {
	if c.supervisor == nil {
		return StateDisconnected
	}
	return c.supervisor.State()
}

// Simulated reports whether the client runs without a broker
func (c *Client) Simulated() bool {
	return c.cfg.Simulated
}

// Names returns the derived exchange and queue names
func (c *Client) Names() Names {
	return c.names
}

// Config returns a copy of the validated configuration
func (c *Client) Config() Config {
	return c.cfg.clone()
}
