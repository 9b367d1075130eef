package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/fanout-go/contracts"
)

var (
	// ErrNilHandler is returned when registering a nil handler
	ErrNilHandler = errors.New("messaging: handler cannot be nil")

	// ErrNoEventNames is returned when registering without any event name
	ErrNoEventNames = errors.New("messaging: at least one event name is required")
)

// HandlerRegistry maps exact event names to handlers.
// The last registration for a name wins.
type HandlerRegistry struct {
	handlers map[string]MessageHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// RegistryOption configures the HandlerRegistry
type RegistryOption func(*HandlerRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		r.logger = logger
	}
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry(options ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		handlers: make(map[string]MessageHandler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register binds handler to each of the given event names, replacing
// any handler already registered for them. Names are validated before
// any of them is stored.
func (r *HandlerRegistry) Register(handler MessageHandler, events ...string) error {
	if handler == nil {
		return ErrNilHandler
	}
	if len(events) == 0 {
		return ErrNoEventNames
	}
	for _, event := range events {
		if err := contracts.ValidateEventName(event); err != nil {
			return fmt.Errorf("register handler: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, event := range events {
		if _, exists := r.handlers[event]; exists {
			r.logger.Debug("replacing message handler", "event", event)
		}
		r.handlers[event] = handler
		r.logger.Info("registered message handler", "event", event)
	}

	return nil
}

// RegisterFunc registers a function as a handler
func (r *HandlerRegistry) RegisterFunc(fn MessageHandlerFunc, events ...string) error {
	if fn == nil {
		return ErrNilHandler
	}
	return r.Register(fn, events...)
}

// Unregister removes the handler for event, reporting whether one existed
func (r *HandlerRegistry) Unregister(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[event]; !exists {
		return false
	}
	delete(r.handlers, event)
	r.logger.Info("unregistered message handler", "event", event)
	return true
}

// Lookup returns the handler registered for the exact event name
func (r *HandlerRegistry) Lookup(event string) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[event]
	return handler, ok
}

// Events returns the registered event names in sorted order
func (r *HandlerRegistry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := make([]string, 0, len(r.handlers))
	for event := range r.handlers {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// Len returns the number of registered event names
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
