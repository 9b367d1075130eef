package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/fanout-go/messaging"
)

// Interceptor runs around a handler and decides whether and how to call next
type Interceptor interface {
	Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The zero value is an empty chain.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain; the first interceptor runs outermost
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add appends an interceptor; it runs inside the ones already added
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Then wraps handler in the chain. A nil or empty chain returns handler unchanged.
func (c *Chain) Then(handler messaging.MessageHandler) messaging.MessageHandler {
	if c.Len() == 0 {
		return handler
	}

	wrapped := handler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor, next := c.interceptors[i], wrapped
		wrapped = messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return wrapped
}

// LoggingInterceptor logs each message with its processing time
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor. A nil logger uses slog.Default.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	start := time.Now()
	logger := i.logger.With("event", msg.Event, "message_id", msg.MessageID)
	if msg.Redelivered {
		logger = logger.With("redelivered", true)
	}

	logger.Debug("processing message")
	err := next.Handle(ctx, msg)
	if err != nil {
		logger.Error("message processing failed", "duration", time.Since(start), "error", err)
		return err
	}
	logger.Debug("message processed", "duration", time.Since(start))
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the handler context
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates an interceptor that bounds each handler call by timeout
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	if err := next.Handle(ctx, msg); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("handler for %s timed out after %s: %w", msg.Event, i.timeout, err)
		}
		return err
	}
	return nil
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
