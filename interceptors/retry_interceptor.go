package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/fanout-go/internal/reliability"
	"github.com/glimte/fanout-go/messaging"
)

// ErrNonRetryable, wrapped into a handler error, stops further retries
var ErrNonRetryable = reliability.ErrNonRetryable

// RetryInterceptor calls the handler again after a failure before the
// message is rejected.
type RetryInterceptor struct {
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// DefaultRetryDelays is used when NewRetryInterceptor gets no valid delays
var DefaultRetryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second}

// NewRetryInterceptor retries at most maxRetries times. The n-th retry waits
// delays[n-1], or the last delay once the list runs out.
func NewRetryInterceptor(maxRetries int, delays ...time.Duration) *RetryInterceptor {
	backoff, err := reliability.NewSequenceBackoff(delays)
	if err != nil {
		backoff, _ = reliability.NewSequenceBackoff(DefaultRetryDelays)
	}
	return &RetryInterceptor{
		policy: reliability.Limited{Policy: backoff, Max: maxRetries},
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for retry attempts
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	attempt := 0
	return reliability.Retry(ctx, r.policy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			r.logger.Warn("retrying handler", "event", msg.Event, "message_id", msg.MessageID, "attempt", attempt)
		}
		return next.Handle(ctx, msg)
	})
}

// Name implements Interceptor
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
