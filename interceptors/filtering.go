package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/fanout-go/messaging"
)

// MessageFilter decides whether a message reaches the handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *messaging.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior is what happens to a message the filter turns away
type SkipBehavior int

const (
	// SkipSilently returns nil so the message is acknowledged
	SkipSilently SkipBehavior = iota
	// SkipWithLog acknowledges and logs the message
	SkipWithLog
	// SkipWithError fails the message so it is rejected
	SkipWithError
)

// FilteringInterceptor drops messages the filter rejects
type FilteringInterceptor struct {
	filter   MessageFilter
	behavior SkipBehavior
	logger   *slog.Logger
}

// NewFilteringInterceptor creates an interceptor that skips messages filter rejects
func NewFilteringInterceptor(filter MessageFilter, behavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, behavior: behavior, logger: slog.Default()}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	ok, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next.Handle(ctx, msg)
	}

	switch i.behavior {
	case SkipWithError:
		return fmt.Errorf("message filtered: event=%s, id=%s", msg.Event, msg.MessageID)
	case SkipWithLog:
		i.logger.Info("message filtered", "event", msg.Event, "message_id", msg.MessageID)
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// SkipRedelivered filters out messages the broker has delivered before
func SkipRedelivered() MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg *messaging.Message) (bool, error) {
		return !msg.Redelivered, nil
	})
}
