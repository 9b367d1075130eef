package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/glimte/fanout-go/internal/jsoncodec"
)

// Message is what a handler receives for each decoded delivery
type Message struct {
	Event       string
	Data        json.RawMessage
	MessageID   string
	Timestamp   time.Time
	Redelivered bool
}

// Bind decodes the message payload into v
func (m *Message) Bind(v any) error {
	if len(m.Data) == 0 {
		return jsoncodec.Unmarshal([]byte("null"), v)
	}
	return jsoncodec.Unmarshal(m.Data, v)
}

// MessageHandler processes messages for one or more event names
type MessageHandler interface {
	Handle(ctx context.Context, msg *Message) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// TypedHandler adapts a function taking a decoded payload of type T
func TypedHandler[T any](fn func(ctx context.Context, payload T) error) MessageHandler {
	return MessageHandlerFunc(func(ctx context.Context, msg *Message) error {
		var payload T
		if err := msg.Bind(&payload); err != nil {
			return err
		}
		return fn(ctx, payload)
	})
}
