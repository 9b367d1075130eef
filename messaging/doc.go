// Package messaging holds the handler side of the client.
//
// HandlerRegistry maps exact event names ("<namespace>.<eventName>") to a
// MessageHandler. The consumer loop consults it once per delivery, so
// handlers registered after listening starts are picked up on the next
// message.
//
//	registry := messaging.NewHandlerRegistry()
//	err := registry.RegisterFunc(func(ctx context.Context, msg *messaging.Message) error {
//		var order Order
//		if err := msg.Bind(&order); err != nil {
//			return err
//		}
//		return process(ctx, order)
//	}, "orders.Created", "orders.Updated")
package messaging
