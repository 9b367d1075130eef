// Package interceptors wraps message handlers with cross-cutting behavior.
//
// A Chain applies its interceptors outermost first:
//
//	chain := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(10*time.Second),
//		interceptors.NewRetryInterceptor(3, time.Second, 5*time.Second),
//	)
//	client, _ := fanout.New(cfg, fanout.WithInterceptors(chain))
//
// Every handler registered on the client then runs inside the chain. An
// error leaving the chain still rejects the message to the dead-letter queue.
package interceptors
