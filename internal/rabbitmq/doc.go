// Package rabbitmq is the connection and topology engine of the fanout client.
//
// This package includes:
//   - Supervisor: owns the connection state machine, reconnecting with backoff
//   - TopologyManager: declares the exchange, primary queue and dead-letter pair,
//     repairing a conflicting primary queue
//   - Consumer: dispatches deliveries to registered handlers and settles them
//   - ReadinessGate: lets publishers wait for the current connection epoch
//   - Publisher: writes envelopes, honouring broker flow control
//
// The broker itself is reached through the Connection and Channel interfaces,
// which amqp091-go satisfies and which tests replace with an in-memory broker.
package rabbitmq
