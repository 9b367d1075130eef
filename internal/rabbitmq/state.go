package rabbitmq

import "time"

// ConnectionState is the supervisor's view of the broker connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

// String returns the lower-case state name
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Outcome is how the consumer loop settled a delivery
type Outcome string

const (
	OutcomeAcked             Outcome = "acked"
	OutcomeHandlerFailed     Outcome = "handler_failed"
	OutcomeMalformed         Outcome = "malformed"
	OutcomeUnhandledAcked    Outcome = "unhandled_acked"
	OutcomeUnhandledRejected Outcome = "unhandled_rejected"
)

// Observer receives engine events; the metrics package provides the
// Prometheus implementation
type Observer interface {
	StateChanged(state ConnectionState)
	ReconnectScheduled(attempt int, delay time.Duration)
	TopologyConflict(queue string)
	Published(event string, simulated bool)
	Consumed(event string, outcome Outcome, duration time.Duration)
}

// NopObserver discards every event
type NopObserver struct{}

func (NopObserver) StateChanged(ConnectionState)            {}
func (NopObserver) ReconnectScheduled(int, time.Duration)   {}
func (NopObserver) TopologyConflict(string)                 {}
func (NopObserver) Published(string, bool)                  {}
func (NopObserver) Consumed(string, Outcome, time.Duration) {}
