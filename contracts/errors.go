package contracts

import "errors"

var (
	// ErrInvalidEventName is returned for event names that are not "<namespace>.<eventName>"
	ErrInvalidEventName = errors.New("contracts: invalid event name")

	// ErrMalformedEnvelope is returned when a message body cannot be decoded into an envelope
	ErrMalformedEnvelope = errors.New("contracts: malformed envelope")

	// ErrEncodeFailed is returned when an envelope or its payload cannot be serialized
	ErrEncodeFailed = errors.New("contracts: encode failed")
)
