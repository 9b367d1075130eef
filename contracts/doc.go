// Package contracts defines the wire envelope shared by every publisher and consumer.
//
// An envelope is the JSON object {"event": "<namespace>.<eventName>", "data": ...}.
// The event name is validated on both sides; the data shape is only meaningful to handlers.
package contracts
