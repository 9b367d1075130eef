package contracts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/glimte/fanout-go/internal/jsoncodec"
)

// eventNamePattern matches "<namespace>.<eventName>" with optional further dotted segments.
var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)+$`)

// Envelope wraps every message published to the exchange
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope builds an envelope for event, encoding data as its payload.
// Raw JSON ([]byte or json.RawMessage) is used as-is after a validity check.
func NewEnvelope(event string, data any) (*Envelope, error) {
	if err := ValidateEventName(event); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := jsoncodec.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
		}
		raw = encoded
	}

	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if !jsoncodec.Valid(raw) {
		return nil, fmt.Errorf("%w: data is not valid JSON", ErrEncodeFailed)
	}

	return &Envelope{Event: event, Data: raw}, nil
}

// Validate checks the envelope invariants. The data shape is left to handlers.
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrMalformedEnvelope
	}
	return ValidateEventName(e.Event)
}

// Encode serializes the envelope as UTF-8 JSON
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	body, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return body, nil
}

// Bind decodes the payload into v
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return jsoncodec.Unmarshal([]byte("null"), v)
	}
	return jsoncodec.Unmarshal(e.Data, v)
}

// Namespace returns the part of the event name before the first dot
func (e *Envelope) Namespace() string {
	ns, _, _ := strings.Cut(e.Event, ".")
	return ns
}

// DecodeEnvelope parses a message body. Any failure is reported as ErrMalformedEnvelope.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEnvelope)
	}

	var env Envelope
	if err := jsoncodec.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := ValidateEventName(env.Event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

// ValidateEventName checks that name is a namespace-qualified dotted name
func ValidateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEventName)
	}
	if !eventNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q is not of the form <namespace>.<eventName>", ErrInvalidEventName, name)
	}
	return nil
}

// QualifyEventName joins a namespace and a bare event name
func QualifyEventName(namespace, event string) string {
	return namespace + "." + event
}
