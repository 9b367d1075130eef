package fanout

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/glimte/fanout-go/internal/rabbitmq"
	"github.com/glimte/fanout-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

// UnhandledPolicy decides what happens to a message no handler is registered for
type UnhandledPolicy string

const (
	// UnhandledAcknowledge drops unhandled messages silently
	UnhandledAcknowledge UnhandledPolicy = "acknowledge"
	// UnhandledReject rejects unhandled messages so they reach the dead-letter queue
	UnhandledReject UnhandledPolicy = "reject"
)

// PendingPublishPolicy decides what Publish does before Start was called
type PendingPublishPolicy string

const (
	// PendingDrop logs and discards the message
	PendingDrop PendingPublishPolicy = "drop"
	// PendingError returns ErrNotStarted
	PendingError PendingPublishPolicy = "error"
	// PendingWait blocks until the client is started and ready, or ctx ends
	PendingWait PendingPublishPolicy = "wait"
)

// Exchange types accepted by Config.ExchangeType
const (
	ExchangeFanout = amqp.ExchangeFanout
	ExchangeTopic  = amqp.ExchangeTopic
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DeadLetterConfig controls the dead-letter exchange and queue
type DeadLetterConfig struct {
	Enabled   bool          `yaml:"enabled"`
	TTL       time.Duration `yaml:"ttl"`        // zero keeps dead letters until consumed
	MaxLength int           `yaml:"max_length"` // zero is unbounded
}

// Config is validated once by New and never changed afterwards
type Config struct {
	URL                  string               `yaml:"url"`
	ServiceName          string               `yaml:"service_name"`
	Namespace            string               `yaml:"namespace"`
	ExchangeType         string               `yaml:"exchange_type"`
	Durable              bool                 `yaml:"durable"`
	Prefetch             int                  `yaml:"prefetch"`
	HeartbeatSeconds     int                  `yaml:"heartbeat_seconds"`
	DeadLetter           DeadLetterConfig     `yaml:"dead_letter"`
	MessageTTL           time.Duration        `yaml:"message_ttl"` // zero disables the per-queue TTL
	ReconnectBackoff     []time.Duration      `yaml:"reconnect_backoff"`
	UnhandledPolicy      UnhandledPolicy      `yaml:"unhandled_policy"`
	PendingPublishPolicy PendingPublishPolicy `yaml:"pending_publish_policy"`
	ConnectionName       string               `yaml:"connection_name"` // derived when empty
	Listen               bool                 `yaml:"listen"`
	Simulated            bool                 `yaml:"simulated"`
	ShutdownTimeout      time.Duration        `yaml:"shutdown_timeout"` // zero waits for handlers until Stop's context ends
}

// Names are the broker entities derived from the namespace and service name
type Names struct {
	Exchange           string
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
}

// DefaultConfig returns a config with every default filled in. URL,
// ServiceName and Namespace still need to be set.
func DefaultConfig() Config {
	backoff := make([]time.Duration, len(reliability.DefaultReconnectSequence))
	copy(backoff, reliability.DefaultReconnectSequence)

	return Config{
		ExchangeType:         ExchangeFanout,
		Durable:              true,
		Prefetch:             50,
		HeartbeatSeconds:     30,
		ReconnectBackoff:     backoff,
		UnhandledPolicy:      UnhandledAcknowledge,
		PendingPublishPolicy: PendingDrop,
		Listen:               true,
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes YAML over DefaultConfig
func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return cfg, nil
}

// Validate checks every field. The URL is only required outside simulated mode.
func (c Config) Validate() error {
	if !namePattern.MatchString(c.Namespace) {
		return invalid("namespace %q must be a non-empty name without dots", c.Namespace)
	}
	if !namePattern.MatchString(c.ServiceName) {
		return invalid("service name %q must be a non-empty name without dots", c.ServiceName)
	}
	if !c.Simulated {
		if c.URL == "" {
			return invalid("url is required")
		}
		if _, err := amqp.ParseURI(c.URL); err != nil {
			return invalid("url: %v", err)
		}
	}
	if c.ExchangeType != ExchangeFanout && c.ExchangeType != ExchangeTopic {
		return invalid("exchange type %q must be %q or %q", c.ExchangeType, ExchangeFanout, ExchangeTopic)
	}
	if c.Prefetch < 1 {
		return invalid("prefetch must be positive, got %d", c.Prefetch)
	}
	if c.HeartbeatSeconds < 0 {
		return invalid("heartbeat seconds must not be negative, got %d", c.HeartbeatSeconds)
	}
	if c.DeadLetter.TTL < 0 || c.DeadLetter.MaxLength < 0 {
		return invalid("dead letter ttl and max length must not be negative")
	}
	if c.MessageTTL < 0 {
		return invalid("message ttl must not be negative")
	}
	if _, err := reliability.NewSequenceBackoff(c.ReconnectBackoff); err != nil {
		return invalid("reconnect backoff: %v", err)
	}
	if !rabbitmq.UnhandledPolicy(c.UnhandledPolicy).Valid() {
		return invalid("unhandled policy %q must be %q or %q", c.UnhandledPolicy, UnhandledAcknowledge, UnhandledReject)
	}
	switch c.PendingPublishPolicy {
	case PendingDrop, PendingError, PendingWait:
	default:
		return invalid("pending publish policy %q must be %q, %q or %q", c.PendingPublishPolicy, PendingDrop, PendingError, PendingWait)
	}
	if c.ShutdownTimeout < 0 {
		return invalid("shutdown timeout must not be negative")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfiguration}, args...)...)
}

// Names returns the derived broker entity names
func (c Config) Names() Names {
	return Names{
		Exchange:           c.Namespace,
		Queue:              c.Namespace + "." + c.ServiceName,
		DeadLetterExchange: c.Namespace + ".dlx",
		DeadLetterQueue:    c.Namespace + "." + c.ServiceName + ".dlq",
	}
}

// BindingKey is "" for fanout exchanges and "#" for topic exchanges
func (c Config) BindingKey() string {
	if c.ExchangeType == ExchangeTopic {
		return "#"
	}
	return ""
}

// ConnectionIdentifier returns ConnectionName, or
// "{namespace}.{service}@{hostname}#{pid}" when it is empty
func (c Config) ConnectionIdentifier() string {
	if c.ConnectionName != "" {
		return c.ConnectionName
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s.%s@%s#%d", c.Namespace, c.ServiceName, host, os.Getpid())
}

// DialURL returns the URL with a heartbeat query parameter and the heartbeat
// it carries. A heartbeat already present in the URL wins over HeartbeatSeconds.
func (c Config) DialURL() (string, time.Duration, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", 0, invalid("url: %v", err)
	}

	q := u.Query()
	if explicit := q.Get("heartbeat"); explicit != "" {
		seconds, err := strconv.Atoi(explicit)
		if err != nil || seconds < 0 {
			return "", 0, invalid("url heartbeat %q must be a non-negative number of seconds", explicit)
		}
		return c.URL, time.Duration(seconds) * time.Second, nil
	}

	q.Set("heartbeat", strconv.Itoa(c.HeartbeatSeconds))
	u.RawQuery = q.Encode()
	return u.String(), time.Duration(c.HeartbeatSeconds) * time.Second, nil
}

func (c Config) topologySpec() rabbitmq.TopologySpec {
	names := c.Names()
	return rabbitmq.TopologySpec{
		Exchange:     names.Exchange,
		ExchangeType: c.ExchangeType,
		Queue:        names.Queue,
		BindingKey:   c.BindingKey(),
		Durable:      c.Durable,
		MessageTTL:   c.MessageTTL,
		DeadLetter: rabbitmq.DeadLetterSpec{
			Enabled:   c.DeadLetter.Enabled,
			Exchange:  names.DeadLetterExchange,
			Queue:     names.DeadLetterQueue,
			TTL:       c.DeadLetter.TTL,
			MaxLength: c.DeadLetter.MaxLength,
		},
	}
}

// clone copies the slices so the caller cannot change a validated config
func (c Config) clone() Config {
	c.ReconnectBackoff = append([]time.Duration(nil), c.ReconnectBackoff...)
	return c
}
