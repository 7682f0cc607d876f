package fleet

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetlink/fleetlink-go/pkg/correlator"
	"github.com/fleetlink/fleetlink-go/pkg/engine"
)

// Default configuration values.
const (
	// DefaultMaxRetries is the per-write transport retry limit.
	DefaultMaxRetries = 2
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("30s", "1m") as well as integer nanosecond counts.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// BackoffConfig configures reconnection backoff.
type BackoffConfig struct {
	// Initial reconnection delay.
	Initial Duration `yaml:"initial"`

	// Max reconnection delay.
	Max Duration `yaml:"max"`

	// Multiplier applied after each failed attempt.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter as a fraction of the base delay.
	Jitter float64 `yaml:"jitter"`
}

// Config configures a device collection.
type Config struct {
	// RelayURL is the relay push channel endpoint.
	RelayURL string `yaml:"relayUrl"`

	// APIURL is the request/response write API base URL.
	APIURL string `yaml:"apiUrl"`

	// Token is the opaque bearer token presented to both endpoints.
	Token string `yaml:"token"`

	// AckWindow bounds the wait for a write acknowledgement delta.
	AckWindow Duration `yaml:"ackWindow"`

	// RetryDelay is the linear backoff base between write retries.
	RetryDelay Duration `yaml:"retryDelay"`

	// MaxRetries is the transport retry limit per write.
	MaxRetries int `yaml:"maxRetries"`

	// Backoff configures reconnection delays.
	Backoff BackoffConfig `yaml:"backoff"`
}

// DefaultConfig returns the default collection configuration.
func DefaultConfig() Config {
	return Config{
		AckWindow:  Duration(correlator.DefaultAckWindow),
		RetryDelay: Duration(correlator.DefaultRetryDelay),
		MaxRetries: DefaultMaxRetries,
		Backoff: BackoffConfig{
			Initial:    Duration(engine.InitialBackoff),
			Max:        Duration(engine.MaxBackoff),
			Multiplier: engine.BackoffMultiplier,
			Jitter:     engine.JitterFactor,
		},
	}
}

// LoadConfig reads a YAML configuration file. Absent fields keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero and out-of-range values with defaults.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.AckWindow <= 0 {
		c.AckWindow = d.AckWindow
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = d.Backoff.Initial
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = d.Backoff.Max
	}
	if c.Backoff.Multiplier <= 1 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.Jitter < 0 {
		c.Backoff.Jitter = d.Backoff.Jitter
	}
}
