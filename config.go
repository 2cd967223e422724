package wsrpc

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "250ms" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// BackoffConfig is the YAML form of a Backoff schedule.
type BackoffConfig struct {
	Start    Duration `yaml:"start"`
	Multiple float64  `yaml:"multiple"`
	Max      Duration `yaml:"max"`
	Jitter   bool     `yaml:"jitter"`
	Attempts int      `yaml:"attempts"`
}

// Backoff converts the config to a schedule.
func (b BackoffConfig) Backoff() Backoff {
	return Backoff{
		Start:    time.Duration(b.Start),
		Multiple: b.Multiple,
		Max:      time.Duration(b.Max),
		Jitter:   b.Jitter,
		Attempts: b.Attempts,
	}
}

// Config is the file-based configuration used by the demo binaries. Zero
// fields fall back to the package defaults.
type Config struct {
	// URL is the endpoint a client dials, e.g. "ws://localhost:8080/rpc".
	URL string `yaml:"url"`
	// ListenAddr is the address a server binds, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	PingInterval Duration `yaml:"ping_interval"` // client probe interval
	PingTimeout  Duration `yaml:"ping_timeout"`  // server silence budget
	PongTimeout  Duration `yaml:"pong_timeout"`  // probe wait, both sides

	Backoff BackoffConfig `yaml:"backoff"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return &cfg, nil
}

// ClientOptions converts the config into client options.
func (c *Config) ClientOptions() []ClientOption {
	var opts []ClientOption
	opts = append(opts, BackoffOption(c.Backoff.Backoff()))
	if c.PingInterval > 0 {
		opts = append(opts, PingIntervalOption(time.Duration(c.PingInterval)))
	}
	if c.PongTimeout > 0 {
		opts = append(opts, PongTimeoutOption(time.Duration(c.PongTimeout)))
	}
	return opts
}

// ServerOptions converts the config into server options.
func (c *Config) ServerOptions() []ServerOption {
	var opts []ServerOption
	if c.PingTimeout > 0 {
		opts = append(opts, PingTimeoutOption(time.Duration(c.PingTimeout)))
	}
	if c.PongTimeout > 0 {
		opts = append(opts, ServerPongTimeoutOption(time.Duration(c.PongTimeout)))
	}
	return opts
}
