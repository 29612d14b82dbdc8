// Package config loads the chat server and client settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultEndpointName  = "ServerPipe"
	DefaultCapacity      = 10
	DefaultMaxMessage    = 256
	DefaultPassword      = "password"
	DefaultShutdownGrace = 2 * time.Second
	DefaultLogLevel      = "info"
)

// Config is the on-disk configuration. Zero values are replaced by defaults.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Password string         `yaml:"password"`
	LogLevel string         `yaml:"log_level"`
}

// EndpointConfig names the channel endpoint shared by server and clients.
type EndpointConfig struct {
	Name        string `yaml:"name"`
	Directory   string `yaml:"directory"` // empty: /tmp, or \\.\pipe\ on windows
	Permissions string `yaml:"permissions"`
}

type ServerConfig struct {
	Capacity         int      `yaml:"capacity"`
	MaxMessage       int      `yaml:"max_message"`
	ShutdownGrace    Duration `yaml:"shutdown_grace"`
	PollInterval     Duration `yaml:"poll_interval"` // 0: reads never time out
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	WatchEndpoint    bool     `yaml:"watch_endpoint"`
}

type ClientConfig struct {
	ConnectTimeout   Duration `yaml:"connect_timeout"` // 0: retry forever
	RetryMax         Duration `yaml:"retry_max"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// Duration is a wrapper around time.Duration that implements YAML unmarshaling
// from human-readable strings like "500ms", "2s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{Server: ServerConfig{WatchEndpoint: true}}
	cfg.applyDefaults()
	return cfg
}

// Load reads path and fills in defaults. An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data, fills in defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Server: ServerConfig{WatchEndpoint: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Endpoint.Name == "" {
		c.Endpoint.Name = DefaultEndpointName
	}
	if c.Endpoint.Permissions == "" {
		c.Endpoint.Permissions = "0666"
	}
	if c.Server.Capacity == 0 {
		c.Server.Capacity = DefaultCapacity
	}
	if c.Server.MaxMessage == 0 {
		c.Server.MaxMessage = DefaultMaxMessage
	}
	if c.Server.ShutdownGrace.Duration == 0 {
		c.Server.ShutdownGrace.Duration = DefaultShutdownGrace
	}
	if c.Server.HandshakeTimeout.Duration == 0 {
		c.Server.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Client.HandshakeTimeout.Duration == 0 {
		c.Client.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Client.RetryMax.Duration == 0 {
		c.Client.RetryMax.Duration = 5 * time.Second
	}
	if c.Password == "" {
		c.Password = DefaultPassword
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Capacity < 1 {
		errs = append(errs, fmt.Errorf("server.capacity must be positive, got %d", c.Server.Capacity))
	}
	if c.Server.MaxMessage < 2 {
		errs = append(errs, fmt.Errorf("server.max_message must be at least 2, got %d", c.Server.MaxMessage))
	}
	if c.Server.ShutdownGrace.Duration < 0 || c.Server.PollInterval.Duration < 0 {
		errs = append(errs, errors.New("server timeouts cannot be negative"))
	}
	if _, err := c.FileMode(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FileMode parses Endpoint.Permissions as an octal mode.
func (c *Config) FileMode() (os.FileMode, error) {
	var mode uint32
	if _, err := fmt.Sscanf(c.Endpoint.Permissions, "%o", &mode); err != nil || mode > 0777 {
		return 0, fmt.Errorf("endpoint.permissions must be an octal mode, got %q", c.Endpoint.Permissions)
	}
	return os.FileMode(mode), nil
}
