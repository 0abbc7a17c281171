// Package config parses tunneld's optional YAML configuration file: the
// bind address, verifying key, freshness window overrides, and an initial
// tunnel set applied at boot.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plexsphere/tunneld/internal/control"
)

const (
	// DefaultBindAddr is the control-plane HTTP listen address.
	DefaultBindAddr = "127.0.0.1:14000"

	// DefaultLogLevel is the default slog level name.
	DefaultLogLevel = "info"

	// DefaultMaxFutureSkew and DefaultMaxPastSkew are control.Verify's own
	// freshness-window defaults; a config file overrides them by setting
	// MaxFutureSkew/MaxPastSkew, which cmd/tunneld threads into the
	// control.VerifyingKey it constructs.
	DefaultMaxFutureSkew = control.DefaultMaxFutureSkew
	DefaultMaxPastSkew   = control.DefaultMaxPastSkew
)

// InitialTunnel seeds a tunnel at boot, before the HTTP server starts
// accepting commands. Equivalent to a Create command.
type InitialTunnel struct {
	ID              string `yaml:"id"`
	IncomingPort    uint16 `yaml:"incoming_port"`
	DestinationIP   string `yaml:"destination_ip"`
	DestinationPort uint16 `yaml:"destination_port"`
}

// Config is tunneld's top-level configuration, loaded from an optional
// `--config` YAML file. CLI positional arguments (verifying key, bind
// address) take precedence over the corresponding config fields.
type Config struct {
	// BindAddr is the control-plane HTTP listen address.
	// Default: "127.0.0.1:14000"
	BindAddr string `yaml:"bind_addr"`

	// VerifyingKeyHex is a hex-encoded P-384 public key, as produced by
	// internal/keys.MarshalVerifyingKeyHex. Empty disables verification.
	VerifyingKeyHex string `yaml:"verifying_key"`

	// LogLevel is the slog level name: "debug", "info", "warn", "error".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// MaxFutureSkew and MaxPastSkew override control.Verify's freshness
	// window. Zero means use the package default. cmd/tunneld copies these
	// onto the control.VerifyingKey it builds, so they take effect only
	// when VerifyingKeyHex is also set.
	MaxFutureSkew time.Duration `yaml:"max_future_skew"`
	MaxPastSkew   time.Duration `yaml:"max_past_skew"`

	// InitialTunnels are created in order at startup, before the HTTP
	// server begins accepting commands. A failure creating any of them is
	// fatal to startup.
	InitialTunnels []InitialTunnel `yaml:"initial_tunnels"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MaxFutureSkew == 0 {
		c.MaxFutureSkew = DefaultMaxFutureSkew
	}
	if c.MaxPastSkew == 0 {
		c.MaxPastSkew = DefaultMaxPastSkew
	}
}

// Validate checks that configuration values are acceptable.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("config: invalid bind_addr %q: %w", c.BindAddr, err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q (must be debug, info, warn, or error)", c.LogLevel)
	}
	if c.MaxFutureSkew < 0 {
		return fmt.Errorf("config: max_future_skew must not be negative")
	}
	if c.MaxPastSkew < 0 {
		return fmt.Errorf("config: max_past_skew must not be negative")
	}
	seen := make(map[string]struct{}, len(c.InitialTunnels))
	ports := make(map[uint16]struct{}, len(c.InitialTunnels))
	for _, it := range c.InitialTunnels {
		if it.ID == "" {
			return fmt.Errorf("config: initial_tunnels entry missing id")
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("config: initial_tunnels: duplicate id %q", it.ID)
		}
		seen[it.ID] = struct{}{}
		if _, dup := ports[it.IncomingPort]; dup {
			return fmt.Errorf("config: initial_tunnels: duplicate incoming_port %d", it.IncomingPort)
		}
		ports[it.IncomingPort] = struct{}{}
		if net.ParseIP(it.DestinationIP) == nil {
			return fmt.Errorf("config: initial_tunnels: invalid destination_ip %q", it.DestinationIP)
		}
	}
	return nil
}

// Load reads and parses path, applying defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
