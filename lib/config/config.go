// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for deployed devices.
	Production Environment = "production"
)

// Config is the master configuration for Periscope.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory and socket locations.
	Paths PathsConfig `yaml:"paths"`

	// Relay configures the signaling relay connection.
	Relay RelayConfig `yaml:"relay"`

	// Pairing configures the pairing policy.
	Pairing PairingConfig `yaml:"pairing"`

	// ICE configures STUN/TURN servers for transport establishment.
	ICE ICEConfig `yaml:"ice"`

	// Video configures the capture/encoding profile.
	Video VideoConfig `yaml:"video"`

	// Per-environment overrides, applied after the base config loads.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths *PathsConfig `yaml:"paths,omitempty"`
	Relay *RelayConfig `yaml:"relay,omitempty"`
}

// PathsConfig configures directory and socket locations.
type PathsConfig struct {
	// Root is the base directory for Periscope data.
	Root string `yaml:"root"`

	// State is where identity keys and runtime state are stored.
	State string `yaml:"state"`

	// AgentSocket is the Unix socket path of the privileged input
	// agent.
	AgentSocket string `yaml:"agent_socket"`
}

// RelayConfig configures the signaling relay connection.
type RelayConfig struct {
	// Address is the relay's host:port.
	Address string `yaml:"address"`

	// ConnectTimeout bounds the relay dial. Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// PairingConfig configures the pairing policy.
type PairingConfig struct {
	// CodeLength is the pairing code digit count. Default: 6.
	CodeLength int `yaml:"code_length"`

	// MaxAttempts is the consecutive wrong-code count that locks the
	// flow out. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// CodeTTL is how long a generated code stays valid. Default: 2m.
	CodeTTL time.Duration `yaml:"code_ttl"`
}

// ICEConfig configures STUN/TURN servers.
type ICEConfig struct {
	// STUNServers lists STUN server URLs (e.g. "stun:stun.example.org:3478").
	STUNServers []string `yaml:"stun_servers"`

	// TURN configures an optional TURN relay.
	TURN TURNConfig `yaml:"turn"`
}

// TURNConfig configures a TURN relay.
type TURNConfig struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
}

// VideoConfig configures the capture/encoding profile.
type VideoConfig struct {
	// DefaultProfile names the capture profile active at session
	// start. Default: balanced.
	DefaultProfile string `yaml:"default_profile"`

	// KeyFrameInterval is the periodic key frame cadence, the
	// recovery mechanism for dropped frames. Default: 2s.
	KeyFrameInterval time.Duration `yaml:"key_frame_interval"`
}

// Default returns the default configuration. These defaults ensure all
// fields have sensible zero-values before the config file is merged
// in; the config file is still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "periscope")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:        defaultRoot,
			State:       filepath.Join(defaultRoot, "state"),
			AgentSocket: filepath.Join(defaultRoot, "agent.sock"),
		},
		Relay: RelayConfig{
			ConnectTimeout: 10 * time.Second,
		},
		Pairing: PairingConfig{
			CodeLength:  6,
			MaxAttempts: 3,
			CodeTTL:     2 * time.Minute,
		},
		Video: VideoConfig{
			DefaultProfile:   "balanced",
			KeyFrameInterval: 2 * time.Second,
		},
	}
}

// Load loads configuration from the PERISCOPE_CONFIG environment
// variable. There are no fallbacks: if the variable is unset, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("PERISCOPE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PERISCOPE_CONFIG environment variable not set; " +
			"set it to the path of your periscope.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
		if overrides.Paths.AgentSocket != "" {
			c.Paths.AgentSocket = overrides.Paths.AgentSocket
		}
	}

	if overrides.Relay != nil {
		if overrides.Relay.Address != "" {
			c.Relay.Address = overrides.Relay.Address
		}
		if overrides.Relay.ConnectTimeout != 0 {
			c.Relay.ConnectTimeout = overrides.Relay.ConnectTimeout
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"PERISCOPE_ROOT": c.Paths.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["PERISCOPE_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.AgentSocket = expandVars(c.Paths.AgentSocket, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.AgentSocket == "" {
		errs = append(errs, fmt.Errorf("paths.agent_socket is required"))
	}
	if c.Relay.Address == "" {
		errs = append(errs, fmt.Errorf("relay.address is required"))
	}
	if c.Pairing.CodeLength < 4 {
		errs = append(errs, fmt.Errorf("pairing.code_length must be at least 4"))
	}
	if c.Pairing.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("pairing.max_attempts must be at least 1"))
	}
	if c.Pairing.CodeTTL <= 0 {
		errs = append(errs, fmt.Errorf("pairing.code_ttl must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.State} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
