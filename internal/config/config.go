// Package config provides TOML configuration file loading and parsing for
// matterhub. The configuration file lives at ~/.matterhub/config.toml by
// default, but can be overridden with the --config flag. CLI flags always
// take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the matterhub configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	// URL is the websocket URL of the Matter controller process.
	// If empty and MdnsDiscovery is enabled, the host attempts to discover
	// a controller on the local network. Default: ws://localhost:5580/ws
	URL string `toml:"url"`

	// UseAddon provisions and supervises the controller as a managed
	// add-on through the process supervisor. Default: false
	UseAddon bool `toml:"use_addon"`

	// SupervisorAddr is the base URL of the process supervisor API.
	// Only used when UseAddon is true. Default: http://localhost:8123
	SupervisorAddr string `toml:"supervisor_addr"`

	// StateStore is the path to the SQLite database for config entries.
	// Default: ~/.matterhub/matterhub.db
	StateStore string `toml:"state_store"`

	// ConnectTimeoutMs bounds a single controller connect attempt in
	// milliseconds. Default: 10000
	ConnectTimeoutMs int `toml:"connect_timeout_ms"`

	// ListenReadyTimeoutMs bounds the wait for the controller's initial
	// sync after connecting, in milliseconds. Default: 30000
	ListenReadyTimeoutMs int `toml:"listen_ready_timeout_ms"`

	// MdnsDiscovery enables mDNS/DNS-SD discovery of the controller when
	// no URL is configured. Default: false
	MdnsDiscovery bool `toml:"mdns_discovery"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`
}

// Defaults applied when the config file omits a value.
const (
	DefaultURL                = "ws://localhost:5580/ws"
	DefaultSupervisorAddr     = "http://localhost:8123"
	DefaultConnectTimeout     = 10 * time.Second
	DefaultListenReadyTimeout = 30 * time.Second
)

// DefaultConfigPath returns the default config file location: ~/.matterhub/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".matterhub", "config.toml"), nil
}

// DefaultStorePath returns the default SQLite database location.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".matterhub", "matterhub.db"), nil
}

// ConnectTimeout returns the configured connect timeout as a duration,
// falling back to the default when unset.
func (c *Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMs <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// ListenReadyTimeout returns the configured listen-ready timeout as a
// duration, falling back to the default when unset.
func (c *Config) ListenReadyTimeout() time.Duration {
	if c.ListenReadyTimeoutMs <= 0 {
		return DefaultListenReadyTimeout
	}
	return time.Duration(c.ListenReadyTimeoutMs) * time.Millisecond
}

// ApplyDefaults fills in default values for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" && !c.MdnsDiscovery {
		c.URL = DefaultURL
	}
	if c.SupervisorAddr == "" {
		c.SupervisorAddr = DefaultSupervisorAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.matterhub/config.toml). Returns a default Config without error if
//     the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		// This allows the host to start without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			// Can't determine home dir, return default config
			cfg.ApplyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			// Default config doesn't exist, that's fine
			cfg.ApplyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		// This matches user expectation: if they specify a config file, it should exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}
