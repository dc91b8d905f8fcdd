package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultBackend is the default mount provider backend
	DefaultBackend = "dbus"
	// DefaultGioPath is the gio binary used by the cli backend
	DefaultGioPath = "gio"
)

// Config holds the tool configuration
type Config struct {
	// Backend is the mount provider backend to use: "dbus" or "cli"
	Backend string `toml:"backend"`
	// GioPath is the gio binary used by the cli backend
	GioPath string `toml:"gio_path"`
	// ValidateTicket makes the credential cache be read and checked for
	// unexpired tickets instead of trusting KRB5CCNAME alone
	ValidateTicket bool `toml:"validate_ticket"`
	// Verbose enables debug logging
	Verbose bool `toml:"verbose"`
}

// DefaultPath returns the config file location under the user's config directory
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "netmount", "config.toml")
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse config file: unknown key %q", undecoded[0].String())
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values. Empty or unset CLI values are ignored.
func (c *Config) Merge(backend, gioPath string, verbose bool) {
	if backend != "" {
		c.Backend = backend
	}
	if gioPath != "" {
		c.GioPath = gioPath
	}
	if verbose {
		c.Verbose = true
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.GioPath == "" {
		c.GioPath = DefaultGioPath
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Backend != "dbus" && c.Backend != "cli" {
		return fmt.Errorf("backend must be 'dbus' or 'cli', got %q", c.Backend)
	}

	return nil
}
