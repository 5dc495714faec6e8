// Package config loads the user-level relay configuration.
//
// The only setting the sync engine needs is the team server URL. It
// lives in ~/.config/relay/config.toml and can be overridden with
// RELAY_SERVER_URL for scripting and tests.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultServerURL is used when nothing is configured. Pointing at
// localhost keeps a fresh install working against relay-devserver.
const DefaultServerURL = "http://localhost:8787"

// Config is the user-level configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
}

// ServerConfig holds the team server settings.
type ServerConfig struct {
	URL string `toml:"url"`
}

// Path returns the user-level config file path.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "relay", "config.toml"), nil
}

// Load reads the config file; a missing file yields defaults. The
// RELAY_SERVER_URL environment variable overrides the file.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a specific config file path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{Server: ServerConfig{URL: DefaultServerURL}}
	if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if v := os.Getenv("RELAY_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if cfg.Server.URL == "" {
		cfg.Server.URL = DefaultServerURL
	}
	return cfg, nil
}
