// Package config provides configuration management for the nordgo CLI.
// It handles loading and parsing the YAML configuration file and provides
// structured access to application settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound
	// requests (socks5:// or http(s)://).
	ProxyURL string `yaml:"proxy-url"`

	// SessionFile is the path of the persisted session snapshot.
	SessionFile string `yaml:"session-file"`

	// LogFile mirrors log output into a rotated file when set.
	LogFile string `yaml:"log-file"`

	// Debug enables debug-level logging of every flow step.
	Debug bool `yaml:"debug"`

	// UserID is the default identity-provider user id for login.
	UserID string `yaml:"user-id"`

	// Method selects the default challenge mechanism: "app" or "token".
	Method string `yaml:"method"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SessionFile: ".nordnet_session.json",
		Method:      "app",
	}
}

// Load reads the configuration file at path. A missing file is not an
// error; the defaults are returned instead.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
