package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default collaborator addresses used when neither config.toml nor the
// environment provides one.
const (
	DefaultAPIBaseURL = "http://localhost:8080/api/v1"
	DefaultSocketURL  = "ws://localhost:8080/socket"
)

// Config represents the global ~/.parley/config.toml. Collaborator
// addresses (backend API, socket service, RTC app id) are external to the
// daemon and live here rather than in code.
type Config struct {
	DefaultSession string `toml:"default_session"`
	APIBaseURL     string `toml:"api_base_url"`
	SocketURL      string `toml:"socket_url"`
	RTCAppID       string `toml:"rtc_app_id"`
}

// Load reads config from the given path, fills unset fields with defaults
// and applies environment overrides. A missing file is not an error: the
// returned config is usable with defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PARLEY_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("PARLEY_SOCKET_URL"); v != "" {
		c.SocketURL = v
	}
	if v := os.Getenv("PARLEY_RTC_APP_ID"); v != "" {
		c.RTCAppID = v
	}
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.SocketURL == "" {
		c.SocketURL = DefaultSocketURL
	}
}
