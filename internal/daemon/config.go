// Package daemon holds the server configuration and lifecycle.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full daemon configuration, loaded from
// ~/.qube/config.toml with defaults for anything unset. Secrets (the
// treasury key) are never stored here; they come from the environment.
type Config struct {
	API       APIConfig       `toml:"api"`
	Store     StoreConfig     `toml:"store"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Postback  PostbackConfig  `toml:"postback"`
	Geo       GeoConfig       `toml:"geo"`
	Payout    PayoutConfig    `toml:"payout"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the listen address.
func (c APIConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// StoreConfig configures the sqlite ledger.
type StoreConfig struct {
	Dir string `toml:"dir"`
}

// RateLimitConfig configures the per-key request limit.
type RateLimitConfig struct {
	Window      string `toml:"window"`
	MaxRequests int    `toml:"max_requests"`
}

// WindowDuration parses the configured window, falling back to one minute.
func (c RateLimitConfig) WindowDuration() time.Duration {
	d, err := time.ParseDuration(c.Window)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// PostbackConfig configures outbound ASP notifications.
type PostbackConfig struct {
	RelayURL       string `toml:"relay_url"`
	Environment    string `toml:"environment"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout returns the postback HTTP timeout.
func (c PostbackConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GeoConfig configures IP country lookups.
type GeoConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// PayoutConfig configures the payout run. The treasury private key is read
// from the QUBE_TREASURY_KEY environment variable, never from this file.
type PayoutConfig struct {
	RPCURL        string `toml:"rpc_url"`
	ChainID       int64  `toml:"chain_id"`
	TokenDecimals int    `toml:"token_decimals"`
	BatchSize     int    `toml:"batch_size"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Store: StoreConfig{
			Dir: filepath.Join(home, ".qube"),
		},
		RateLimit: RateLimitConfig{
			Window:      "1m",
			MaxRequests: 300,
		},
		Postback: PostbackConfig{
			Environment:    "production",
			TimeoutSeconds: 10,
		},
		Geo: GeoConfig{
			Enabled:  true,
			Endpoint: "http://ip-api.com/json",
		},
		Payout: PayoutConfig{
			TokenDecimals: 18,
			BatchSize:     100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// ConfigPath returns the path of the config file.
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".qube", "config.toml")
}

// LoadConfig reads the config file at path, layered over defaults.
// A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
