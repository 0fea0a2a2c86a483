package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8080)
	}
	if cfg.RateLimit.MaxRequests != 300 {
		t.Errorf("RateLimit.MaxRequests = %d, want 300", cfg.RateLimit.MaxRequests)
	}
	if got := cfg.RateLimit.WindowDuration(); got != time.Minute {
		t.Errorf("WindowDuration() = %v, want 1m", got)
	}
	if cfg.Postback.Environment != "production" {
		t.Errorf("Postback.Environment = %q, want production", cfg.Postback.Environment)
	}
	if got := cfg.Postback.Timeout(); got != 10*time.Second {
		t.Errorf("Postback.Timeout() = %v, want 10s", got)
	}
	if !cfg.Geo.Enabled {
		t.Error("Geo.Enabled should default to true")
	}
	if cfg.Payout.TokenDecimals != 18 {
		t.Errorf("Payout.TokenDecimals = %d, want 18", cfg.Payout.TokenDecimals)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default to true")
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want default 8080", cfg.API.Port)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[api]
host = "0.0.0.0"
port = 9090

[rate_limit]
window = "30s"
max_requests = 50

[geo]
enabled = false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.API.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q", cfg.API.Addr())
	}
	if got := cfg.RateLimit.WindowDuration(); got != 30*time.Second {
		t.Errorf("WindowDuration() = %v, want 30s", got)
	}
	if cfg.RateLimit.MaxRequests != 50 {
		t.Errorf("MaxRequests = %d, want 50", cfg.RateLimit.MaxRequests)
	}
	if cfg.Geo.Enabled {
		t.Error("Geo.Enabled = true, want false")
	}
	// Untouched sections keep their defaults.
	if cfg.Postback.Environment != "production" {
		t.Errorf("Postback.Environment = %q, want production", cfg.Postback.Environment)
	}
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[api\nport="), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() on malformed toml returned nil error")
	}
}
