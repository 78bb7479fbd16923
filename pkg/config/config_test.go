package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Stream.QuietPeriod() != 2*time.Second {
		t.Errorf("quiet period = %v", cfg.Stream.QuietPeriod())
	}
	if cfg.Hub.ConnectTimeout() != 30*time.Second {
		t.Errorf("connect timeout = %v", cfg.Hub.ConnectTimeout())
	}
}

func TestLoadFromPathMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `stream:
  quiet_period_ms: 500
hub:
  document_path: /tmp/servers.yaml
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Stream.QuietPeriodMS != 500 {
		t.Errorf("quiet_period_ms = %d, want 500", cfg.Stream.QuietPeriodMS)
	}
	// Fields the file does not mention keep their defaults.
	if cfg.Stream.FanOutLimit != DefaultFanOutLimit {
		t.Errorf("fan_out_limit = %d, want default %d", cfg.Stream.FanOutLimit, DefaultFanOutLimit)
	}
	if cfg.Hub.DocumentPath != "/tmp/servers.yaml" {
		t.Errorf("document_path = %q", cfg.Hub.DocumentPath)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWITCHBOARD_QUIET_PERIOD_MS", "750")
	t.Setenv("SWITCHBOARD_SERVERS_PATH", "/opt/servers.yaml")
	t.Setenv("SWITCHBOARD_ATTACH_BIND", "127.0.0.1:9999")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Stream.QuietPeriodMS != 750 {
		t.Errorf("quiet_period_ms = %d", cfg.Stream.QuietPeriodMS)
	}
	if cfg.Hub.DocumentPath != "/opt/servers.yaml" {
		t.Errorf("document_path = %q", cfg.Hub.DocumentPath)
	}
	if !cfg.Attach.Enabled || cfg.Attach.Bind != "127.0.0.1:9999" {
		t.Errorf("attach = %+v", cfg.Attach)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero quiet period", func(c *Config) { c.Stream.QuietPeriodMS = 0 }},
		{"negative fan-out", func(c *Config) { c.Stream.FanOutLimit = -1 }},
		{"empty document path", func(c *Config) { c.Hub.DocumentPath = "" }},
		{"zero debounce", func(c *Config) { c.Hub.WatchDebounceMS = 0 }},
		{"bad attach bind", func(c *Config) { c.Attach.Enabled = true; c.Attach.Bind = "no-port" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromPathMissingFileErrors(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("explicit path must exist")
	}
}
