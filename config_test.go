package realtime

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("env defaults differ from DefaultConfig:\n got %+v\nwant %+v", cfg, DefaultConfig())
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("REALTIME_GIVE_UP_AFTER", "1m")
	t.Setenv("REALTIME_EXPOSE_INTERNAL_ERRORS", "true")
	t.Setenv("REALTIME_SERVER_VERSION", "2.1.0")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.GiveUpAfter != time.Minute || !cfg.ExposeInternalErrors || cfg.ServerVersion != "2.1.0" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RetryInterval != 5*time.Second {
		t.Fatalf("untouched field changed: retry interval %s", cfg.RetryInterval)
	}
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	t.Setenv("REALTIME_RETRY_INTERVAL", "3s")
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	data := "give_up_after: 90s\nmissed_probes: 2\nserver_version: \"1.4\"\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RetryInterval != 3*time.Second {
		t.Fatalf("env value lost: retry interval %s", cfg.RetryInterval)
	}
	if cfg.GiveUpAfter != 90*time.Second || cfg.MissedProbes != 2 || cfg.ServerVersion != "1.4" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.GracePeriod != 53*time.Second {
		t.Fatalf("default lost: grace period %s", cfg.GracePeriod)
	}
}

func TestLoadConfigValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	if err := os.WriteFile(path, []byte("liveness_interval: 500ms\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"liveness not above client ping", func(c *Config) { c.LivenessInterval = c.ClientPingInterval }},
		{"liveness not above reconnect without pong", func(c *Config) { c.ReconnectWithoutPong = c.LivenessInterval }},
		{"liveness above grace period", func(c *Config) { c.GracePeriod = c.LivenessInterval - time.Second }},
		{"give up before first retry", func(c *Config) { c.GiveUpAfter = c.RetryInterval / 2 }},
		{"non-positive duration", func(c *Config) { c.AuthTimeout = 0 }},
		{"negative notify delay", func(c *Config) { c.NotifyDelay = -time.Millisecond }},
		{"no missed probes", func(c *Config) { c.MissedProbes = 0 }},
		{"no message size", func(c *Config) { c.MaxMessageSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestTunablesFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerVersion = "3"
	tn := cfg.tunables()
	if tn.ServerRetryIntervalMs != 5000 || tn.ClientPingIntervalMs != 1000 || tn.DisconnectAfterMs != 12000 ||
		tn.ReconnectWithoutPongMs != 6000 || tn.AuthTimeoutMs != 4000 || tn.RequestTimeoutMs != 7000 || tn.ServerVersion != "3" {
		t.Fatalf("tunables = %+v", tn)
	}
}
