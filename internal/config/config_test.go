package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.UDP.Port != 8001 {
		t.Errorf("udp.port = %d, want 8001", cfg.UDP.Port)
	}
	if cfg.Jitter.TargetMS != 100 || cfg.Jitter.MinMS != 50 || cfg.Jitter.MaxMS != 300 {
		t.Errorf("jitter defaults = %+v", cfg.Jitter)
	}
	if !cfg.Jitter.Adaptive {
		t.Error("jitter.adaptive default = false, want true")
	}
	if cfg.Session.TimeoutMS != 300000 {
		t.Errorf("session.timeout_ms = %d, want 300000", cfg.Session.TimeoutMS)
	}
	if cfg.Subtitles.DefaultDurationMS != 5000 {
		t.Errorf("subtitles.default_duration_ms = %d, want 5000", cfg.Subtitles.DefaultDurationMS)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
runtime_name: test-receiver
udp:
  port: 9001
jitter:
  target_ms: 120
  min_ms: 60
  max_ms: 240
  adaptive: false
session_store:
  retention_mode: ephemeral
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RuntimeName != "test-receiver" {
		t.Errorf("runtime_name = %q", cfg.RuntimeName)
	}
	if cfg.UDP.Port != 9001 {
		t.Errorf("udp.port = %d, want 9001", cfg.UDP.Port)
	}
	if cfg.Jitter.TargetMS != 120 || cfg.Jitter.Adaptive {
		t.Errorf("jitter = %+v, want overridden values", cfg.Jitter)
	}
	// Untouched sections keep their defaults.
	if cfg.HTTP.Port != 8080 {
		t.Errorf("http.port = %d, want default 8080", cfg.HTTP.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHIP_UDP_PORT", "9100")
	t.Setenv("CHIP_JITTER_ADAPTIVE", "false")
	t.Setenv("CHIP_BUS_SERVERS", "nats://a:4222, nats://b:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.UDP.Port != 9100 {
		t.Errorf("udp.port = %d, want 9100", cfg.UDP.Port)
	}
	if cfg.Jitter.Adaptive {
		t.Error("jitter.adaptive not overridden")
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Servers[1] != "nats://b:4222" {
		t.Errorf("bus.servers = %v", cfg.Bus.Servers)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(*Config) {},
		},
		{
			name:    "target below min",
			mutate:  func(c *Config) { c.Jitter.TargetMS = 10 },
			wantErr: "jitter.target_ms",
		},
		{
			name:    "max below min",
			mutate:  func(c *Config) { c.Jitter.MaxMS = 10 },
			wantErr: "jitter.max_ms",
		},
		{
			name:    "bad http port",
			mutate:  func(c *Config) { c.HTTP.Port = 0 },
			wantErr: "http.port",
		},
		{
			name:    "bad udp port",
			mutate:  func(c *Config) { c.UDP.Port = 70000 },
			wantErr: "udp.port",
		},
		{
			name: "external bus needs servers",
			mutate: func(c *Config) {
				c.Bus.Embedded = false
				c.Bus.Servers = nil
			},
			wantErr: "bus.servers",
		},
		{
			name:    "per-session memory above total",
			mutate:  func(c *Config) { c.Memory.PerSessionBytes = c.Memory.TotalBytes + 1 },
			wantErr: "memory.per_session_bytes",
		},
		{
			name:    "bad retention mode",
			mutate:  func(c *Config) { c.SessionStore.RetentionMode = "forever" },
			wantErr: "retention_mode",
		},
		{
			name:    "zero subtitle duration",
			mutate:  func(c *Config) { c.Subtitles.DefaultDurationMS = 0 },
			wantErr: "subtitles.default_duration_ms",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("validate failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
