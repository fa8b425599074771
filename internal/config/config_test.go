package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Synth.Endpoint != "http://localhost:8008" {
		t.Fatalf("expected default synth endpoint, got %q", cfg.Synth.Endpoint)
	}
	if cfg.Editor.DebounceMS != 500 {
		t.Fatalf("expected 500ms debounce, got %d", cfg.Editor.DebounceMS)
	}
	if cfg.Output.TempPrefix != "temp-" {
		t.Fatalf("expected temp- prefix, got %q", cfg.Output.TempPrefix)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxedit.yaml")
	data := []byte(`
synth:
  endpoint: http://127.0.0.1:9000
  quick_n_dirty: true
editor:
  auto_infer: true
  debounce_ms: 250
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Synth.Endpoint != "http://127.0.0.1:9000" || !cfg.Synth.QuickAndDirty {
		t.Fatalf("expected synth section from file, got %+v", cfg.Synth)
	}
	if !cfg.Editor.AutoInfer || cfg.Editor.DebounceMS != 250 {
		t.Fatalf("expected editor section from file, got %+v", cfg.Editor)
	}
	if cfg.Editor.PitchStep != 0.1 {
		t.Fatalf("expected default pitch step to survive partial file, got %v", cfg.Editor.PitchStep)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOXEDIT_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOXEDIT_BUS_USERNAME", "alice")
	t.Setenv("VOXEDIT_BUS_PASSWORD", "secret")
	t.Setenv("VOXEDIT_BUS_TLS_INSECURE", "true")
	t.Setenv("VOXEDIT_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("VOXEDIT_HISTORY_PATH", "./tmp.db")
	t.Setenv("VOXEDIT_HISTORY_RETENTION_MODE", "persistent")
	t.Setenv("VOXEDIT_HISTORY_RETENTION_DAYS", "7")
	t.Setenv("VOXEDIT_HISTORY_MAX_SESSIONS", "123")
	t.Setenv("VOXEDIT_HISTORY_VACUUM_ON_START", "true")
	t.Setenv("VOXEDIT_SYNTH_ENDPOINT", "http://synth:8008")
	t.Setenv("VOXEDIT_SYNTH_SERVER_COMMAND", "python server.py --port 8008")
	t.Setenv("VOXEDIT_EDITOR_AUTO_INFER", "true")
	t.Setenv("VOXEDIT_EDITOR_DEBOUNCE_MS", "750")
	t.Setenv("VOXEDIT_EDITOR_PITCH_STEP", "0.2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.History.Path != "./tmp.db" {
		t.Fatalf("expected history path override")
	}
	if cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history retention mode override")
	}
	if cfg.History.RetentionDays != 7 {
		t.Fatalf("expected history retention days override")
	}
	if cfg.History.MaxSessions != 123 {
		t.Fatalf("expected history max sessions override")
	}
	if !cfg.History.VacuumOnStart {
		t.Fatalf("expected history vacuum flag override")
	}
	if cfg.Synth.Endpoint != "http://synth:8008" {
		t.Fatalf("expected synth endpoint override")
	}
	if cfg.Synth.ServerCommand != "python server.py --port 8008" {
		t.Fatalf("expected server command override")
	}
	if !cfg.Editor.AutoInfer || cfg.Editor.DebounceMS != 750 {
		t.Fatalf("expected editor overrides, got %+v", cfg.Editor)
	}
	if cfg.Editor.PitchStep != 0.2 {
		t.Fatalf("expected pitch step override, got %v", cfg.Editor.PitchStep)
	}
}

func TestValidateAcceptsRandomEmbeddedPort(t *testing.T) {
	cfg := Default()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty endpoint":   func(c *Config) { c.Synth.Endpoint = " " },
		"zero debounce":    func(c *Config) { c.Editor.DebounceMS = 0 },
		"bad retention":    func(c *Config) { c.History.RetentionMode = "forever" },
		"empty temp dir":   func(c *Config) { c.Output.TempDir = "" },
		"bad http port":    func(c *Config) { c.HTTP.Port = 70000 },
		"zero bus port":    func(c *Config) { c.Bus.Embedded = true; c.Bus.Port = 0 },
		"no servers":       func(c *Config) { c.Bus.Embedded = false; c.Bus.Servers = nil },
		"poll with launch": func(c *Config) { c.Synth.ServerCommand = "run"; c.Synth.StartupPollMS = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
