package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Loop.MaxSteps != 20 {
		t.Errorf("default max steps = %d, want 20", cfg.Loop.MaxSteps)
	}
	if cfg.Scheduler.MaxRetries != 2 {
		t.Errorf("default max retries = %d, want 2", cfg.Scheduler.MaxRetries)
	}
	if cfg.Budget.Mode != BudgetWarnOnly {
		t.Errorf("default budget mode = %q, want %q", cfg.Budget.Mode, BudgetWarnOnly)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.SessionCount != 3 {
		t.Errorf("session count = %d, want default 3", cfg.Pool.SessionCount)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wraith.yaml")
	data := []byte(`
pool:
  session_count: 6
  max_size: 10
loop:
  max_steps: 12
  settle_timeout: 1500ms
budget:
  mode: kill_tab
  violation_window: 3s
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.SessionCount != 6 {
		t.Errorf("session count = %d, want 6", cfg.Pool.SessionCount)
	}
	if cfg.Loop.MaxSteps != 12 {
		t.Errorf("max steps = %d, want 12", cfg.Loop.MaxSteps)
	}
	if got := cfg.SettleTimeout(); got != 1500*time.Millisecond {
		t.Errorf("settle timeout = %v, want 1.5s", got)
	}
	if got := cfg.ViolationWindow(); got != 3*time.Second {
		t.Errorf("violation window = %v, want 3s", got)
	}
	if cfg.Budget.Mode != BudgetKillTab {
		t.Errorf("budget mode = %q, want kill_tab", cfg.Budget.Mode)
	}
	// Untouched sections keep defaults.
	if cfg.Navigator.Model != "gemini-2.5-flash" {
		t.Errorf("navigator model lost default: %q", cfg.Navigator.Model)
	}
}

func TestDurationGettersFallBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budget.SampleInterval = "not-a-duration"
	cfg.Loop.DecisionCacheTTL = ""

	if got := cfg.SampleInterval(); got != time.Second {
		t.Errorf("sample interval fallback = %v, want 1s", got)
	}
	if got := cfg.DecisionCacheTTL(); got != 60*time.Second {
		t.Errorf("cache ttl fallback = %v, want 60s", got)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero session count", func(c *Config) { c.Pool.SessionCount = 0 }},
		{"count above max", func(c *Config) { c.Pool.SessionCount = 99 }},
		{"inverted bounds", func(c *Config) { c.Pool.MinSize = 5; c.Pool.MaxSize = 2 }},
		{"confidence above one", func(c *Config) { c.Navigator.ConfidenceThreshold = 1.5 }},
		{"zero steps", func(c *Config) { c.Loop.MaxSteps = 0 }},
		{"bad budget mode", func(c *Config) { c.Budget.Mode = "shout" }},
		{"bad interception mode", func(c *Config) { c.Network.RequestInterceptionInitialMode = "warp" }},
		{"bad cache mode", func(c *Config) { c.Network.HTTPCacheMode = "guess" }},
		{"override ttl without ttl", func(c *Config) { c.Network.HTTPCacheMode = CacheOverrideTTL; c.Network.HTTPCacheTTLMS = 0 }},
		{"negative retries", func(c *Config) { c.Scheduler.MaxRetries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestSaveRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "wraith.yaml")
	cfg := DefaultConfig()
	cfg.Pool.SessionCount = 5

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Pool.SessionCount != 5 {
		t.Errorf("roundtrip session count = %d, want 5", loaded.Pool.SessionCount)
	}
}
