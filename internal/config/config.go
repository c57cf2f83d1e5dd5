// Package config holds the runtime configuration for wraith. Environment
// variables are applied exactly once, during Load; components receive the
// resulting immutable Config and never consult the process environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"wraith/internal/logging"
)

// Interception modes for the optional networking layer.
const (
	InterceptionAgentFast    = "agent_fast"
	InterceptionVisualRender = "visual_render"
	InterceptionDisabled     = "disabled"
)

// HTTP cache postures.
const (
	CacheRespectHeaders = "respect_headers"
	CacheForceRefresh   = "force_refresh"
	CacheOverrideTTL    = "override_ttl"
)

// Budget enforcement modes.
const (
	BudgetWarnOnly = "warn_only"
	BudgetKillTab  = "kill_tab"
)

// Config holds all wraith configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Pool      PoolConfig      `yaml:"pool"`
	Navigator NavigatorConfig `yaml:"navigator"`
	Loop      LoopConfig      `yaml:"loop"`
	Budget    BudgetConfig    `yaml:"budget"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Network   NetworkConfig   `yaml:"network"`
	Browser   BrowserConfig   `yaml:"browser"`
	Logging   logging.Options `yaml:"logging"`
}

// PoolConfig sizes the ghost session pool.
type PoolConfig struct {
	SessionCount int    `yaml:"session_count"` // desired warm sessions
	MinSize      int    `yaml:"min_size"`
	MaxSize      int    `yaml:"max_size"`
	WarmTimeout  string `yaml:"warm_timeout"`
}

// NavigatorConfig selects and tunes the decision model.
type NavigatorConfig struct {
	Provider            string  `yaml:"provider"` // gemini, scripted
	APIKey              string  `yaml:"api_key"`
	Model               string  `yaml:"model"`        // Tier 1, structured-only
	VisionModel         string  `yaml:"vision_model"` // Tier 2, visual
	Timeout             string  `yaml:"timeout"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// LoopConfig tunes the perception-action loop.
type LoopConfig struct {
	MaxSteps               int    `yaml:"max_steps"`
	SettleTimeout          string `yaml:"settle_timeout"`
	DecisionCacheTTL       string `yaml:"decision_cache_ttl"`
	DecisionCacheSize      int    `yaml:"decision_cache_size"`
	TreeCharBudget         int    `yaml:"tree_char_budget"`
	UseCompactTreeEncoding bool   `yaml:"use_compact_tree_encoding"`
}

// BudgetConfig bounds per-session resource consumption.
type BudgetConfig struct {
	CPUPercent      float64 `yaml:"cpu_percent"` // per core
	MemoryMB        float64 `yaml:"memory_mb"`
	SampleInterval  string  `yaml:"sample_interval"`
	ViolationWindow string  `yaml:"violation_window"`
	Mode            string  `yaml:"mode"` // warn_only, kill_tab
}

// SchedulerConfig tunes retry behavior.
type SchedulerConfig struct {
	MaxRetries int `yaml:"max_retries"` // crash retries beyond the first attempt
}

// NetworkConfig carries the interception and cache posture handed to the
// session client. The layer itself is optional.
type NetworkConfig struct {
	RequestInterceptionEnabled     bool   `yaml:"request_interception_enabled"`
	RequestInterceptionInitialMode string `yaml:"request_interception_initial_mode"`
	HTTPCacheMode                  string `yaml:"http_cache_mode"`
	HTTPCacheTTLMS                 int    `yaml:"http_cache_ttl_ms"`
}

// BrowserConfig configures the real session client.
type BrowserConfig struct {
	DebuggerURL         string `yaml:"debugger_url"`
	Bin                 string `yaml:"bin"`
	Headless            bool   `yaml:"headless"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "wraith",
		Version: "0.3.0",

		Pool: PoolConfig{
			SessionCount: 3,
			MinSize:      1,
			MaxSize:      8,
			WarmTimeout:  "30s",
		},

		Navigator: NavigatorConfig{
			Provider:            "gemini",
			Model:               "gemini-2.5-flash",
			VisionModel:         "gemini-2.5-pro",
			Timeout:             "60s",
			ConfidenceThreshold: 0.75,
		},

		Loop: LoopConfig{
			MaxSteps:          20,
			SettleTimeout:     "3s",
			DecisionCacheTTL:  "60s",
			DecisionCacheSize: 256,
			TreeCharBudget:    12000,
		},

		Budget: BudgetConfig{
			CPUPercent:      80,
			MemoryMB:        512,
			SampleInterval:  "1s",
			ViolationWindow: "10s",
			Mode:            BudgetWarnOnly,
		},

		Scheduler: SchedulerConfig{
			MaxRetries: 2,
		},

		Network: NetworkConfig{
			RequestInterceptionInitialMode: InterceptionDisabled,
			HTTPCacheMode:                  CacheRespectHeaders,
		},

		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1280,
			ViewportHeight:      800,
			NavigationTimeoutMs: 30000,
		},

		Logging: logging.Options{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file is absent, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies the recognized environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SESSION_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pool.SessionCount = n
		}
	}

	if v := os.Getenv("NAVIGATOR_MODEL"); v != "" {
		c.Navigator.Model = v
	}
	if v := os.Getenv("NAVIGATOR_VISION_MODEL"); v != "" {
		c.Navigator.VisionModel = v
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Navigator.APIKey = key
	}

	if v := os.Getenv("REQUEST_INTERCEPTION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Network.RequestInterceptionEnabled = b
		}
	}
	if v := os.Getenv("REQUEST_INTERCEPTION_INITIAL_MODE"); v != "" {
		c.Network.RequestInterceptionInitialMode = v
	}

	if v := os.Getenv("HTTP_CACHE_MODE"); v != "" {
		c.Network.HTTPCacheMode = v
	}
	if v := os.Getenv("HTTP_CACHE_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Network.HTTPCacheTTLMS = n
		}
	}

	if v := os.Getenv("USE_COMPACT_TREE_ENCODING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Loop.UseCompactTreeEncoding = b
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Pool.SessionCount <= 0 {
		return fmt.Errorf("pool.session_count must be > 0, got %d", c.Pool.SessionCount)
	}
	if c.Pool.MinSize <= 0 || c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("pool bounds invalid: min=%d max=%d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Pool.SessionCount > c.Pool.MaxSize {
		return fmt.Errorf("pool.session_count %d exceeds max_size %d", c.Pool.SessionCount, c.Pool.MaxSize)
	}

	if c.Navigator.ConfidenceThreshold <= 0 || c.Navigator.ConfidenceThreshold > 1 {
		return fmt.Errorf("navigator.confidence_threshold must be in (0,1], got %v", c.Navigator.ConfidenceThreshold)
	}

	if c.Loop.MaxSteps <= 0 {
		return fmt.Errorf("loop.max_steps must be > 0, got %d", c.Loop.MaxSteps)
	}

	switch c.Budget.Mode {
	case BudgetWarnOnly, BudgetKillTab:
	default:
		return fmt.Errorf("budget.mode invalid: %q", c.Budget.Mode)
	}

	switch c.Network.RequestInterceptionInitialMode {
	case InterceptionAgentFast, InterceptionVisualRender, InterceptionDisabled:
	default:
		return fmt.Errorf("network.request_interception_initial_mode invalid: %q", c.Network.RequestInterceptionInitialMode)
	}

	switch c.Network.HTTPCacheMode {
	case CacheRespectHeaders, CacheForceRefresh:
	case CacheOverrideTTL:
		if c.Network.HTTPCacheTTLMS <= 0 {
			return fmt.Errorf("network.http_cache_ttl_ms must be > 0 when mode is %s", CacheOverrideTTL)
		}
	default:
		return fmt.Errorf("network.http_cache_mode invalid: %q", c.Network.HTTPCacheMode)
	}

	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0, got %d", c.Scheduler.MaxRetries)
	}

	return nil
}

// WarmTimeout returns the slot warm timeout as a duration.
func (c *Config) WarmTimeout() time.Duration {
	return parseDuration(c.Pool.WarmTimeout, 30*time.Second)
}

// NavigatorTimeout returns the per-decision timeout as a duration.
func (c *Config) NavigatorTimeout() time.Duration {
	return parseDuration(c.Navigator.Timeout, 60*time.Second)
}

// SettleTimeout returns the post-action settle timeout as a duration.
func (c *Config) SettleTimeout() time.Duration {
	return parseDuration(c.Loop.SettleTimeout, 3*time.Second)
}

// DecisionCacheTTL returns the decision cache TTL as a duration.
func (c *Config) DecisionCacheTTL() time.Duration {
	return parseDuration(c.Loop.DecisionCacheTTL, 60*time.Second)
}

// SampleInterval returns the budget sampling interval as a duration.
func (c *Config) SampleInterval() time.Duration {
	return parseDuration(c.Budget.SampleInterval, time.Second)
}

// ViolationWindow returns the sustained-violation window as a duration.
func (c *Config) ViolationWindow() time.Duration {
	return parseDuration(c.Budget.ViolationWindow, 10*time.Second)
}

// NavigationTimeout returns the browser navigation timeout.
func (c *Config) NavigationTimeout() time.Duration {
	if c.Browser.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Browser.NavigationTimeoutMs) * time.Millisecond
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
