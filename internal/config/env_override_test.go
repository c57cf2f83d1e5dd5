package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_Pool(t *testing.T) {
	t.Run("SESSION_COUNT sets desired pool size", func(t *testing.T) {
		t.Setenv("SESSION_COUNT", "6")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 6, cfg.Pool.SessionCount)
	})

	t.Run("non-numeric SESSION_COUNT is ignored", func(t *testing.T) {
		t.Setenv("SESSION_COUNT", "many")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 3, cfg.Pool.SessionCount)
	})

	t.Run("non-positive SESSION_COUNT is ignored", func(t *testing.T) {
		t.Setenv("SESSION_COUNT", "0")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 3, cfg.Pool.SessionCount)
	})
}

func TestEnvOverrides_Navigator(t *testing.T) {
	t.Setenv("NAVIGATOR_MODEL", "gemini-2.5-flash-lite")
	t.Setenv("NAVIGATOR_VISION_MODEL", "gemini-2.5-pro-exp")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "gemini-2.5-flash-lite", cfg.Navigator.Model)
	assert.Equal(t, "gemini-2.5-pro-exp", cfg.Navigator.VisionModel)
	assert.Equal(t, "test-key", cfg.Navigator.APIKey)
}

func TestEnvOverrides_Network(t *testing.T) {
	t.Run("interception toggles", func(t *testing.T) {
		t.Setenv("REQUEST_INTERCEPTION_ENABLED", "true")
		t.Setenv("REQUEST_INTERCEPTION_INITIAL_MODE", InterceptionAgentFast)

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.True(t, cfg.Network.RequestInterceptionEnabled)
		assert.Equal(t, InterceptionAgentFast, cfg.Network.RequestInterceptionInitialMode)
		require.NoError(t, cfg.Validate())
	})

	t.Run("invalid mode from env is caught by Validate", func(t *testing.T) {
		t.Setenv("REQUEST_INTERCEPTION_INITIAL_MODE", "hyperdrive")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		require.Error(t, cfg.Validate())
	})

	t.Run("cache override ttl", func(t *testing.T) {
		t.Setenv("HTTP_CACHE_MODE", CacheOverrideTTL)
		t.Setenv("HTTP_CACHE_TTL_MS", "5000")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, CacheOverrideTTL, cfg.Network.HTTPCacheMode)
		assert.Equal(t, 5000, cfg.Network.HTTPCacheTTLMS)
		require.NoError(t, cfg.Validate())
	})
}

func TestEnvOverrides_CompactTree(t *testing.T) {
	t.Setenv("USE_COMPACT_TREE_ENCODING", "1")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.True(t, cfg.Loop.UseCompactTreeEncoding)
}

func TestEnvOverrides_AppliedOnceThroughLoad(t *testing.T) {
	t.Setenv("SESSION_COUNT", "4")
	t.Setenv("USE_COMPACT_TREE_ENCODING", "true")

	cfg, err := Load("/nonexistent/wraith.yaml")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.SessionCount)
	assert.True(t, cfg.Loop.UseCompactTreeEncoding)
	assert.Equal(t, 30*time.Second, cfg.WarmTimeout())
}
