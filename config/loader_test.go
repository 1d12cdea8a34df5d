package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.DefaultTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.History.Enabled)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fluxion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  workers: 4
  queue_size: 32
sandbox:
  default_timeout: 5s
history:
  enabled: true
  dsn: ":memory:"
log:
  level: debug
  format: console
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 32, cfg.Engine.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.DefaultTimeout)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, ":memory:", cfg.History.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/fluxion.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.Workers)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fluxion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  workers: 4\n"), 0o600))

	t.Setenv("FLUXION_ENGINE_WORKERS", "16")
	t.Setenv("FLUXION_SANDBOX_DEFAULT_TIMEOUT", "90s")
	t.Setenv("FLUXION_WEBHOOK_RATE", "2.5")
	t.Setenv("FLUXION_HISTORY_ENABLED", "true")
	t.Setenv("FLUXION_REDIS_ADDR", "redis.internal:6379")

	cfg, err := NewLoader().WithConfigPath(path).WithEnvPrefix("FLUXION").Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, 90*time.Second, cfg.Sandbox.DefaultTimeout)
	assert.Equal(t, 2.5, cfg.Webhook.Rate)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestEnvInvalidValue(t *testing.T) {
	t.Setenv("FLUXION_ENGINE_WORKERS", "lots")
	_, err := NewLoader().WithEnvPrefix("FLUXION").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLUXION_ENGINE_WORKERS")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"zero queue", func(c *Config) { c.Engine.QueueSize = 0 }},
		{"zero sandbox timeout", func(c *Config) { c.Sandbox.DefaultTimeout = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestKeysListsLeafFields(t *testing.T) {
	keys := Keys("FLUXION")
	assert.Contains(t, keys, "FLUXION_ENGINE_WORKERS")
	assert.Contains(t, keys, "FLUXION_LOG_LEVEL")
	assert.Contains(t, keys, "FLUXION_REDIS_KEY_PREFIX")
	assert.NotContains(t, keys, "FLUXION_ENGINE")
}
