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
	t.Setenv("PROVIDER_API_KEY", "test-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.StartupTimeout)
	assert.Equal(t, 5, cfg.Provider.CircuitBreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.Provider.CircuitBreakerTimeout)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.ProductsTTL)
	assert.Equal(t, "03:00", cfg.Cache.ClearTime)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)
	assert.True(t, cfg.Migration.Enabled)
	assert.Equal(t, 15, cfg.Migration.IntervalMinutes)
}

func TestLoadMissingAPIKey(t *testing.T) {
	os.Unsetenv("PROVIDER_API_KEY")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_API_KEY")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER_API_KEY", "test-key")
	t.Setenv("MAX_CONCURRENT_JOBS", "4")
	t.Setenv("INSTANCE_POLL_INTERVAL", "5s")
	t.Setenv("REGION_PRIORITY", "us-east-1, eu-west-2,ap-south-1")
	t.Setenv("NODE_ENV", "production")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, []string{"us-east-1", "eu-west-2", "ap-south-1"}, cfg.Region.Priority)
	assert.True(t, cfg.IsProduction())
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv("PROVIDER_API_KEY", "test-key")

	dir := t.TempDir()
	path := filepath.Join(dir, "nimbus.yaml")
	data := []byte(`
port: 9090
webhook:
  url: https://hooks.example.com/nimbus
  retries: 5
migration:
  dry_run: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "https://hooks.example.com/nimbus", cfg.Webhook.URL)
	assert.Equal(t, 5, cfg.Webhook.Retries)
	assert.True(t, cfg.Migration.DryRun)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := &Config{Port: 8080}
		cfg.Provider.APIKey = "k"
		cfg.Provider.BaseURL = "https://api.example.com"
		cfg.Jobs.MaxConcurrent = 10
		cfg.Jobs.MaxAttempts = 3
		cfg.Cache.MaxSize = 100
		cfg.Cache.ClearTime = "03:00"
		cfg.Migration.IntervalMinutes = 15
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"zero concurrency", func(c *Config) { c.Jobs.MaxConcurrent = 0 }},
		{"zero attempts", func(c *Config) { c.Jobs.MaxAttempts = 0 }},
		{"zero cache size", func(c *Config) { c.Cache.MaxSize = 0 }},
		{"zero migration interval", func(c *Config) { c.Migration.IntervalMinutes = 0 }},
		{"bad clear time", func(c *Config) { c.Cache.ClearTime = "25:99" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

func TestParseClearTime(t *testing.T) {
	spec, err := ParseClearTime("03:00")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", spec)

	spec, err = ParseClearTime("23:45")
	require.NoError(t, err)
	assert.Equal(t, "45 23 * * *", spec)

	_, err = ParseClearTime("nope")
	assert.Error(t, err)
}
