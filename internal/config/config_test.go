package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "toolrun.db", cfg.DB)
	assert.Equal(t, "", cfg.Redis.URL)
	assert.Equal(t, "toolrun", cfg.Redis.Prefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Action.Timeout)
	assert.Equal(t, 256, cfg.Audit.ConnectionCacheSize)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.Empty(t, cfg.Integrations)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TOOLRUN_DB", "/tmp/other.db")
	t.Setenv("TOOLRUN_LOG_LEVEL", "debug")
	t.Setenv("TOOLRUN_ACTION_TIMEOUT", "5s")
	t.Setenv("TOOLRUN_REDIS_URL", "redis://localhost:6379/2")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Action.Timeout)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Redis.URL)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: runs.db
log:
  format: json
audit:
  connection_cache_size: 16
capabilities:
  file: extra-caps.yaml
metrics:
  addr: ":9090"
integrations:
  github:
    base_url: https://gateway.internal/github
    token_env: GITHUB_TOKEN
`), 0o644))
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("TOOLRUN_LOG_FORMAT", "text")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "runs.db", cfg.DB)
	assert.Equal(t, "text", cfg.Log.Format, "env beats file")
	assert.Equal(t, 16, cfg.Audit.ConnectionCacheSize)
	assert.Equal(t, "extra-caps.yaml", cfg.Capabilities.File)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)

	gh, ok := cfg.Integrations["github"]
	require.True(t, ok)
	assert.Equal(t, "https://gateway.internal/github", gh.BaseURL)
	assert.Equal(t, "ghp_test", gh.Token())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty db", func(c *Config) { c.DB = "" }, "db must not be empty"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero timeout", func(c *Config) { c.Action.Timeout = 0 }, "action.timeout"},
		{"zero cache", func(c *Config) { c.Audit.ConnectionCacheSize = 0 }, "audit.connection_cache_size"},
		{"integration without url", func(c *Config) {
			c.Integrations = map[string]IntegrationConfig{"slack": {TokenEnv: "SLACK_TOKEN"}}
		}, "integrations.slack.base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New(), "")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "warn", Format: "json"}}

	var buf bytes.Buffer
	log := cfg.Logger(&buf, false)
	log.Info("hidden")
	log.Warn("shown", "event", "x")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"event":"x"`)

	buf.Reset()
	cfg.Logger(&buf, true).Debug("verbose")
	assert.Contains(t, buf.String(), "verbose")
}
