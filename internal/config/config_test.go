package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/relay/internal/config"
)

func loadTemp(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RELAY_DATA_DIR", dir)
	t.Chdir(dir)
	cfg, err := config.New()
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := loadTemp(t)

	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
	assert.Equal(t, config.DefaultStepTimeout, cfg.Engine.StepTimeout)
	assert.Equal(t, config.DefaultMaxAttempts, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, config.DefaultBackoffBase, cfg.Engine.Retry.BackoffBase)
	assert.True(t, cfg.Engine.ReconcileOnStart)
	assert.Equal(t, "sqlite", cfg.Connectors.SQL.Driver)
	assert.Empty(t, cfg.ConfigFile)
	assert.NoError(t, cfg.Validate())
}

func TestDerivedPaths(t *testing.T) {
	cfg := loadTemp(t)

	assert.Equal(t, filepath.Join(cfg.DataDir, "relay.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "files"), cfg.Connectors.File.BaseDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "outbox"), cfg.Connectors.Email.OutboxDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "workspaces"), cfg.WorkspacesDir())

	require.NoError(t, cfg.EnsureDataDir())
	for _, dir := range []string{
		cfg.WorkspacesDir(), cfg.Connectors.File.BaseDir,
		cfg.Connectors.Email.OutboxDir,
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "9191")
	t.Setenv("RELAY_ENGINE_STEP_TIMEOUT", "5s")
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	cfg := loadTemp(t)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAY_DATA_DIR", dir)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
engine:
  retry:
    max_attempts: 4
    backoff_base: 100ms
    backoff_cap: 2s
connectors:
  redis:
    addr: localhost:6379
`), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.Retry.BackoffBase)
	assert.Equal(t, 2*time.Second, cfg.Engine.Retry.BackoffCap)
	assert.Equal(t, "localhost:6379", cfg.Connectors.Redis.Addr)
}

func TestMissingExplicitFile(t *testing.T) {
	t.Setenv("RELAY_DATA_DIR", t.TempDir())
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mod    func(*config.Config)
		expect error
	}{
		{
			name:   "port_zero",
			mod:    func(c *config.Config) { c.Server.Port = 0 },
			expect: config.ErrInvalidPort,
		},
		{
			name:   "port_too_high",
			mod:    func(c *config.Config) { c.Server.Port = 70000 },
			expect: config.ErrInvalidPort,
		},
		{
			name:   "zero_step_timeout",
			mod:    func(c *config.Config) { c.Engine.StepTimeout = 0 },
			expect: config.ErrInvalidStepTimeout,
		},
		{
			name: "step_timeout_over_max",
			mod: func(c *config.Config) {
				c.Engine.MaxStepTimeout = time.Second
				c.Engine.StepTimeout = time.Minute
			},
			expect: config.ErrStepTimeoutTooLarge,
		},
		{
			name:   "zero_attempts",
			mod:    func(c *config.Config) { c.Engine.Retry.MaxAttempts = 0 },
			expect: config.ErrInvalidMaxAttempts,
		},
		{
			name:   "zero_backoff",
			mod:    func(c *config.Config) { c.Engine.Retry.BackoffBase = 0 },
			expect: config.ErrInvalidBackoffBase,
		},
		{
			name: "cap_below_base",
			mod: func(c *config.Config) {
				c.Engine.Retry.BackoffBase = time.Second
				c.Engine.Retry.BackoffCap = time.Millisecond
			},
			expect: config.ErrBackoffCapTooSmall,
		},
		{
			name:   "log_format",
			mod:    func(c *config.Config) { c.Log.Format = "xml" },
			expect: config.ErrInvalidLogFormat,
		},
		{
			name:   "sql_driver",
			mod:    func(c *config.Config) { c.Connectors.SQL.Driver = "oracle" },
			expect: config.ErrUnsupportedSQLDriver,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadTemp(t)
			tt.mod(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.expect)
		})
	}
}
