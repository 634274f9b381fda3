package builtin_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/config"
	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/connectors/builtin"
)

func testConfig(t *testing.T) *config.ConnectorsConfig {
	dir := t.TempDir()
	return &config.ConnectorsConfig{
		File:  config.FileConfig{BaseDir: filepath.Join(dir, "files")},
		SQL:   config.SQLConfig{Driver: "sqlite", DSN: filepath.Join(dir, "data.db")},
		Email: config.EmailConfig{OutboxDir: filepath.Join(dir, "outbox")},
		HTTP:  config.HTTPConfig{Timeout: time.Second},
	}
}

func names(infos []connector.Info) []string {
	res := make([]string, len(infos))
	for i, info := range infos {
		res[i] = info.Name
	}
	return res
}

func TestLoadRegistersBuiltins(t *testing.T) {
	reg := connector.NewRegistry(zap.NewNop())
	defer reg.Close()

	require.NoError(t, builtin.Load(reg, testConfig(t), zap.NewNop()))
	assert.Equal(t,
		[]string{"email", "file", "http", "script", "sql"},
		names(reg.List()))

	assert.NoError(t, reg.Test(context.Background(), "sql"))
	assert.NoError(t, reg.Test(context.Background(), "email"))
}

func TestKVEnabledByRedisAddr(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	reg := connector.NewRegistry(zap.NewNop())
	defer reg.Close()
	require.NoError(t, builtin.Load(reg, cfg, zap.NewNop()))

	assert.Contains(t, names(reg.List()), "kv")
	assert.NoError(t, reg.Test(context.Background(), "kv"))
}

func TestMissingDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQL = config.SQLConfig{Driver: "postgres"}
	_, err := builtin.Connectors(cfg, zap.NewNop())
	assert.ErrorIs(t, err, builtin.ErrMissingDSN)
}
