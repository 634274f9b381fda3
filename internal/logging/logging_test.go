package logging_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mpataki/relay/internal/logging"
)

func TestNewDefaultsToInfo(t *testing.T) {
	logger, err := logging.New(logging.Options{})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewDebugLevel(t *testing.T) {
	logger, err := logging.New(logging.Options{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := logging.New(logging.Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNewWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	logger, err := logging.New(logging.Options{Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("hello", logging.RunID("run-1"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"run-1"`)
}

func TestQuietWritesOnlyToFile(t *testing.T) {
	logger, err := logging.New(logging.Options{Quiet: true})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.ErrorLevel))

	path := filepath.Join(t.TempDir(), "relay.log")
	logger, err = logging.New(logging.Options{Format: "json", File: path, Quiet: true})
	require.NoError(t, err)
	logger.Info("quiet")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"quiet"`)
}

func TestFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	logger.Debug("transition",
		logging.RunID("r"), logging.FlowID("f"), logging.StepID("s"),
		logging.Version(3), logging.Attempt(2),
		logging.Status("running"), logging.Kind("timeout"),
		logging.Connector("file"),
	)

	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "r", ctx["run_id"])
	assert.Equal(t, "f", ctx["flow_id"])
	assert.Equal(t, "s", ctx["step_id"])
	assert.EqualValues(t, 3, ctx["version"])
	assert.EqualValues(t, 2, ctx["attempt"])
	assert.Equal(t, "running", ctx["status"])
	assert.Equal(t, "timeout", ctx["kind"])
	assert.Equal(t, "file", ctx["connector"])
}
