package script_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/connectors/script"
	"github.com/mpataki/relay/internal/workspace"
)

func TestExecuteCode(t *testing.T) {
	c := script.New()
	ctx := connector.WithCall(context.Background(), connector.Call{
		RunID: "run-1", StepID: "sum", Attempt: 2,
	})

	out, err := c.Invoke(ctx, "execute_code", map[string]any{
		"code": `
			log("attempt", context().attempt)
			return { sum = input.a + input.b, step = context().step_id }
		`,
		"input": map[string]any{"a": 2, "b": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": int64(5), "step": "sum"}, out["result"])
	assert.Equal(t, []any{"attempt 2"}, out["logs"])
}

func TestScriptFailureIsConnectorError(t *testing.T) {
	_, err := script.New().Invoke(context.Background(), "lua", map[string]any{
		"code": `fail("bad input")`,
	})
	var ce *connector.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "script_failed", ce.Kind)
	assert.Equal(t, "bad input", ce.Message)
}

func TestScriptRuntimeError(t *testing.T) {
	_, err := script.New().Invoke(context.Background(), "execute_code", map[string]any{
		"code": `return nil + 1`,
	})
	var ce *connector.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "script_error", ce.Kind)
}

func TestScriptTimeoutPassesThrough(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := script.New().Invoke(ctx, "execute_code", map[string]any{
		"code": `while true do end`,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScriptUsesRunScratch(t *testing.T) {
	ws, err := workspace.Create(t.TempDir(), "r1")
	require.NoError(t, err)
	ctx := workspace.WithContext(context.Background(), ws)

	_, err = script.New().Invoke(ctx, "execute_code", map[string]any{
		"code": `assert(write_scratch("notes/out.txt", "hello"))`,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws.ScratchDir, "notes", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out, err := script.New().Invoke(ctx, "execute_code", map[string]any{
		"code": `local ok, why = write_scratch("../escape.txt", "x") return why`,
	})
	require.NoError(t, err)
	assert.Contains(t, out["result"], "escapes the sandbox")
}
