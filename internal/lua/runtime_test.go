package lua_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/relay/internal/lua"
)

type memHost map[string]string

func (h memHost) ReadScratch(name string) (string, error) {
	v, ok := h[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (h memHost) WriteScratch(name, content string) error {
	h[name] = content
	return nil
}

func TestRunReturnsConvertedOutput(t *testing.T) {
	rt := lua.NewRuntime()
	res, err := rt.Run(context.Background(), `
		local total = 0
		for _, item in ipairs(input.items) do
			total = total + item.qty
		end
		log("items", #input.items)
		return { total = total, names = { "a", "b" }, ratio = total / 4 }
	`, map[string]any{
		"items": []any{
			map[string]any{"qty": 3},
			map[string]any{"qty": float64(2)},
		},
	}, nil, nil)
	require.NoError(t, err)

	out := res.Output.(map[string]any)
	assert.Equal(t, int64(5), out["total"])
	assert.Equal(t, 1.25, out["ratio"])
	assert.Equal(t, []any{"a", "b"}, out["names"])
	assert.Equal(t, []string{"items 2"}, res.Logs)
}

func TestRunFallsBackToOutputGlobal(t *testing.T) {
	res, err := lua.NewRuntime().Run(context.Background(),
		`output = string.upper(input.name)`,
		map[string]any{"name": "relay"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "RELAY", res.Output)
}

func TestSandboxHidesHostLibraries(t *testing.T) {
	rt := lua.NewRuntime()
	for _, code := range []string{
		`return os.time()`,
		`return io.open("/etc/passwd")`,
		`return require("os")`,
		`return loadstring("return 1")()`,
		`return math.random()`,
	} {
		t.Run(code, func(t *testing.T) {
			_, err := rt.Run(context.Background(), code, nil, nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestFailAbortsWithReason(t *testing.T) {
	res, err := lua.NewRuntime().Run(context.Background(), `
		log("checking")
		if input.count == 0 then fail("nothing to do") end
		return true
	`, map[string]any{"count": 0}, nil, nil)

	var f *lua.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "nothing to do", f.Reason)
	assert.Equal(t, []string{"checking"}, res.Logs)
}

func TestContextStopsRunawayScript(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := lua.NewRuntime().Run(ctx, `while true do end`, nil, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScratchAndContextAPI(t *testing.T) {
	host := memHost{"seed.txt": "41"}
	res, err := lua.NewRuntime().Run(context.Background(), `
		local n = tonumber(read_scratch("seed.txt")) + 1
		assert(write_scratch("next.txt", tostring(n)))
		local missing, why = read_scratch("nope")
		return { run = context().run_id, n = n, missing = missing == nil, why = why }
	`, nil, map[string]any{"run_id": "r1"}, host)
	require.NoError(t, err)

	out := res.Output.(map[string]any)
	assert.Equal(t, "r1", out["run"])
	assert.Equal(t, int64(42), out["n"])
	assert.Equal(t, true, out["missing"])
	assert.Equal(t, "not found", out["why"])
	assert.Equal(t, "42", host["next.txt"])
}

func TestScratchWithoutHost(t *testing.T) {
	_, err := lua.NewRuntime().Run(context.Background(),
		`return read_scratch("x")`, nil, nil, nil)
	assert.Error(t, err)
}

func TestSyntaxError(t *testing.T) {
	_, err := lua.NewRuntime().Run(context.Background(), `return (`, nil, nil, nil)
	assert.ErrorContains(t, err, "failed to load script")
}
