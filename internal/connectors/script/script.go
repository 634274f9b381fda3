// Package script provides the execute_code connector backed by the
// sandboxed Lua runtime.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/lua"
	"github.com/mpataki/relay/internal/workspace"
)

const Name = "script"

type Connector struct {
	*connector.Mux
	rt *lua.Runtime
}

func New() *Connector {
	c := &Connector{Mux: connector.NewMux(Name), rt: lua.NewRuntime()}
	c.Handle(connector.ActionSpec{
		Name:        "execute_code",
		Description: "Run a Lua script; its return value becomes the step output",
		Aliases:     []string{"run", "lua"},
		Params: []connector.ParamSpec{
			connector.Required("code", connector.TypeString),
			connector.Optional("input", connector.TypeObject),
		},
	}, c.execute)
	return c
}

func (c *Connector) execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	code, err := connector.String(params, "code", true)
	if err != nil {
		return nil, err
	}
	input, err := connector.Object(params, "input", false)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}

	info := map[string]any{}
	if call, ok := connector.CallFrom(ctx); ok {
		info["run_id"] = call.RunID
		info["flow_id"] = call.FlowID
		info["step_id"] = call.StepID
		info["attempt"] = call.Attempt
	}

	var host lua.Host
	if ws, ok := workspace.FromContext(ctx); ok {
		host = scratchHost{ws}
	}

	res, err := c.rt.Run(ctx, code, input, info, host)
	if err != nil {
		var failure *lua.Failure
		switch {
		case errors.As(err, &failure):
			return nil, connector.Failf("script_failed", "%s", failure.Reason)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, connector.Wrap("script_error", err)
		}
	}

	logs := make([]any, len(res.Logs))
	for i, l := range res.Logs {
		logs[i] = l
	}
	return map[string]any{
		"result": res.Output,
		"logs":   logs,
	}, nil
}

// scratchHost exposes a run's scratch directory to scripts
type scratchHost struct {
	ws *workspace.Workspace
}

func (h scratchHost) ReadScratch(name string) (string, error) {
	path, err := h.ws.ScratchPath(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", name, err)
	}
	return string(data), nil
}

func (h scratchHost) WriteScratch(name, content string) error {
	path, err := h.ws.ScratchPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}
