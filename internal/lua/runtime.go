// Package lua runs user-supplied step scripts in a sandboxed gopher-lua
// state. Scripts see only the base, table, string and math libraries plus a
// small host API, and are stopped when their context is done.
package lua

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Host provides the side effects a script may perform
type Host interface {
	ReadScratch(name string) (string, error)
	WriteScratch(name, content string) error
}

// Runtime executes scripts. It holds no Lua state between runs, so one
// Runtime may serve concurrent calls.
type Runtime struct {
	maxLogs int
}

// Result is what a finished script produced
type Result struct {
	Output any
	Logs   []string
}

// Failure is raised by a script calling fail(reason)
type Failure struct {
	Reason string
}

func (f *Failure) Error() string {
	return f.Reason
}

var ErrNoScratch = errors.New("no scratch workspace available")

const (
	DefaultMaxLogs = 200
	callStackSize  = 120
	registrySize   = 1024 * 20
	failMarker     = "__relay_fail__"
)

func NewRuntime() *Runtime {
	return &Runtime{maxLogs: DefaultMaxLogs}
}

type execution struct {
	host    Host
	info    map[string]any
	logs    []string
	maxLogs int
	failure *Failure
}

// Run executes code with input bound to the global "input". The value the
// chunk returns becomes Result.Output; a chunk that returns nothing falls
// back to the global "output".
func (r *Runtime) Run(
	ctx context.Context, code string, input map[string]any, info map[string]any,
	host Host,
) (*Result, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       callStackSize,
		RegistrySize:        registrySize,
		IncludeGoStackTrace: false,
	})
	defer L.Close()
	L.SetContext(ctx)

	ex := &execution{host: host, info: info, maxLogs: r.maxLogs}
	openSafeLibs(L)
	ex.registerAPI(L)
	L.SetGlobal("input", ToLua(L, input))

	fn, err := L.LoadString(code)
	if err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	base := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if ex.failure != nil {
			return &Result{Logs: ex.logs}, ex.failure
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return &Result{Logs: ex.logs}, fmt.Errorf("script execution failed: %w", err)
	}

	var out lua.LValue = lua.LNil
	if L.GetTop() > base {
		out = L.Get(base + 1)
	}
	if out == lua.LNil {
		out = L.GetGlobal("output")
	}
	return &Result{Output: FromLua(out), Logs: ex.logs}, nil
}

// openSafeLibs loads only the libraries that cannot reach the host
func openSafeLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{
		"loadfile", "dofile", "load", "loadstring", "require",
		"module", "print", "collectgarbage", "getfenv", "setfenv",
	} {
		L.SetGlobal(name, lua.LNil)
	}

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (ex *execution) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(ex.luaLog))
	L.SetGlobal("fail", L.NewFunction(ex.luaFail))
	L.SetGlobal("context", L.NewFunction(ex.luaContext))
	L.SetGlobal("read_scratch", L.NewFunction(ex.luaReadScratch))
	L.SetGlobal("write_scratch", L.NewFunction(ex.luaWriteScratch))
}

// luaLog implements log(...), joining its arguments with spaces
func (ex *execution) luaLog(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	if len(ex.logs) < ex.maxLogs {
		ex.logs = append(ex.logs, strings.Join(parts, " "))
	}
	return 0
}

// luaFail implements fail(reason?), aborting the script
func (ex *execution) luaFail(L *lua.LState) int {
	ex.failure = &Failure{Reason: L.OptString(1, "script failed")}
	L.RaiseError("%s: %s", failMarker, ex.failure.Reason)
	return 0
}

func (ex *execution) luaContext(L *lua.LState) int {
	L.Push(ToLua(L, ex.info))
	return 1
}

func (ex *execution) luaReadScratch(L *lua.LState) int {
	name := L.CheckString(1)
	if ex.host == nil {
		L.RaiseError("%v", ErrNoScratch)
		return 0
	}
	data, err := ex.host.ReadScratch(name)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

func (ex *execution) luaWriteScratch(L *lua.LState) int {
	name := L.CheckString(1)
	content := L.CheckString(2)
	if ex.host == nil {
		L.RaiseError("%v", ErrNoScratch)
		return 0
	}
	if err := ex.host.WriteScratch(name, content); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// ToLua converts a decoded document value to a Lua value
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(ToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, ToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// FromLua converts a Lua value back into plain Go values. Tables with only
// consecutive integer keys from 1 become lists; other tables become maps
// keyed by the string form of each key. Integral numbers become int64.
func FromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return tableToGo(val)
	default:
		return val.String()
	}
}

func tableToGo(tbl *lua.LTable) any {
	n := tbl.Len()
	count := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		list := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			list = append(list, FromLua(tbl.RawGetInt(i)))
		}
		return list
	}

	m := make(map[string]any, count)
	tbl.ForEach(func(k, v lua.LValue) {
		m[k.String()] = FromLua(v)
	})
	return m
}
