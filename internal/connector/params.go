package connector

import (
	"fmt"
	"strconv"

	"github.com/mpataki/relay/internal/errs"
)

// String reads a string parameter. Missing or empty required values are a
// validation failure.
func String(params map[string]any, name string, required bool) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		if required {
			return "", missing(name)
		}
		return "", nil
	}
	switch s := v.(type) {
	case string:
		if s == "" && required {
			return "", missing(name)
		}
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	case int, int64, float64, bool:
		return fmt.Sprint(s), nil
	default:
		return "", mistyped(name, "string", v)
	}
}

// Int reads an integer parameter, returning def when absent
func Int(params map[string]any, name string, def int64) (int64, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, mistyped(name, "int", v)
		}
		return i, nil
	default:
		return 0, mistyped(name, "int", v)
	}
}

// Bool reads a boolean parameter, returning def when absent
func Bool(params map[string]any, name string, def bool) (bool, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		res, err := strconv.ParseBool(b)
		if err != nil {
			return false, mistyped(name, "bool", v)
		}
		return res, nil
	default:
		return false, mistyped(name, "bool", v)
	}
}

// Object reads a mapping parameter
func Object(params map[string]any, name string, required bool) (map[string]any, error) {
	v, ok := params[name]
	if !ok || v == nil {
		if required {
			return nil, missing(name)
		}
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, mistyped(name, "object", v)
	}
	return m, nil
}

// List reads a sequence parameter
func List(params map[string]any, name string) ([]any, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, mistyped(name, "array", v)
	}
	return l, nil
}

func missing(name string) error {
	return errs.Validation(errs.CodeMissingParams,
		fmt.Sprintf("parameter %q is required", name))
}

func mistyped(name, want string, v any) error {
	return errs.Validation(errs.CodeInvalidParam,
		fmt.Sprintf("parameter %q must be %s, got %T", name, want, v))
}
