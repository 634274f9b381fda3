// Package connector defines the capability interface implemented by every
// external tool adapter, and the registry that holds them.
package connector

import (
	"context"
	"fmt"
	"sort"
)

type (
	// Connector is a named external-tool adapter exposing a fixed set of
	// actions. Implementations must be safe for concurrent Invoke calls and
	// must honor ctx cancellation where they block.
	Connector interface {
		Name() string
		Actions() []ActionSpec
		Invoke(ctx context.Context, action string, params map[string]any) (map[string]any, error)
	}

	// Pinger is implemented by connectors that can report their health
	Pinger interface {
		Ping(ctx context.Context) error
	}

	// Closer is implemented by connectors holding resources that must be
	// released when the registry is replaced
	Closer interface {
		Close() error
	}

	// ActionSpec describes one action and its parameter schema
	ActionSpec struct {
		Name        string      `json:"name"`
		Description string      `json:"description,omitempty"`
		Params      []ParamSpec `json:"params"`
		Aliases     []string    `json:"aliases,omitempty"`
	}

	ParamSpec struct {
		Name     string    `json:"name"`
		Type     ParamType `json:"type"`
		Required bool      `json:"required"`
	}

	ParamType string

	// Info is the read-only catalog entry for a connector
	Info struct {
		Name    string       `json:"name"`
		Actions []ActionSpec `json:"actions"`
	}
)

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeNumber ParamType = "number"
	TypeBool   ParamType = "bool"
	TypeObject ParamType = "object"
	TypeArray  ParamType = "array"
	TypeAny    ParamType = "any"
)

// Required builds a required parameter spec
func Required(name string, typ ParamType) ParamSpec {
	return ParamSpec{Name: name, Type: typ, Required: true}
}

// Optional builds an optional parameter spec
func Optional(name string, typ ParamType) ParamSpec {
	return ParamSpec{Name: name, Type: typ}
}

// FindAction looks an action up by name or alias
func FindAction(c Connector, name string) (ActionSpec, bool) {
	for _, a := range c.Actions() {
		if a.Name == name {
			return a, true
		}
		for _, alias := range a.Aliases {
			if alias == name {
				return a, true
			}
		}
	}
	return ActionSpec{}, false
}

// Describe returns the catalog entry of c with actions sorted by name
func Describe(c Connector) Info {
	actions := append([]ActionSpec(nil), c.Actions()...)
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].Name < actions[j].Name
	})
	return Info{Name: c.Name(), Actions: actions}
}

// Matches reports whether v conforms to the primitive type t. Numbers
// decoded from documents arrive as int or float64 depending on the source.
func (t ParamType) Matches(v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInt:
		switch n := v.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

func (p ParamSpec) String() string {
	if p.Required {
		return fmt.Sprintf("%s:%s", p.Name, p.Type)
	}
	return fmt.Sprintf("%s?:%s", p.Name, p.Type)
}
