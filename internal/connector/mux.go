package connector

import (
	"context"
	"fmt"

	"github.com/mpataki/relay/internal/errs"
)

// Handler implements a single action
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Mux is a Connector that routes actions, or their aliases, to handlers
type Mux struct {
	name     string
	specs    []ActionSpec
	handlers map[string]Handler
}

var _ Connector = (*Mux)(nil)

func NewMux(name string) *Mux {
	return &Mux{
		name:     name,
		handlers: map[string]Handler{},
	}
}

// Handle registers h for spec. Registering the same action twice panics,
// since that is a programming error in the connector definition.
func (m *Mux) Handle(spec ActionSpec, h Handler) *Mux {
	if _, ok := m.handlers[spec.Name]; ok {
		panic(fmt.Sprintf("connector %s: duplicate action %s", m.name, spec.Name))
	}
	m.specs = append(m.specs, spec)
	m.handlers[spec.Name] = h
	return m
}

func (m *Mux) Name() string {
	return m.name
}

func (m *Mux) Actions() []ActionSpec {
	return m.specs
}

func (m *Mux) Invoke(
	ctx context.Context, action string, params map[string]any,
) (map[string]any, error) {
	spec, ok := FindAction(m, action)
	if !ok {
		return nil, errs.Validation(errs.CodeActionNotFound,
			fmt.Sprintf("connector %q has no action %q", m.name, action))
	}
	return m.handlers[spec.Name](ctx, params)
}
