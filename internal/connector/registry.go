package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/logging"
)

// Registry holds the available connectors. Reads go through an immutable
// snapshot and never block; Register and Reload are serialized and swap in
// a new snapshot.
type Registry struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	logger *zap.Logger
}

type snapshot map[string]Connector

func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	r.snap.Store(&snapshot{})
	return r
}

// Register adds a connector, failing with a conflict on duplicate names
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	if _, ok := cur[c.Name()]; ok {
		return errs.Conflict(errs.CodeDuplicate,
			fmt.Sprintf("connector %q already registered", c.Name()))
	}

	next := make(snapshot, len(cur)+1)
	for name, existing := range cur {
		next[name] = existing
	}
	next[c.Name()] = c
	r.snap.Store(&next)

	r.logger.Info("connector registered",
		logging.Connector(c.Name()),
		zap.Int("actions", len(c.Actions())))
	return nil
}

// Reload replaces the whole connector set. Connectors dropped from the set
// are closed once the new snapshot is visible.
func (r *Registry) Reload(cs ...Connector) error {
	next := make(snapshot, len(cs))
	for _, c := range cs {
		if _, ok := next[c.Name()]; ok {
			return errs.Conflict(errs.CodeDuplicate,
				fmt.Sprintf("connector %q listed twice", c.Name()))
		}
		next[c.Name()] = c
	}

	r.mu.Lock()
	prev := *r.snap.Swap(&next)
	r.mu.Unlock()

	for name, old := range prev {
		if cur, ok := next[name]; ok && cur == old {
			continue
		}
		closeConnector(old, r.logger)
	}
	r.logger.Info("connector registry reloaded", zap.Int("count", len(next)))
	return nil
}

// Resolve returns the named connector
func (r *Registry) Resolve(name string) (Connector, error) {
	c, ok := (*r.snap.Load())[name]
	if !ok {
		return nil, errs.NotFound(errs.CodeConnectorNotFound,
			fmt.Sprintf("connector %q not found", name))
	}
	return c, nil
}

// List describes every registered connector, sorted by name
func (r *Registry) List() []Info {
	cur := *r.snap.Load()
	res := make([]Info, 0, len(cur))
	for _, c := range cur {
		res = append(res, Describe(c))
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Name < res[j].Name
	})
	return res
}

// Get describes a single connector
func (r *Registry) Get(name string) (Info, error) {
	c, err := r.Resolve(name)
	if err != nil {
		return Info{}, err
	}
	return Describe(c), nil
}

// Test probes a connector's health. Connectors without a Ping method are
// considered healthy once registered.
func (r *Registry) Test(ctx context.Context, name string) error {
	c, err := r.Resolve(name)
	if err != nil {
		return err
	}
	p, ok := c.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return Classify(err)
	}
	return nil
}

// ValidateBinding checks that the action exists on the connector and that
// every required parameter is among paramNames
func (r *Registry) ValidateBinding(
	name, action string, paramNames []string,
) error {
	c, ok := (*r.snap.Load())[name]
	if !ok {
		return errs.Validation(errs.CodeConnectorNotFound,
			fmt.Sprintf("unknown connector %q", name))
	}
	spec, ok := FindAction(c, action)
	if !ok {
		return errs.Validation(errs.CodeActionNotFound,
			fmt.Sprintf("connector %q has no action %q", name, action))
	}

	bound := make(map[string]bool, len(paramNames))
	for _, p := range paramNames {
		bound[p] = true
	}
	var missing []string
	for _, p := range spec.Params {
		if p.Required && !bound[p.Name] {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return errs.Validation(errs.CodeMissingParams,
			fmt.Sprintf("%s.%s is missing required parameters", name, action),
			missing...)
	}
	return nil
}

// CheckTypes validates resolved parameter values against the action schema
func CheckTypes(spec ActionSpec, params map[string]any) error {
	var bad []string
	for _, p := range spec.Params {
		v, ok := params[p.Name]
		if !ok || v == nil {
			continue
		}
		if !p.Type.Matches(v) {
			bad = append(bad, fmt.Sprintf("%s: expected %s, got %T",
				p.Name, p.Type, v))
		}
	}
	if len(bad) > 0 {
		return errs.Validation(errs.CodeInvalidParam,
			fmt.Sprintf("action %q has mistyped parameters", spec.Name),
			bad...)
	}
	return nil
}

// Close releases every connector holding resources
func (r *Registry) Close() {
	r.mu.Lock()
	prev := *r.snap.Swap(&snapshot{})
	r.mu.Unlock()
	for _, c := range prev {
		closeConnector(c, r.logger)
	}
}

func closeConnector(c Connector, logger *zap.Logger) {
	cl, ok := c.(Closer)
	if !ok {
		return
	}
	if err := cl.Close(); err != nil {
		logger.Warn("failed to close connector",
			logging.Connector(c.Name()), zap.Error(err))
	}
}
