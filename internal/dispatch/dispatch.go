// Package dispatch invokes a single step's connector action under a
// deadline and reports the outcome as a StepResult.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/logging"
	"github.com/mpataki/relay/internal/models"
)

// Resolver looks connectors up by name
type Resolver interface {
	Resolve(name string) (connector.Connector, error)
}

// StepResult is the outcome of one dispatch. Exactly one of Output and Err
// is meaningful, selected by Success.
type StepResult struct {
	Success  bool
	Output   map[string]any
	Err      *errs.Error
	Duration time.Duration
}

type Dispatcher struct {
	connectors Resolver
	logger     *zap.Logger
}

const CodeCancelled = "cancelled"

func New(connectors Resolver, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{connectors: connectors, logger: logger}
}

// Dispatch invokes step's action with params, bounded by timeout. It never
// panics and never returns an error: every outcome is in the StepResult.
func (d *Dispatcher) Dispatch(
	ctx context.Context, call connector.Call, step *models.Step,
	params map[string]any, timeout time.Duration,
) (res StepResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failed(errs.Internal(fmt.Errorf("dispatch panicked: %v", r)))
		}
		res.Duration = time.Since(start)
	}()

	c, err := d.connectors.Resolve(step.Connector)
	if err != nil {
		return failed(errs.Connector(errs.CodeConnectorNotFound,
			fmt.Sprintf("connector %q is not registered", step.Connector)))
	}
	spec, ok := connector.FindAction(c, step.Action)
	if !ok {
		return failed(errs.Validation(errs.CodeActionNotFound,
			fmt.Sprintf("connector %q has no action %q", step.Connector, step.Action)))
	}
	if err := checkParams(spec, params); err != nil {
		return failed(errs.As(err))
	}

	d.logger.Debug("dispatching step",
		logging.RunID(call.RunID),
		logging.StepID(step.ID),
		logging.Attempt(call.Attempt),
		logging.Connector(step.Connector),
		zap.String("action", step.Action),
		zap.Duration("timeout", timeout))

	output, err := invoke(ctx, c, call, step.Action, params, timeout)
	if err != nil {
		return failed(classify(ctx, err, timeout))
	}
	if output == nil {
		output = map[string]any{}
	}
	return StepResult{Success: true, Output: output}
}

type invokeResult struct {
	output map[string]any
	err    error
}

// invoke runs the connector in its own goroutine so a call that ignores
// its context still cannot hold the worker past the deadline
func invoke(
	ctx context.Context, c connector.Connector, call connector.Call,
	action string, params map[string]any, timeout time.Duration,
) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = connector.WithCall(ctx, call)

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("connector panicked: %v", r)}
			}
		}()
		out, err := c.Invoke(ctx, action, params)
		done <- invokeResult{output: out, err: err}
	}()

	select {
	case r := <-done:
		return r.output, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func classify(parent context.Context, err error, timeout time.Duration) *errs.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Timeout(fmt.Sprintf("step exceeded its %s deadline", timeout))
	case errors.Is(err, context.Canceled) && parent.Err() != nil:
		return &errs.Error{
			Kind:    errs.KindInterrupted,
			Code:    CodeCancelled,
			Message: "dispatch cancelled",
		}
	default:
		return connector.Classify(err)
	}
}

func checkParams(spec connector.ActionSpec, params map[string]any) error {
	var missing []string
	for _, p := range spec.Params {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; !ok || v == nil {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return errs.Validation(errs.CodeMissingParams,
			fmt.Sprintf("action %q is missing required parameters", spec.Name),
			missing...)
	}
	return connector.CheckTypes(spec, params)
}

func failed(e *errs.Error) StepResult {
	return StepResult{Err: e}
}
