package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/dispatch"
	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/logging"
	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/workspace"
)

// halt says why a worker left its step loop early
type halt int

const (
	haltNone halt = iota
	haltCancelled
	haltStopping
)

// work executes a RUNNING run's steps in declared order until the run
// reaches a terminal status or the engine stops
func (o *Orchestrator) work(
	run *models.Run, v *models.FlowVersion,
	overrides map[string]map[string]any,
) {
	ctx := o.ctx
	logger := o.logger.With(logging.RunID(run.ID), logging.FlowID(run.FlowID))

	if ws := o.prepareWorkspace(run, logger); ws != nil {
		ctx = workspace.WithContext(ctx, ws)
	}

	for i := range v.Steps {
		step := &v.Steps[i]

		switch o.boundary(ctx, run.ID, logger) {
		case haltCancelled:
			o.finish(ctx, run, models.RunStatusCancelled, nil, logger)
			return
		case haltStopping:
			logger.Info("worker stopped with run in progress")
			return
		}

		rs, h, err := o.runStep(ctx, run, i+1, step, overrides[step.ID], logger)
		if err != nil {
			logger.Error("failed to record step", logging.StepID(step.ID), zap.Error(err))
			o.finish(ctx, run, models.RunStatusFailed, stepError(errs.Internal(err)), logger)
			return
		}
		run.Steps = append(run.Steps, rs)

		switch h {
		case haltCancelled:
			o.finish(ctx, run, models.RunStatusCancelled, nil, logger)
			return
		case haltStopping:
			logger.Info("worker stopped with run in progress")
			return
		}

		if rs.Status == models.StepStatusFailed {
			if step.ContinueOnError {
				run.PartialFailure = true
				logger.Warn("step failed, continuing",
					logging.StepID(step.ID),
					logging.Kind(rs.Error.Kind))
				continue
			}
			o.finish(ctx, run, models.RunStatusFailed, rs.Error, logger)
			return
		}
	}

	// a cancel that arrived during the last step still wins
	if o.boundary(ctx, run.ID, logger) == haltCancelled {
		o.finish(ctx, run, models.RunStatusCancelled, nil, logger)
		return
	}
	o.finish(ctx, run, models.RunStatusSucceeded, nil, logger)
}

// runStep drives one step through its attempts. A returned error means the
// step's state could not be persisted.
func (o *Orchestrator) runStep(
	ctx context.Context, run *models.Run, seq int, step *models.Step,
	overrides map[string]any, logger *zap.Logger,
) (*models.RunStep, halt, error) {
	policy := o.retryPolicy(step)
	timeout := o.stepTimeout(step)
	logger = logger.With(logging.StepID(step.ID))

	rs := &models.RunStep{
		RunID:     run.ID,
		Seq:       seq,
		StepID:    step.ID,
		Name:      step.Name,
		Connector: step.Connector,
		Action:    step.Action,
	}

	for attempt := 1; ; attempt++ {
		now := o.now()
		a := &models.Attempt{Number: attempt, Status: models.StepStatusScheduled}
		rs.History = append(rs.History, a)
		rs.Attempts = attempt
		rs.Status = models.StepStatusScheduled
		rs.Error = nil
		rs.FinishedAt = nil
		if rs.StartedAt == nil {
			rs.StartedAt = &now
		}
		if err := o.store.SaveStep(ctx, rs); err != nil {
			return rs, haltNone, err
		}
		logger.Debug("step scheduled", logging.Attempt(attempt))

		res, err := o.dispatchAttempt(ctx, run, step, rs, a, overrides, timeout)
		if err != nil {
			return rs, haltNone, err
		}

		finished := o.now()
		a.FinishedAt = &finished
		if res.Success {
			a.Status = models.StepStatusSucceeded
			a.Output = res.Output
			rs.Status = models.StepStatusSucceeded
			rs.Output = res.Output
			rs.FinishedAt = &finished
			if err := o.store.SaveStep(ctx, rs); err != nil {
				return rs, haltNone, err
			}
			logger.Debug("step succeeded",
				logging.Attempt(attempt),
				zap.Duration("duration", res.Duration))
			return rs, haltNone, nil
		}

		a.Status = models.StepStatusFailed
		a.Error = stepError(res.Err)
		rs.Status = models.StepStatusFailed
		rs.Error = a.Error
		rs.FinishedAt = &finished
		if err := o.store.SaveStep(ctx, rs); err != nil {
			return rs, haltNone, err
		}
		logger.Warn("step attempt failed",
			logging.Attempt(attempt),
			logging.Kind(res.Err.Kind),
			zap.String("code", res.Err.Code),
			zap.String("error", res.Err.Message))

		if attempt >= policy.MaxAttempts || !errs.IsRetryable(res.Err) {
			return rs, haltNone, nil
		}

		delay := backoff(policy, attempt)
		logger.Debug("retrying step", zap.Duration("backoff", delay))
		if !o.sleep(ctx, delay) {
			return rs, haltStopping, nil
		}
		if h := o.boundary(ctx, run.ID, logger); h != haltNone {
			return rs, h, nil
		}
	}
}

// dispatchAttempt resolves parameters and, when they resolve, dispatches
// the attempt. Unresolvable references fail the attempt without invoking
// any connector.
func (o *Orchestrator) dispatchAttempt(
	ctx context.Context, run *models.Run, step *models.Step,
	rs *models.RunStep, a *models.Attempt, overrides map[string]any,
	timeout time.Duration,
) (dispatch.StepResult, error) {
	params, err := dispatch.ResolveParams(step, run, overrides)
	if err != nil {
		return dispatch.StepResult{Err: errs.As(err)}, nil
	}

	started := o.now()
	a.Status = models.StepStatusDispatched
	a.StartedAt = &started
	rs.Status = models.StepStatusDispatched
	if err := o.store.SaveStep(ctx, rs); err != nil {
		return dispatch.StepResult{}, err
	}

	call := connector.Call{
		RunID:   run.ID,
		FlowID:  run.FlowID,
		StepID:  step.ID,
		Attempt: a.Number,
	}
	return o.dispatcher.Dispatch(ctx, call, step, params, timeout), nil
}

// boundary checks for cancellation and engine shutdown between steps
func (o *Orchestrator) boundary(ctx context.Context, runID string, logger *zap.Logger) halt {
	select {
	case <-o.stopping:
		return haltStopping
	default:
	}
	cancelled, err := o.store.CancelRequested(ctx, runID)
	if err != nil {
		logger.Error("failed to check cancellation", zap.Error(err))
		return haltNone
	}
	if cancelled {
		return haltCancelled
	}
	return haltNone
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-o.stopping:
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) finish(
	ctx context.Context, run *models.Run, status models.RunStatus,
	cause *models.StepError, logger *zap.Logger,
) {
	now := o.now()
	run.Status = status
	run.Error = cause
	run.FinishedAt = &now
	if err := o.store.FinishRun(ctx, run); err != nil {
		logger.Error("failed to finish run",
			logging.Status(status), zap.Error(err))
		return
	}

	fields := []zap.Field{
		logging.Status(status),
		zap.String("outcome", run.Outcome()),
		zap.Int("steps", len(run.Steps)),
	}
	if cause != nil {
		fields = append(fields, logging.Kind(cause.Kind), zap.String("error", cause.Message))
	}
	logger.Info("run finished", fields...)
}

func (o *Orchestrator) prepareWorkspace(run *models.Run, logger *zap.Logger) *workspace.Workspace {
	if o.opts.WorkspaceDir == "" {
		return nil
	}
	ws, err := workspace.Create(o.opts.WorkspaceDir, run.ID)
	if err != nil {
		logger.Warn("failed to create run workspace", zap.Error(err))
		return nil
	}
	meta := &workspace.RunMetadata{
		RunID:   run.ID,
		FlowID:  run.FlowID,
		Version: run.Version,
		Inputs:  run.Inputs,
	}
	if err := ws.WriteRunMetadata(meta); err != nil {
		logger.Warn("failed to write run metadata", zap.Error(err))
	}
	return ws
}

func stepError(e *errs.Error) *models.StepError {
	if e == nil {
		return nil
	}
	msg := e.Message
	if len(e.Details) > 0 {
		msg = e.Error()
	}
	return &models.StepError{Kind: string(e.Kind), Code: e.Code, Message: msg}
}
