// Package orchestrator is the execution engine: it creates runs, owns one
// worker goroutine per active run, and drives each run's steps through the
// dispatcher while persisting every transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/dispatch"
	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/logging"
	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/storage"
	"github.com/mpataki/relay/internal/workspace"
)

// FlowSource resolves the flow versions runs execute
type FlowSource interface {
	GetFlow(ctx context.Context, flowID string) (*models.Flow, error)
	GetVersion(ctx context.Context, flowID string, version int) (*models.FlowVersion, error)
}

// Options tune step execution. Zero durations and attempts fall back to
// the package defaults.
type Options struct {
	WorkspaceDir   string
	StepTimeout    time.Duration
	MaxStepTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

const (
	DefaultStepTimeout    = 30 * time.Second
	DefaultMaxStepTimeout = 10 * time.Minute
	DefaultBackoffBase    = 500 * time.Millisecond
	DefaultBackoffCap     = 30 * time.Second
)

var ErrStopped = errors.New("engine is stopped")

type Orchestrator struct {
	store      *storage.Storage
	flows      FlowSource
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	workers  map[string]chan struct{}
	wg       sync.WaitGroup
	stopping chan struct{}
	stopped  bool

	// cancels in-flight dispatches when a graceful stop runs out of time
	ctx    context.Context
	cancel context.CancelFunc
}

func New(
	store *storage.Storage, flows FlowSource, dispatcher *dispatch.Dispatcher,
	opts Options, logger *zap.Logger,
) *Orchestrator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.MaxStepTimeout <= 0 {
		opts.MaxStepTimeout = DefaultMaxStepTimeout
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = max(DefaultBackoffCap, opts.BackoffBase)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      store,
		flows:      flows,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		workers:    map[string]chan struct{}{},
		stopping:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Execute creates a run of the given flow version and starts it. Version
// models.LatestVersion selects the newest version.
func (o *Orchestrator) Execute(
	ctx context.Context, flowID string, version int, inputs map[string]any,
) (*models.Run, error) {
	if o.isStopped() {
		return nil, ErrStopped
	}
	run, err := o.CreateRun(ctx, flowID, version, inputs)
	if err != nil {
		return nil, err
	}
	if err := o.StartRun(ctx, run.ID); err != nil {
		o.abandon(ctx, run.ID, err)
		return nil, err
	}
	return o.store.GetRun(ctx, run.ID)
}

// abandon cancels a run that Execute created but could not start
func (o *Orchestrator) abandon(ctx context.Context, runID string, cause error) {
	logger := o.logger.With(logging.RunID(runID))
	status, err := o.store.RequestCancel(context.WithoutCancel(ctx), runID, o.now())
	if err != nil {
		logger.Warn("failed to cancel unstarted run", zap.Error(err))
		return
	}
	logger.Info("cancelled unstarted run",
		logging.Status(status), zap.NamedError("cause", cause))
}

// CreateRun validates the request and records a PENDING run without
// starting it
func (o *Orchestrator) CreateRun(
	ctx context.Context, flowID string, version int, inputs map[string]any,
) (*models.Run, error) {
	flow, err := o.flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if flow.Retired {
		return nil, errs.Validation(errs.CodeFlowRetired,
			fmt.Sprintf("flow %q is retired", flow.Name))
	}
	v, err := o.flows.GetVersion(ctx, flowID, version)
	if err != nil {
		return nil, err
	}
	if _, err := dispatch.SplitInputs(v, inputs); err != nil {
		return nil, err
	}

	run := &models.Run{
		ID:        uuid.NewString(),
		FlowID:    flowID,
		Version:   v.Version,
		Status:    models.RunStatusPending,
		Inputs:    inputs,
		CreatedAt: o.now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	o.logger.Info("run created",
		logging.RunID(run.ID),
		logging.FlowID(flowID),
		logging.Version(v.Version))
	return run, nil
}

// StartRun moves a PENDING run to RUNNING and hands it to a new worker.
// Starting a run that is already running fails with run_already_active.
func (o *Orchestrator) StartRun(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	v, err := o.flows.GetVersion(ctx, run.FlowID, run.Version)
	if err != nil {
		return err
	}
	overrides, err := dispatch.SplitInputs(v, run.Inputs)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}

	// the conditional update is what serializes competing starts
	if err := o.store.StartRun(ctx, runID, o.now()); err != nil {
		return err
	}
	run.Status = models.RunStatusRunning

	done := make(chan struct{})
	o.workers[runID] = done
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(runID, done)
		o.work(run, v, overrides)
	}()

	o.logger.Info("run started",
		logging.RunID(runID),
		logging.FlowID(run.FlowID),
		logging.Version(run.Version))
	return nil
}

func (o *Orchestrator) release(runID string, done chan struct{}) {
	o.mu.Lock()
	delete(o.workers, runID)
	o.mu.Unlock()
	close(done)
}

// Wait blocks until the run's worker exits, then returns the run. Runs
// without a live worker are returned immediately.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*models.Run, error) {
	o.mu.Lock()
	done, ok := o.workers[runID]
	o.mu.Unlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.store.GetRun(ctx, runID)
}

// Cancel requests cancellation. A pending run is cancelled at once; a
// running run stops at its next step boundary.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (models.RunStatus, error) {
	status, err := o.store.RequestCancel(ctx, runID, o.now())
	if err != nil {
		return status, err
	}
	o.logger.Info("run cancellation requested",
		logging.RunID(runID), logging.Status(status))
	return status, nil
}

func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return o.store.GetRun(ctx, runID)
}

func (o *Orchestrator) ListRuns(ctx context.Context, f storage.RunFilter) ([]*models.Run, error) {
	return o.store.ListRuns(ctx, f)
}

// DeleteRun removes a finished run and its workspace
func (o *Orchestrator) DeleteRun(ctx context.Context, runID string) error {
	if err := o.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	if o.opts.WorkspaceDir != "" {
		if err := workspace.Remove(o.opts.WorkspaceDir, runID); err != nil {
			o.logger.Warn("failed to remove run workspace",
				logging.RunID(runID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// IsLive reports whether this process has a worker for the run
func (o *Orchestrator) IsLive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.workers[runID]
	return ok
}

// Reconcile fails every RUNNING run that has no live worker in this
// process, marking its unfinished steps and the run itself as interrupted.
// It returns the ids of the runs it interrupted.
func (o *Orchestrator) Reconcile(ctx context.Context) ([]string, error) {
	runs, err := o.store.ListRuns(ctx, storage.RunFilter{
		Status: models.RunStatusRunning,
	})
	if err != nil {
		return nil, err
	}

	var interrupted []string
	for _, r := range runs {
		if o.IsLive(r.ID) {
			continue
		}
		if err := o.interrupt(ctx, r.ID); err != nil {
			if errs.KindOf(err) == errs.KindConflict {
				continue
			}
			return interrupted, err
		}
		interrupted = append(interrupted, r.ID)
	}

	if len(interrupted) > 0 {
		o.logger.Warn("reconciled orphaned runs",
			zap.Strings("run_ids", interrupted))
	}
	return interrupted, nil
}

func (o *Orchestrator) interrupt(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	now := o.now()
	cause := &models.StepError{
		Kind:    string(errs.KindInterrupted),
		Code:    errs.CodeNoWorker,
		Message: "run had no live worker after restart",
	}

	for _, rs := range run.Steps {
		if rs.Status.IsTerminal() {
			continue
		}
		rs.Status = models.StepStatusFailed
		rs.Error = cause
		rs.FinishedAt = &now
		if n := len(rs.History); n > 0 {
			last := rs.History[n-1]
			last.Status = models.StepStatusFailed
			last.Error = cause
			last.FinishedAt = &now
		}
		if err := o.store.SaveStep(ctx, rs); err != nil {
			return err
		}
	}
	return o.store.InterruptRun(ctx, runID, cause, now)
}

// Stop prevents new runs and asks workers to halt at their next step
// boundary. Runs left RUNNING are picked up by Reconcile on the next
// start. If ctx ends first, in-flight dispatches are cancelled.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopping)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}
