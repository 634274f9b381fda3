// Package flows is the append-only store of flow definitions. Every change
// to a flow's steps publishes a new immutable version.
package flows

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/logging"
	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/spec"
	"github.com/mpataki/relay/internal/storage"
)

// DefaultAuthor is recorded on versions published without an author
const DefaultAuthor = "system"

// BindingValidator checks a step's connector, action and parameter names
type BindingValidator interface {
	ValidateBinding(connector, action string, paramNames []string) error
}

type Store struct {
	db        *storage.Storage
	validator BindingValidator
	logger    *zap.Logger
	locks     sync.Map // flow id -> *sync.Mutex
	now       func() time.Time
}

func NewStore(
	db *storage.Storage, validator BindingValidator, logger *zap.Logger,
) *Store {
	return &Store{
		db:        db,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateFlow registers a flow with an empty version history
func (s *Store) CreateFlow(ctx context.Context, name, description string) (*models.Flow, error) {
	if name == "" {
		return nil, errs.Validation(errs.CodeInvalidDocument,
			"flow name is required")
	}

	now := s.now()
	flow := &models.Flow{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.CreateFlow(ctx, flow); err != nil {
		return nil, err
	}

	s.logger.Info("flow created",
		logging.FlowID(flow.ID), zap.String("name", name))
	return flow, nil
}

// CreateFromDocument creates a flow and publishes the document's steps as
// version 1. Nothing is stored unless the whole document is valid.
func (s *Store) CreateFromDocument(
	ctx context.Context, doc *spec.Document,
) (*models.Flow, *models.FlowVersion, error) {
	if err := spec.Validate(doc); err != nil {
		return nil, nil, err
	}
	steps, err := spec.Compile(doc.Steps)
	if err != nil {
		return nil, nil, err
	}
	if err := s.validateBindings(steps); err != nil {
		return nil, nil, err
	}

	flow, err := s.CreateFlow(ctx, doc.Name, doc.Description)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.Publish(ctx, flow.ID, steps, doc.Author)
	if err != nil {
		return nil, nil, err
	}
	flow.LatestVersion = v.Version
	return flow, v, nil
}

// Publish validates steps and appends them as the flow's next version
func (s *Store) Publish(
	ctx context.Context, flowID string, steps []models.Step, author string,
) (*models.FlowVersion, error) {
	unlock := s.lock(flowID)
	defer unlock()
	return s.publishLocked(ctx, flowID, steps, author)
}

// PublishDocument compiles raw document steps and publishes them
func (s *Store) PublishDocument(
	ctx context.Context, flowID string, doc *spec.Document,
) (*models.FlowVersion, error) {
	steps, err := spec.Compile(doc.Steps)
	if err != nil {
		return nil, err
	}
	return s.Publish(ctx, flowID, steps, doc.Author)
}

func (s *Store) publishLocked(
	ctx context.Context, flowID string, steps []models.Step, author string,
) (*models.FlowVersion, error) {
	flow, err := s.db.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if flow.Retired {
		return nil, errs.Validation(errs.CodeFlowRetired,
			fmt.Sprintf("flow %s is retired", flowID))
	}
	if err := spec.CheckSteps(steps); err != nil {
		return nil, err
	}
	if err := s.validateBindings(steps); err != nil {
		return nil, err
	}
	if author == "" {
		author = DefaultAuthor
	}

	v, err := s.db.AppendVersion(ctx, flowID, steps, author, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("flow version published",
		logging.FlowID(flowID), logging.Version(v.Version),
		zap.Int("steps", len(steps)), zap.String("author", author))
	return v, nil
}

func (s *Store) validateBindings(steps []models.Step) error {
	var problems []string
	for i := range steps {
		st := &steps[i]
		err := s.validator.ValidateBinding(st.Connector, st.Action, st.ParamNames())
		if err == nil {
			continue
		}
		problems = append(problems,
			fmt.Sprintf("step %d (%s): %s", i+1, st.ID, errs.As(err).Error()))
	}
	if len(problems) > 0 {
		return errs.Validation(errs.CodeInvalidSteps,
			"flow steps reference unavailable connector actions", problems...)
	}
	return nil
}

// GetVersion loads a version; models.LatestVersion selects the newest
func (s *Store) GetVersion(
	ctx context.Context, flowID string, version int,
) (*models.FlowVersion, error) {
	if version < 0 {
		return nil, errs.Validation(errs.CodeInvalidDocument,
			fmt.Sprintf("invalid version %d", version))
	}
	if _, err := s.db.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}
	return s.db.GetVersion(ctx, flowID, version)
}

func (s *Store) ListVersions(ctx context.Context, flowID string) ([]*models.FlowVersion, error) {
	if _, err := s.db.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}
	return s.db.ListVersions(ctx, flowID)
}

func (s *Store) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	return s.db.GetFlow(ctx, flowID)
}

func (s *Store) GetFlowByName(ctx context.Context, name string) (*models.Flow, error) {
	return s.db.GetFlowByName(ctx, name)
}

func (s *Store) ListFlows(ctx context.Context, includeRetired bool) ([]*models.Flow, error) {
	return s.db.ListFlows(ctx, includeRetired)
}

// RetireFlow soft-deletes a flow: it can no longer be executed or modified
func (s *Store) RetireFlow(ctx context.Context, flowID string) error {
	unlock := s.lock(flowID)
	defer unlock()

	if err := s.db.RetireFlow(ctx, flowID, s.now()); err != nil {
		return err
	}
	s.logger.Info("flow retired", logging.FlowID(flowID))
	return nil
}

// Resolve looks a flow up by id, falling back to its name
func (s *Store) Resolve(ctx context.Context, ref string) (*models.Flow, error) {
	flow, err := s.db.GetFlow(ctx, ref)
	if err == nil {
		return flow, nil
	}
	if errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}
	return s.db.GetFlowByName(ctx, ref)
}

func (s *Store) lock(flowID string) func() {
	m, _ := s.locks.LoadOrStore(flowID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
