package flows

import (
	"context"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/spec"
)

// InsertStep publishes a new version with step placed relative to anchor
func (s *Store) InsertStep(
	ctx context.Context, flowID, anchor string, pos spec.Position,
	step models.Step, author string,
) (*models.FlowVersion, error) {
	return s.modify(ctx, flowID, author,
		func(steps []models.Step) ([]models.Step, error) {
			return spec.InsertStep(steps, anchor, pos, step)
		},
	)
}

// UpdateStep publishes a new version with one step replaced
func (s *Store) UpdateStep(
	ctx context.Context, flowID, stepID string, step models.Step, author string,
) (*models.FlowVersion, error) {
	return s.modify(ctx, flowID, author,
		func(steps []models.Step) ([]models.Step, error) {
			return spec.UpdateStep(steps, stepID, step)
		},
	)
}

// DeleteStep publishes a new version without the given step
func (s *Store) DeleteStep(
	ctx context.Context, flowID, stepID, author string,
) (*models.FlowVersion, error) {
	return s.modify(ctx, flowID, author,
		func(steps []models.Step) ([]models.Step, error) {
			return spec.DeleteStep(steps, stepID)
		},
	)
}

// modify derives a step list from the latest version and publishes it,
// holding the flow lock so concurrent edits cannot lose each other
func (s *Store) modify(
	ctx context.Context, flowID, author string,
	edit func([]models.Step) ([]models.Step, error),
) (*models.FlowVersion, error) {
	unlock := s.lock(flowID)
	defer unlock()

	if _, err := s.db.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}

	var current []models.Step
	latest, err := s.db.GetVersion(ctx, flowID, models.LatestVersion)
	switch {
	case err == nil:
		current = latest.Steps
	case errs.KindOf(err) != errs.KindNotFound:
		return nil, err
	}

	next, err := edit(current)
	if err != nil {
		return nil, err
	}
	return s.publishLocked(ctx, flowID, next, author)
}
