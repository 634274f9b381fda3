package spec

import (
	"fmt"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/models"
)

// Position says where InsertStep places the new step relative to its anchor
type Position string

const (
	Before Position = "before"
	After  Position = "after"
)

// InsertStep returns a copy of steps with step placed before or after the
// anchor. An empty anchor appends at the end for After and prepends for
// Before.
func InsertStep(
	steps []models.Step, anchor string, pos Position, step models.Step,
) ([]models.Step, error) {
	if pos != Before && pos != After {
		return nil, errs.Validation(errs.CodeInvalidSteps,
			fmt.Sprintf("invalid position %q", pos))
	}

	idx := len(steps)
	if pos == Before {
		idx = 0
	}
	if anchor != "" {
		i, err := indexOf(steps, anchor)
		if err != nil {
			return nil, err
		}
		idx = i
		if pos == After {
			idx++
		}
	}

	res := make([]models.Step, 0, len(steps)+1)
	res = append(res, steps[:idx]...)
	res = append(res, step)
	res = append(res, steps[idx:]...)
	return res, nil
}

// UpdateStep returns a copy of steps with the step identified by id replaced
func UpdateStep(
	steps []models.Step, id string, step models.Step,
) ([]models.Step, error) {
	i, err := indexOf(steps, id)
	if err != nil {
		return nil, err
	}
	res := append([]models.Step(nil), steps...)
	res[i] = step
	return res, nil
}

// DeleteStep returns a copy of steps without the step identified by id
func DeleteStep(steps []models.Step, id string) ([]models.Step, error) {
	i, err := indexOf(steps, id)
	if err != nil {
		return nil, err
	}
	res := make([]models.Step, 0, len(steps)-1)
	res = append(res, steps[:i]...)
	return append(res, steps[i+1:]...), nil
}

func indexOf(steps []models.Step, id string) (int, error) {
	for i := range steps {
		if steps[i].ID == id {
			return i, nil
		}
	}
	return -1, errs.NotFound("step", fmt.Sprintf("step %q not found", id))
}
