package models

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Outcome labels reported for a finished run
const (
	OutcomeSucceeded           = "succeeded"
	OutcomeCompletedWithErrors = "completed_with_errors"
)

type Run struct {
	ID              string         `json:"id"`
	FlowID          string         `json:"flow_id"`
	Version         int            `json:"version"`
	Status          RunStatus      `json:"status"`
	PartialFailure  bool           `json:"partial_failure"`
	CancelRequested bool           `json:"cancel_requested"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Error           *StepError     `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	Steps           []*RunStep     `json:"steps,omitempty"`
}

// Outcome distinguishes a clean success from one where steps marked
// continue_on_error failed. For other statuses it is the status itself.
func (r *Run) Outcome() string {
	if r.Status == RunStatusSucceeded && r.PartialFailure {
		return OutcomeCompletedWithErrors
	}
	return string(r.Status)
}

// StepOutput returns the output of the last successful RunStep with the
// given step id
func (r *Run) StepOutput(stepID string) (map[string]any, bool) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		rs := r.Steps[i]
		if rs.StepID == stepID && rs.Status == StepStatusSucceeded {
			return rs.Output, true
		}
	}
	return nil, false
}
