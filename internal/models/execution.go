package models

import "time"

type StepStatus string

const (
	StepStatusScheduled  StepStatus = "scheduled"
	StepStatusDispatched StepStatus = "dispatched"
	StepStatusSucceeded  StepStatus = "succeeded"
	StepStatusFailed     StepStatus = "failed"
)

func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed
}

// StepError is the persisted form of a step or run failure
type StepError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RunStep records the execution of one Step within a Run. Attempts counts
// dispatches; History holds one entry per attempt.
type RunStep struct {
	RunID      string         `json:"run_id"`
	Seq        int            `json:"seq"`
	StepID     string         `json:"step_id"`
	Name       string         `json:"name"`
	Connector  string         `json:"connector"`
	Action     string         `json:"action"`
	Status     StepStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *StepError     `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	History    []*Attempt     `json:"history,omitempty"`
}

type Attempt struct {
	Number     int            `json:"number"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *StepError     `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
