package spec

import (
	"fmt"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/models"
)

// Validate checks a whole document: it must be named and its steps must
// compile
func Validate(doc *Document) error {
	if doc.Name == "" {
		return errs.Validation(errs.CodeInvalidDocument, "flow must have a name")
	}
	_, err := Compile(doc.Steps)
	return err
}

// Compile converts raw steps into the typed form and checks their structure
func Compile(raw []RawStep) ([]models.Step, error) {
	steps := make([]models.Step, len(raw))
	for i, r := range raw {
		steps[i] = toStep(r)
	}
	if err := CheckSteps(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func toStep(r RawStep) models.Step {
	s := models.Step{
		ID:              r.ID,
		Name:            r.Name,
		Connector:       r.Connector,
		Action:          r.Action,
		ContinueOnError: r.ContinueOnError,
		TimeoutMs:       r.TimeoutMs,
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	if len(r.Params) > 0 {
		s.Params = make(map[string]models.Binding, len(r.Params))
		for name, v := range r.Params {
			s.Params[name] = models.BindingFrom(v)
		}
	}
	if r.Retry != nil {
		s.Retry = &models.RetryPolicy{
			MaxAttempts:   r.Retry.MaxAttempts,
			BackoffBaseMs: r.Retry.BackoffBaseMs,
			BackoffCapMs:  r.Retry.BackoffCapMs,
		}
	}
	return s
}

// CheckSteps performs the structural checks that need no connector
// knowledge. Every problem found is listed in the error details.
func CheckSteps(steps []models.Step) error {
	var problems []string
	add := func(i int, s *models.Step, format string, args ...any) {
		problems = append(problems, fmt.Sprintf("step %d (%s): %s",
			i+1, s.ID, fmt.Sprintf(format, args...)))
	}

	if len(steps) == 0 {
		return errs.Validation(errs.CodeInvalidSteps,
			"flow version must have at least one step")
	}

	seen := make(map[string]bool, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			add(i, s, "id is required")
		} else if seen[s.ID] {
			add(i, s, "duplicate step id")
		}
		if s.Connector == "" {
			add(i, s, "connector is required")
		}
		if s.Action == "" {
			add(i, s, "action is required")
		}
		if s.TimeoutMs < 0 {
			add(i, s, "timeout_ms must not be negative")
		}
		if r := s.Retry; r != nil {
			if r.MaxAttempts < 1 {
				add(i, s, "retry.max_attempts must be >= 1")
			}
			if r.BackoffBaseMs < 0 || r.BackoffCapMs < 0 {
				add(i, s, "retry backoff must not be negative")
			}
			if r.BackoffCapMs > 0 && r.BackoffCapMs < r.BackoffBaseMs {
				add(i, s, "retry.backoff_cap_ms must be >= backoff_base_ms")
			}
		}
		for _, name := range s.ParamNames() {
			b := s.Params[name]
			if name == "" {
				add(i, s, "parameter name must not be empty")
			}
			if !b.IsReference() {
				continue
			}
			switch {
			case b.FromStep == s.ID:
				add(i, s, "parameter %q references its own step", name)
			case !seen[b.FromStep]:
				add(i, s, "parameter %q references %q, which is not an earlier step",
					name, b.FromStep)
			}
		}
		if s.ID != "" {
			seen[s.ID] = true
		}
	}

	if len(problems) > 0 {
		return errs.Validation(errs.CodeInvalidSteps,
			"flow steps are invalid", problems...)
	}
	return nil
}
