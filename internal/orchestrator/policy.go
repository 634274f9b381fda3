package orchestrator

import (
	"time"

	"github.com/mpataki/relay/internal/models"
)

type retryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// retryPolicy returns the step's own policy, or the engine default. A step
// policy with a zero backoff base retries without waiting.
func (o *Orchestrator) retryPolicy(step *models.Step) retryPolicy {
	if step.Retry == nil {
		return retryPolicy{
			MaxAttempts: o.opts.MaxAttempts,
			Base:        o.opts.BackoffBase,
			Cap:         o.opts.BackoffCap,
		}
	}
	p := retryPolicy{
		MaxAttempts: max(step.Retry.MaxAttempts, 1),
		Base:        time.Duration(step.Retry.BackoffBaseMs) * time.Millisecond,
		Cap:         time.Duration(step.Retry.BackoffCapMs) * time.Millisecond,
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return p
}

// stepTimeout bounds a dispatch by the step's timeout_ms, capped at the
// engine's maximum
func (o *Orchestrator) stepTimeout(step *models.Step) time.Duration {
	if step.TimeoutMs <= 0 {
		return o.opts.StepTimeout
	}
	return min(time.Duration(step.TimeoutMs)*time.Millisecond, o.opts.MaxStepTimeout)
}

// backoff is base * 2^(attempt-1), capped
func backoff(p retryPolicy, attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap || d <= 0 {
			return p.Cap
		}
	}
	return min(d, p.Cap)
}
