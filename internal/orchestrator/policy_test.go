package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mpataki/relay/internal/models"
)

func TestBackoff(t *testing.T) {
	p := retryPolicy{MaxAttempts: 10, Base: 100 * time.Millisecond, Cap: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, backoff(p, i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, backoff(p, 80))
}

func TestRetryPolicyAndTimeout(t *testing.T) {
	o := New(nil, nil, nil, Options{
		StepTimeout:    time.Second,
		MaxStepTimeout: 5 * time.Second,
		MaxAttempts:    2,
		BackoffBase:    time.Millisecond,
		BackoffCap:     10 * time.Millisecond,
	}, nil)

	def := o.retryPolicy(&models.Step{})
	assert.Equal(t, retryPolicy{MaxAttempts: 2, Base: time.Millisecond, Cap: 10 * time.Millisecond}, def)

	own := o.retryPolicy(&models.Step{Retry: &models.RetryPolicy{
		MaxAttempts: 4, BackoffBaseMs: 50, BackoffCapMs: 20,
	}})
	assert.Equal(t, 4, own.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, own.Base)
	assert.Equal(t, 50*time.Millisecond, own.Cap)

	assert.Equal(t, time.Second, o.stepTimeout(&models.Step{}))
	assert.Equal(t, 250*time.Millisecond, o.stepTimeout(&models.Step{TimeoutMs: 250}))
	assert.Equal(t, 5*time.Second, o.stepTimeout(&models.Step{TimeoutMs: 60_000}))
}

func TestZeroBackoffRetriesImmediately(t *testing.T) {
	o := New(nil, nil, nil, Options{
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  time.Second,
	}, nil)

	p := o.retryPolicy(&models.Step{Retry: &models.RetryPolicy{MaxAttempts: 3}})
	assert.Equal(t, time.Duration(0), p.Base)
	for attempt := 1; attempt <= 3; attempt++ {
		assert.Equal(t, time.Duration(0), backoff(p, attempt), "attempt %d", attempt)
	}

	capped := o.retryPolicy(&models.Step{Retry: &models.RetryPolicy{
		MaxAttempts: 3, BackoffCapMs: 100,
	}})
	assert.Equal(t, time.Duration(0), backoff(capped, 2))
}
