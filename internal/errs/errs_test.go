package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mpataki/relay/internal/errs"
)

func TestErrorString(t *testing.T) {
	err := errs.Validation(errs.CodeMissingParams, "step s1", "path", "mode")
	assert.Equal(t,
		"validation(missing_params): step s1 [path; mode]", err.Error())

	assert.Equal(t, "timeout(deadline_exceeded): took too long",
		errs.Timeout("took too long").Error())
}

func TestIsMatchesKindAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w",
		errs.Validation(errs.CodeUnresolvedReference, "no output"))

	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.ErrorIs(t, err, errs.ErrUnresolvedReference)
	assert.NotErrorIs(t, err, errs.ErrConflict)

	other := errs.Validation(errs.CodeMissingParams, "x")
	assert.NotErrorIs(t, other, errs.ErrUnresolvedReference)

	conflict := errs.Conflict(errs.CodeRunAlreadyActive, "busy")
	assert.ErrorIs(t, conflict, errs.ErrRunAlreadyActive)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind errs.Kind
	}{
		{errs.NotFound("run", "x"), errs.KindNotFound},
		{errs.Connector("unavailable", "x"), errs.KindConnector},
		{errs.Timeout("x"), errs.KindTimeout},
		{errs.Interrupted("x"), errs.KindInterrupted},
		{errors.New("plain"), errs.KindInternal},
		{fmt.Errorf("wrapped: %w", errs.Conflict("c", "x")), errs.KindConflict},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, errs.KindOf(tt.err), tt.err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, errs.IsRetryable(errs.Connector("", "x")))
	assert.True(t, errs.IsRetryable(errs.Timeout("x")))
	assert.False(t, errs.IsRetryable(errs.Validation("", "x")))
	assert.False(t, errs.IsRetryable(errs.NotFound("", "x")))
	assert.False(t, errs.IsRetryable(errors.New("plain")))
}

func TestAsAndWrap(t *testing.T) {
	assert.Nil(t, errs.As(nil))
	assert.Nil(t, errs.Wrap(nil, "ignored"))

	plain := errors.New("disk full")
	e := errs.As(plain)
	assert.Equal(t, errs.KindInternal, e.Kind)
	assert.ErrorIs(t, e, plain)

	wrapped := errs.Wrap(errs.NotFound("flow", "flow f1"), "publish %s", "f1")
	assert.ErrorIs(t, wrapped, errs.ErrNotFound)
	assert.Equal(t, "flow", errs.CodeOf(wrapped))
	assert.Contains(t, wrapped.Error(), "publish f1: flow f1")
}
