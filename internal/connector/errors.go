package connector

import (
	"errors"
	"fmt"

	"github.com/mpataki/relay/internal/errs"
)

// Error is a structured failure reported by a connector. Kind is a short
// domain classifier such as "not_found" or "unavailable".
type Error struct {
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Failf builds a connector Error
func Failf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a connector Error around an underlying error
func Wrap(kind string, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// Classify turns any error returned by Invoke into an engine error. Engine
// errors pass through; connector and plain errors become connector failures.
func Classify(err error) *errs.Error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	var ce *Error
	if errors.As(err, &ce) {
		return errs.Connector(ce.Kind, ce.Message)
	}
	return errs.Connector("", err.Error())
}
