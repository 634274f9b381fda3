// Package errs defines the error taxonomy shared by the flow store, the
// dispatcher and the execution engine.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and reporting purposes
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindConnector   Kind = "connector"
	KindTimeout     Kind = "timeout"
	KindNotFound    Kind = "not_found"
	KindInterrupted Kind = "interrupted"
	KindInternal    Kind = "internal"
)

// Error is a classified error. Code is a short machine-readable reason such
// as "unresolved_reference" or "run_already_active".
type Error struct {
	Kind    Kind     `json:"kind"`
	Code    string   `json:"code,omitempty"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
	Err     error    `json:"-"`
}

// Codes used across packages
const (
	CodeUnresolvedReference = "unresolved_reference"
	CodeRunAlreadyActive    = "run_already_active"
	CodeRunTerminal         = "run_terminal"
	CodeVersionConflict     = "version_conflict"
	CodeConnectorNotFound   = "connector_not_found"
	CodeActionNotFound      = "action_not_found"
	CodeMissingParams       = "missing_params"
	CodeInvalidParam        = "invalid_param"
	CodeInvalidSteps        = "invalid_steps"
	CodeInvalidDocument     = "invalid_document"
	CodeFlowRetired         = "flow_retired"
	CodeUnknownInput        = "unknown_input"
	CodeDuplicate           = "duplicate"
	CodeDeadlineExceeded    = "deadline_exceeded"
	CodeNoWorker            = "no_live_worker"
)

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Code != "" {
		sb.WriteString("(")
		sb.WriteString(e.Code)
		sb.WriteString(")")
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		sb.WriteString(" [")
		sb.WriteString(strings.Join(e.Details, "; "))
		sb.WriteString("]")
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, and by code when the target has one
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func newError(kind Kind, code, msg string, details []string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Details: details}
}

func Validation(code, msg string, details ...string) *Error {
	return newError(KindValidation, code, msg, details)
}

func Conflict(code, msg string) *Error {
	return newError(KindConflict, code, msg, nil)
}

func NotFound(code, msg string) *Error {
	return newError(KindNotFound, code, msg, nil)
}

func Connector(code, msg string) *Error {
	return newError(KindConnector, code, msg, nil)
}

func Timeout(msg string) *Error {
	return newError(KindTimeout, CodeDeadlineExceeded, msg, nil)
}

func Interrupted(msg string) *Error {
	return newError(KindInterrupted, CodeNoWorker, msg, nil)
}

// Internal wraps an unexpected infrastructure failure
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}

// Sentinels usable with errors.Is
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConnector           = &Error{Kind: KindConnector}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrInterrupted         = &Error{Kind: KindInterrupted}
	ErrUnresolvedReference = &Error{
		Kind: KindValidation, Code: CodeUnresolvedReference,
	}
	ErrRunAlreadyActive = &Error{
		Kind: KindConflict, Code: CodeRunAlreadyActive,
	}
)

// KindOf returns the Kind of err, or KindInternal if it is not classified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of a classified error
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether a step failure may be retried under a retry
// policy. Only connector failures and timeouts qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnector, KindTimeout:
		return true
	default:
		return false
	}
}

// As converts any error into an *Error, classifying unknown errors as
// internal
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Wrap annotates a classified error with context while keeping its kind
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	e := As(err)
	return &Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: fmt.Sprintf(format, args...) + ": " + e.Message,
		Details: e.Details,
		Err:     err,
	}
}
