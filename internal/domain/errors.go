package domain

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

type ErrorCode string

const (
	CodeValidation     ErrorCode = "VALIDATION_ERROR"
	CodeTransient      ErrorCode = "TRANSIENT_INFRA_ERROR"
	CodeQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	CodeCancelled      ErrorCode = "CANCELLED"
	CodeInternal       ErrorCode = "INTERNAL"
)

var (
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrAlreadyExists      = errors.New("deployment already exists")
	ErrVersionConflict    = errors.New("deployment was modified concurrently")
	ErrLockLost           = errors.New("message lock lost")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnsupportedSchema  = errors.New("unsupported schema version")
)

// Error is the classified failure carried through the workflow and the
// consumer. Step is empty for errors that did not originate in a step.
type Error struct {
	Code    ErrorCode
	Step    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Step != "" {
		return fmt.Sprintf("%s: %s: %s", e.Step, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NewTransientError(err error, message string) *Error {
	return &Error{Code: CodeTransient, Message: message, Err: err}
}

func NewQuotaExceededError(message string) *Error {
	return &Error{Code: CodeQuotaExceeded, Message: message}
}

func NewTimeoutError(err error, message string) *Error {
	return &Error{Code: CodeTimeout, Message: message, Err: err}
}

func NewInvalidMessageError(err error) *Error {
	return &Error{Code: CodeInvalidMessage, Message: "malformed queue message", Err: err}
}

// WithStep attaches the originating step name, classifying err first.
func WithStep(err error, step string) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		cp := *de
		cp.Step = step
		return &cp
	}
	return &Error{Code: Classify(err), Step: step, Err: err}
}

// Classify maps any error onto the taxonomy. Unknown errors are treated as
// transient infrastructure failures.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrDeploymentNotFound), errors.Is(err, ErrInvalidTransition):
		return CodeValidation
	case errors.Is(err, ErrUnsupportedSchema):
		return CodeInvalidMessage
	}
	return CodeTransient
}

func IsRetryable(err error) bool {
	switch Classify(err) {
	case CodeTransient, CodeTimeout:
		return true
	default:
		return false
	}
}

// StepOf returns the step a classified error originated from, if any.
func StepOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Step
	}
	return ""
}
