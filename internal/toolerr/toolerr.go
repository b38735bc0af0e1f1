// Package toolerr defines the error taxonomy shared by every execution
// component and the structured failure shape returned to callers.
package toolerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Code categorizes an execution error.
type Code string

const (
	// CodeSpecification: malformed spec, unresolvable capability, cyclic graph.
	CodeSpecification Code = "SPECIFICATION"

	// CodeValidation: input violates a capability's field constraints.
	CodeValidation Code = "VALIDATION"

	// CodeTransientIntegration: network failure, timeout, 5xx. Retryable.
	CodeTransientIntegration Code = "TRANSIENT_INTEGRATION"

	// CodePermanentIntegration: 4xx, auth failure, permanent rejection.
	CodePermanentIntegration Code = "PERMANENT_INTEGRATION"

	// CodeSizeLimit: join input over the row ceiling.
	CodeSizeLimit Code = "SIZE_LIMIT"

	// CodeAuditPersistence: audit write failed. Never propagated to callers.
	CodeAuditPersistence Code = "AUDIT_PERSISTENCE"

	// CodeNotFound: the requested run or tool spec does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeTimeout: workflow exceeded timeoutMs.
	CodeTimeout Code = "TIMEOUT"

	// CodeNotReady: a suspended run was resumed before its resume time.
	CodeNotReady Code = "NOT_READY"

	// CodeApprovalRequired: the action needs approval before it is invoked.
	CodeApprovalRequired Code = "APPROVAL_REQUIRED"

	// CodeConflict: the run is in a state that does not allow the operation.
	CodeConflict Code = "CONFLICT"

	// CodeInternal: anything not classified above.
	CodeInternal Code = "INTERNAL"
)

// Error is a classified execution error.
type Error struct {
	Code    Code
	Message string

	// Details carries structured context (field names, status codes, node ids).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns e with key set in Details.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. Returns nil if err is nil.
func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Specification creates a SPECIFICATION error.
func Specification(format string, args ...any) *Error {
	return New(CodeSpecification, format, args...)
}

// Validation creates a VALIDATION error for one input field.
func Validation(field, format string, args ...any) *Error {
	return New(CodeValidation, format, args...).WithDetail("field", field)
}

// NotFound creates a NOT_FOUND error.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, "%s %q not found", kind, id).WithDetail(kind, id)
}

// Transient marks err as a retryable integration failure.
func Transient(err error, status int) *Error {
	e := Wrap(CodeTransientIntegration, err, "")
	if e != nil && status > 0 {
		e.WithDetail("status", strconv.Itoa(status))
	}
	return e
}

// Permanent marks err as a non-retryable integration failure.
func Permanent(err error, status int) *Error {
	e := Wrap(CodePermanentIntegration, err, "")
	if e != nil && status > 0 {
		e.WithDetail("status", strconv.Itoa(status))
	}
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal. Returns "" for a nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransient reports whether err should be retried.
//
// Explicitly classified errors win. Unclassified network errors and
// deadline expiry are transient; everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code == CodeTransientIntegration
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsTransientStatus reports whether an HTTP status code indicates a
// retryable failure.
func IsTransientStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == 408, status == 429:
		return true
	default:
		return false
	}
}

// ClassifyIntegration converts a raw runtime failure into a transient or
// permanent integration error. Already classified errors are returned as is.
func ClassifyIntegration(err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if IsTransient(err) {
		return Transient(err, 0)
	}
	return Permanent(err, 0)
}
