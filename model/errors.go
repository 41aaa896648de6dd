package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrNotFound          = "NOT_FOUND"
	ErrMissingPathParam  = "MISSING_PATH_PARAMETER"
	ErrValidationFailed  = "VALIDATION_FAILED"
	ErrAuthFailed        = "AUTH_FAILED"
	ErrNoBackend         = "NO_BACKEND"
	ErrNoEngine          = "NO_ENGINE"
	ErrSendFailed        = "SEND_FAILED"
	ErrCircuitOpen       = "CIRCUIT_OPEN"
	ErrDefinitionInvalid = "DEFINITION_INVALID"
	ErrStoreFailed       = "STORE_FAILED"
)

// Bulk-specific error codes.
const (
	ErrEmptyBatch     = "EMPTY_BATCH"
	ErrRollbackFailed = "ROLLBACK_FAILED"
	ErrDependency     = "INVALID_DEPENDENCY"
	ErrRunAborted     = "RUN_ABORTED"
)

// ErrorEnvelope is the standard error value produced by every package in this
// module. It implements the error interface and supports errors.Is/As chains
// through its wrapped cause.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a single violated constraint within an aggregate error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" when err is not an
// ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewMissingPathParamError returns a MISSING_PATH_PARAMETER error naming the
// placeholder that had no matching argument.
func NewMissingPathParamError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingPathParam,
		Message: fmt.Sprintf("Missing path parameter %q", name),
		Details: []FieldError{{Field: name, Code: "missing", Message: "no value supplied for path placeholder"}},
	}
}

// NewValidationFailedError returns a VALIDATION_FAILED error carrying every
// violated constraint, not just the first.
func NewValidationFailedError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationFailed,
		Message: "One or more parameters are invalid",
		Details: details,
	}
}

// NewAuthFailedError returns an AUTH_FAILED error.
func NewAuthFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAuthFailed, Message: msg}
}

// NewNoBackendError returns a NO_BACKEND error. This is a fatal
// misconfiguration and is never retried.
func NewNoBackendError(clientID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoBackend,
		Message: fmt.Sprintf("Client %q requires a backend adapter but none is configured", clientID),
	}
}

// NewNoEngineError returns a NO_ENGINE error. This is a fatal
// misconfiguration and is never retried.
func NewNoEngineError(clientID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoEngine,
		Message: fmt.Sprintf("Client %q has no transport engine configured", clientID),
	}
}

// NewSendFailedError returns a SEND_FAILED error wrapping the transport-level
// cause.
func NewSendFailedError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSendFailed,
		Message: "The request could not be sent",
		cause:   cause,
	}
}

// NewCircuitOpenError returns a CIRCUIT_OPEN error.
func NewCircuitOpenError(host string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCircuitOpen,
		Message: fmt.Sprintf("Circuit breaker for %q is open", host),
	}
}

// NewDefinitionInvalidError returns a DEFINITION_INVALID error with
// field-level details locating each problem.
func NewDefinitionInvalidError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionInvalid,
		Message: "One or more definitions are invalid",
		Details: details,
	}
}

// NewStoreFailedError returns a STORE_FAILED error wrapping the persistence
// cause.
func NewStoreFailedError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStoreFailed,
		Message: "Session state could not be persisted",
		cause:   cause,
	}
}

// NewEmptyBatchError returns an EMPTY_BATCH error.
func NewEmptyBatchError(mode string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEmptyBatch,
		Message: fmt.Sprintf("Aggregation mode %q is undefined over an empty outcome list", mode),
	}
}

// NewRollbackFailedError returns a ROLLBACK_FAILED error. It is secondary by
// contract: callers attach it to a result alongside the original error, never
// in place of it.
func NewRollbackFailedError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRollbackFailed,
		Message: "One or more rollback hooks failed",
		cause:   cause,
	}
}

// NewDependencyError returns an INVALID_DEPENDENCY error for a bulk item
// whose dependency reference is out of range, forward, or cyclic.
func NewDependencyError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDependency, Message: msg}
}

// NewRunAbortedError returns a RUN_ABORTED error carrying the per-item
// failure that terminated the batch.
func NewRunAbortedError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRunAborted,
		Message: "Bulk run aborted by error policy",
		cause:   cause,
	}
}
