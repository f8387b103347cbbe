// Package errors provides custom error types for the Reviewdeck application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeValidationError = "VALIDATION_ERROR"

	// Pipeline error codes. These drive the scheduler's delete-vs-redeliver
	// decision: admission, unauthorized and malformed-agent conditions consume
	// the message; transient and sandbox failures leave it for redelivery.
	ErrCodeTransient       = "TRANSIENT"
	ErrCodeAdmissionDenied = "ADMISSION_DENIED"
	ErrCodeAgentMalformed  = "AGENT_MALFORMED"
	ErrCodeSandboxFailure  = "SANDBOX_FAILURE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Transient creates an error for conditions worth retrying (network blips,
// 5xx responses, queue backend errors).
func Transient(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransient,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// AdmissionDenied creates an error for jobs skipped by admission control
// (paused repo, plan limit, draft PR, empty or oversized diff).
func AdmissionDenied(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAdmissionDenied,
		Message:    message,
		HTTPStatus: http.StatusOK,
	}
}

// AgentMalformed creates an error for unparseable or wrongly shaped agent output.
func AgentMalformed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentMalformed,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

// SandboxFailure creates an error for sandbox start/exec/timeout failures.
func SandboxFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSandboxFailure,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsUnauthorized checks if the error is an unauthorized error.
func IsUnauthorized(err error) bool { return hasCode(err, ErrCodeUnauthorized) }

// IsTransient checks if the error is a transient error.
func IsTransient(err error) bool { return hasCode(err, ErrCodeTransient) }

// IsAdmissionDenied checks if the error is an admission-control skip.
func IsAdmissionDenied(err error) bool { return hasCode(err, ErrCodeAdmissionDenied) }

// IsAgentMalformed checks if the error is a malformed agent response.
func IsAgentMalformed(err error) bool { return hasCode(err, ErrCodeAgentMalformed) }

// IsSandboxFailure checks if the error is a sandbox failure.
func IsSandboxFailure(err error) bool { return hasCode(err, ErrCodeSandboxFailure) }

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
