// Package errors provides custom error types for the orchestration core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Orchestration-specific codes
	ErrCodeSpawnError         = "SPAWN_ERROR"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeBackendUnreachable = "BACKEND_UNREACHABLE"
	ErrCodePortExhausted      = "PORT_EXHAUSTED"
	ErrCodeSubscriberOverflow = "SUBSCRIBER_OVERFLOW"
	ErrCodeProcessCrash       = "PROCESS_CRASH"
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

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
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

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// SpawnError indicates a child process could not be started.
func SpawnError(command string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnError,
		Message:    fmt.Sprintf("failed to spawn process '%s'", command),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// InvalidTransition indicates a project state transition that is not allowed.
func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("invalid transition from '%s' to '%s'", from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// BackendUnreachable indicates the agent backend binary is missing or
// failed authentication.
func BackendUnreachable(backend string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeBackendUnreachable,
		Message:    fmt.Sprintf("agent backend '%s' is unreachable", backend),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// PortExhausted indicates no free port was found in the configured range.
func PortExhausted(start, end int) *AppError {
	return &AppError{
		Code:       ErrCodePortExhausted,
		Message:    fmt.Sprintf("no free port in range %d-%d", start, end),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// SubscriberOverflow indicates a slow subscriber exceeded its outbound buffer.
func SubscriberOverflow(projectID string) *AppError {
	return &AppError{
		Code:       ErrCodeSubscriberOverflow,
		Message:    fmt.Sprintf("subscriber for project '%s' fell too far behind", projectID),
		HTTPStatus: http.StatusGone,
	}
}

// ProcessCrash indicates an abnormal or non-zero child process exit.
func ProcessCrash(command string, exitCode int) *AppError {
	return &AppError{
		Code:       ErrCodeProcessCrash,
		Message:    fmt.Sprintf("process '%s' exited with code %d", command, exitCode),
		HTTPStatus: http.StatusBadGateway,
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

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsCode checks whether the error carries the given application code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// IsInvalidTransition checks if the error is an invalid transition error.
func IsInvalidTransition(err error) bool {
	return IsCode(err, ErrCodeInvalidTransition)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
