// Package errors defines the error shape the warren HTTP API serves.
package errors

import (
	"fmt"
	"net/http"
)

// Error codes carried in API responses.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// AppError pairs a stable error code with the HTTP status it maps to.
// Handlers serialize it directly as the response body; Err never reaches
// the client.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound reports a missing resource by name and identifier.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest reports an unusable request body or parameter.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict reports a request that the resource's current state forbids.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ServiceUnavailable reports a subsystem that is refusing work, such as a
// full or draining queue.
func ServiceUnavailable(subsystem string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("%s is currently unavailable", subsystem),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// InternalError wraps an unexpected failure.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}
