package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Stable error classifications carried in the error_code field of every
// error body.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// APIError represents a structured API error
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Retryable  bool        `json:"retryable,omitempty"`
	Details    interface{} `json:"details,omitempty"`
	cause      error
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// WithCause returns a copy of e wrapping cause. The predefined errors are
// shared values and are never mutated.
func (e *APIError) WithCause(cause error) *APIError {
	c := *e
	c.cause = cause
	return &c
}

// WithDetails returns a copy of e carrying details.
func (e *APIError) WithDetails(details interface{}) *APIError {
	c := *e
	c.Details = details
	return &c
}

// ValidationError represents validation errors
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined error types for common scenarios
var (
	// 400 Bad Request
	ErrInvalidRequest = New(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format")
	ErrInvalidPayload = New(http.StatusBadRequest, CodeInvalidPayload, "Request payload could not be decoded")

	// 401 Unauthorized
	ErrUnauthorized = New(http.StatusUnauthorized, CodeUnauthorized, "Authentication required")

	// 403 Forbidden
	ErrForbidden = New(http.StatusForbidden, CodeForbidden, "Access denied")

	// 404 Not Found
	ErrNotFound = New(http.StatusNotFound, CodeNotFound, "Resource not found")

	// 405 Method Not Allowed
	ErrMethodNotAllowed = New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed")

	// 429 Too Many Requests
	ErrRateLimitExceeded = &APIError{
		StatusCode: http.StatusTooManyRequests,
		ErrorCode:  CodeRateLimitExceeded,
		Message:    "Rate limit exceeded",
		Retryable:  true,
	}

	// 500 Internal Server Error
	ErrInternalServer = New(http.StatusInternalServerError, CodeInternal, "Internal server error")

	// 503 Service Unavailable
	ErrServiceUnavailable = &APIError{
		StatusCode: http.StatusServiceUnavailable,
		ErrorCode:  CodeServiceUnavailable,
		Message:    "Service temporarily unavailable",
		Retryable:  true,
	}

	// 504 Gateway Timeout
	ErrTimeout = New(http.StatusGatewayTimeout, CodeTimeout, "Request timed out")
)

// InvalidRequestWithError creates an invalid request error with details
func InvalidRequestWithError(err error) *APIError {
	return ErrInvalidRequest.WithCause(err).WithDetails(err.Error())
}

// ErrValidation creates a validation error with field details
func ErrValidation(field, message string) *APIError {
	return ErrInvalidRequest.WithDetails(ValidationError{
		Field:   field,
		Message: message,
	})
}

// NotFoundError creates a not found error with details
func NotFoundError(resource string) *APIError {
	return NewWithDetails(http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s not found", resource), resource)
}

// Unauthorized wraps a credential failure.
func Unauthorized(cause error) *APIError {
	return ErrUnauthorized.WithCause(cause)
}

// Unavailable wraps a transient dependency failure.
func Unavailable(cause error) *APIError {
	return ErrServiceUnavailable.WithCause(cause)
}

// PanicRecovery represents panic recovery information
type PanicRecovery struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ErrPanic creates a panic recovery error
func ErrPanic(rec interface{}) *APIError {
	return ErrInternalServer.WithDetails(PanicRecovery{
		Message: fmt.Sprintf("%v", rec),
	})
}
