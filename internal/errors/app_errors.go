package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrTypeConfig    ErrorType = "CONFIG"
	ErrTypeSecurity  ErrorType = "SECURITY"
	ErrTypeMessaging ErrorType = "MESSAGING"
	ErrTypePipeline  ErrorType = "PIPELINE"
)

// AppError is a boot-time error. Any AppError returned while starting the
// process is fatal.
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error
func NewConfigError(message string, cause error) *AppError {
	return NewAppError(ErrTypeConfig, message, cause)
}

// NewSecurityError creates a strategy selection or verifier setup error
func NewSecurityError(message string, cause error) *AppError {
	return NewAppError(ErrTypeSecurity, message, cause)
}

// NewMessagingError creates a messaging backend setup error
func NewMessagingError(message string, cause error) *AppError {
	return NewAppError(ErrTypeMessaging, message, cause)
}

// NewPipelineError creates a pipeline build error
func NewPipelineError(message string, cause error) *AppError {
	return NewAppError(ErrTypePipeline, message, cause)
}

// IsBootFatal reports whether err carries an AppError.
func IsBootFatal(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// TypeOf returns the ErrorType of the first AppError in err's chain, or "".
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}
