package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nkkko/alarmd/internal/dispatcher"
	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/internal/storage"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeUnauthorized represents an unauthorized error
	ErrorTypeUnauthorized ErrorType = "unauthorized"

	// ErrorTypeForbidden represents a forbidden error
	ErrorTypeForbidden ErrorType = "forbidden"

	// ErrorTypeUnavailable means the service is shutting down
	ErrorTypeUnavailable ErrorType = "unavailable"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

func newError(t ErrorType, httpCode int, code, message string) *APIError {
	return &APIError{
		Type:     t,
		Code:     code,
		Message:  message,
		HTTPCode: httpCode,
	}
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, code, message)
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, code, message)
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, code, message)
}

// UnauthorizedError creates a new unauthorized error
func UnauthorizedError(code string, message string) *APIError {
	return newError(ErrorTypeUnauthorized, http.StatusUnauthorized, code, message)
}

// ForbiddenError creates a new forbidden error
func ForbiddenError(code string, message string) *APIError {
	return newError(ErrorTypeForbidden, http.StatusForbidden, code, message)
}

// UnavailableError creates a new service unavailable error
func UnavailableError(code string, message string) *APIError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, code, message)
}

// FromError maps a Go error to an API error. Known sentinel errors get
// their own codes; anything else is internal.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NotFoundError("alarm_not_found", "Alarm not found")
	case errors.Is(err, storage.ErrInvalidRecipient):
		return ValidationError("invalid_recipient", err.Error())
	case errors.Is(err, dispatcher.ErrInvalidRequest):
		return ValidationError("invalid_request", err.Error())
	case errors.Is(err, registry.ErrRegistryClosed):
		return UnavailableError("shutting_down", "Server is shutting down")
	}

	return InternalError("internal_error", err.Error())
}
