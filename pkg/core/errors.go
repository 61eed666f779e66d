package core

import (
	"fmt"
)

// Error represents an API error.
type Error struct {
	Type          ErrorType `json:"type"`
	Message       string    `json:"message"`
	Param         string    `json:"param,omitempty"`
	Code          string    `json:"code,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	ProviderError any       `json:"provider_error,omitempty"`
	RetryAfter    *int      `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrCapacity       ErrorType = "capacity_error"
	ErrDuplicateDial  ErrorType = "duplicate_dial_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrUnavailable    ErrorType = "unavailable_error"
	ErrAPI            ErrorType = "api_error"
	ErrProvider       ErrorType = "provider_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewCapacityError reports that no call slot is free.
func NewCapacityError(message string, retryAfter int) *Error {
	e := &Error{
		Type:    ErrCapacity,
		Message: message,
	}
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

func NewConflictError(message string) *Error {
	return &Error{
		Type:    ErrConflict,
		Message: message,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// NewProviderError wraps a failure reported by a telephony or realtime provider.
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:          ErrProvider,
		Message:       fmt.Sprintf("%s: %v", provider, underlying),
		ProviderError: underlying,
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrCapacity, ErrUnavailable, ErrAPI:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if ue, ok := e.ProviderError.(error); ok {
		return ue
	}
	return nil
}
