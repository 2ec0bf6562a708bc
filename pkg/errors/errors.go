package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// Transient errors - can be retried
	ErrorTypeTransient ErrorType = "transient"
	// Permanent errors - should not be retried
	ErrorTypePermanent ErrorType = "permanent"
	// Network errors - network connectivity issues
	ErrorTypeNetwork ErrorType = "network"
	// Database errors - database operation failures
	ErrorTypeDatabase ErrorType = "database"
	// Validation errors - input validation failures
	ErrorTypeValidation ErrorType = "validation"
	// Conflict errors - identity or uniqueness conflicts
	ErrorTypeConflict ErrorType = "conflict"
	// RateLimit errors - API rate limiting
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// NotFound errors - the referenced entity does not exist
	ErrorTypeNotFound ErrorType = "not_found"
)

// ConflictKind distinguishes ingestion conflicts that require different
// corrective action from the caller.
type ConflictKind string

const (
	// ConflictSlug - the slug retry budget was exhausted
	ConflictSlug ConflictKind = "slug_collision_exhausted"
	// ConflictOwnership - actor is not the package owner
	ConflictOwnership ConflictKind = "ownership_conflict"
	// ConflictVersion - the (package, version) pair already exists
	ConflictVersion ConflictKind = "version_already_exists"
)

// Error represents a structured error with context
type Error struct {
	// Type categorizes the error
	Type ErrorType
	// Kind further distinguishes conflict errors
	Kind ConflictKind
	// Message is the error message
	Message string
	// Cause is the underlying error
	Cause error
	// Context provides additional context
	Context map[string]interface{}
	// Timestamp when error occurred
	Timestamp time.Time
	// Retryable indicates if the error can be retried
	Retryable bool
	// HTTPStatus is the recommended HTTP status code
	HTTPStatus int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new structured error
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:       errType,
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  isRetryableType(errType),
		HTTPStatus: defaultHTTPStatus(errType),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var structured *Error
	if errors.As(err, &structured) {
		return &Error{
			Type:       errType,
			Kind:       structured.Kind,
			Message:    message,
			Cause:      err,
			Timestamp:  time.Now(),
			Retryable:  structured.Retryable,
			HTTPStatus: structured.HTTPStatus,
			Context:    structured.Context,
		}
	}

	return &Error{
		Type:       errType,
		Message:    message,
		Cause:      err,
		Timestamp:  time.Now(),
		Retryable:  isRetryableType(errType),
		HTTPStatus: defaultHTTPStatus(errType),
	}
}

func isRetryableType(errType ErrorType) bool {
	return errType == ErrorTypeTransient || errType == ErrorTypeNetwork || errType == ErrorTypeRateLimit
}

// defaultHTTPStatus returns the default HTTP status code for an error type
func defaultHTTPStatus(errType ErrorType) int {
	switch errType {
	case ErrorTypeValidation:
		return 400 // Bad Request
	case ErrorTypeNotFound:
		return 404 // Not Found
	case ErrorTypeConflict:
		return 409 // Conflict
	case ErrorTypeRateLimit:
		return 429 // Too Many Requests
	case ErrorTypeDatabase:
		return 503 // Service Unavailable
	case ErrorTypeNetwork:
		return 502 // Bad Gateway
	default:
		return 500
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Retryable
	}
	return false
}

// GetType returns the error type
func GetType(err error) ErrorType {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Type
	}
	return ErrorTypePermanent
}

// GetConflictKind returns the conflict kind, or "" for non-conflicts.
func GetConflictKind(err error) ConflictKind {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Kind
	}
	return ""
}

// HTTPStatus returns the recommended status code for an error.
func HTTPStatus(err error) int {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.HTTPStatus
	}
	return 500
}

// Common error constructors

// NewTransientError creates a transient error
func NewTransientError(message string) *Error {
	return New(ErrorTypeTransient, message)
}

// NewNetworkError creates a network error
func NewNetworkError(message string, err error) *Error {
	return Wrap(err, ErrorTypeNetwork, message)
}

// NewDatabaseError creates a database error
func NewDatabaseError(message string, err error) *Error {
	return Wrap(err, ErrorTypeDatabase, message)
}

// NewValidationError creates a validation error
func NewValidationError(message string) *Error {
	return New(ErrorTypeValidation, message)
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(message string) *Error {
	return New(ErrorTypeNotFound, message)
}

// NewConflictError creates a typed ingestion conflict
func NewConflictError(kind ConflictKind, message string) *Error {
	err := New(ErrorTypeConflict, message)
	err.Kind = kind
	return err
}

// IsConflict reports whether err is an ingestion conflict of the given kind.
func IsConflict(err error, kind ConflictKind) bool {
	return GetConflictKind(err) == kind
}
