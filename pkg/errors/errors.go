// Package errors provides classified errors for the request-optimization
// layer. The classification drives the retry executor's default
// predicate: transient, timeout and rate-limited failures are worth
// another attempt, while validation, serialization and circuit-open
// failures fail fast.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class represents the classification of an error
type Class int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown Class = iota
	// ClassTransient indicates a temporary error that may be retried
	ClassTransient
	// ClassPermanent indicates a permanent error that should not be retried
	ClassPermanent
	// ClassTimeout indicates a timeout
	ClassTimeout
	// ClassRateLimited indicates upstream rate limiting
	ClassRateLimited
	// ClassCircuitOpen indicates a circuit breaker rejected the call
	ClassCircuitOpen
	// ClassValidation indicates an input validation failure
	ClassValidation
	// ClassSerialization indicates a value could not be encoded or decoded
	ClassSerialization
	// ClassNotFound indicates the resource does not exist
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassTimeout:
		return "timeout"
	case ClassRateLimited:
		return "rate_limited"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassValidation:
		return "validation"
	case ClassSerialization:
		return "serialization"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified error with optional service/operation context.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Class      Class  `json:"class"`
	Service    string `json:"service,omitempty"`
	Operation  string `json:"operation,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error.
func New(code, message string, class Class) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Class:   class,
	}
}

// Wrap classifies an existing error without losing the cause chain.
func Wrap(cause error, code, message string, class Class) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Class:   class,
		cause:   cause,
	}
}

// WithStatus attaches the upstream HTTP status code.
func (e *Error) WithStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithService attaches service and operation context.
func (e *Error) WithService(service, operation string) *Error {
	e.Service = service
	e.Operation = operation
	return e
}

// ClassOf returns the classification of err, or ClassUnknown when err is
// not a classified error.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// IsRetryable reports whether err is worth another attempt. Classified
// errors decide by class, then by HTTP status when the class is unknown
// (5xx retries, 4xx does not). Unclassified timeouts and network errors
// are retryable; everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ce *Error
	if errors.As(err, &ce) {
		switch ce.Class {
		case ClassTransient, ClassTimeout, ClassRateLimited:
			return true
		case ClassPermanent, ClassCircuitOpen, ClassValidation, ClassSerialization, ClassNotFound:
			return false
		}
		if ce.HTTPStatus >= 500 {
			return true
		}
		if ce.HTTPStatus >= 400 {
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
