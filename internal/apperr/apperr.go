// Package apperr defines the error taxonomy shared by the registry, the delivery
// pipeline, the inbox and the HTTP API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInternal     = "INTERNAL_ERROR"
)

// ValidationError reports malformed caller input. It is always surfaced synchronously.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransientDeliveryError is a failed send attempt that is eligible for retry.
// StatusCode is 0 when no response was received.
type TransientDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("endpoint responded with HTTP %d", e.StatusCode)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryFailure is terminal; only a manual resend delivers the event again.
type PermanentDeliveryFailure struct {
	Reason string
	Last   error
}

func (e *PermanentDeliveryFailure) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Last)
	}
	return e.Reason
}

func (e *PermanentDeliveryFailure) Unwrap() error { return e.Last }

// InfrastructureError means the queue itself could not be read or written.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func Infrastructure(op string, err error) error {
	return &InfrastructureError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsInfrastructure(err error) bool {
	var i *InfrastructureError
	return errors.As(err, &i)
}

// HTTPStatus maps an error to the status code the admin API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case IsInfrastructure(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Code(err error) string {
	switch HTTPStatus(err) {
	case http.StatusBadRequest:
		return CodeValidation
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
