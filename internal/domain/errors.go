// Package domain contains domain errors used throughout the application.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrConnectionClosed   = errors.New("stream connection is closed")
	ErrSubscriptionClosed = errors.New("subscription is closed")
	ErrRegistryClosed     = errors.New("connection registry is closed")
	ErrMultiplexerClosed  = errors.New("stream multiplexer is closed")
	ErrSubscriberTooSlow  = errors.New("subscriber buffer is full")
	ErrInvalidKey         = errors.New("invalid connection key")
	ErrUnsupportedEvent   = errors.New("event kind not carried by endpoint")
	ErrAccountNotFound    = errors.New("account not found")
)

// StatusError is returned by a dialer when the server answers the streaming
// request with an HTTP error status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("streaming request failed: %s", e.Status)
	}
	return fmt.Sprintf("streaming request failed: HTTP %d", e.Code)
}

// NewStatusError creates a new StatusError.
func NewStatusError(code int, status string) *StatusError {
	return &StatusError{
		Code:   code,
		Status: status,
	}
}

// PayloadError represents a stream event whose payload could not be decoded
// into the domain record its event type declares.
type PayloadError struct {
	EventType string
	Err       error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.EventType, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// NewPayloadError creates a new PayloadError.
func NewPayloadError(eventType string, err error) *PayloadError {
	return &PayloadError{
		EventType: eventType,
		Err:       err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
