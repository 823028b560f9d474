package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	// Message related errors
	ErrCodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	ErrCodeFrameTooLarge    ErrorCode = "FRAME_TOO_LARGE"

	// Queue related errors. EmptyQueue is answered as EMPTY on the wire, never as a failure.
	ErrCodeEmptyQueue ErrorCode = "EMPTY_QUEUE"

	// Network related errors
	ErrCodeTransport      ErrorCode = "TRANSPORT_ERROR"
	ErrCodeBindFailed     ErrorCode = "BIND_FAILED"
	ErrCodeSubmitRejected ErrorCode = "SUBMIT_REJECTED"

	// Configuration related errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Lifecycle related errors
	ErrCodeNotRunning ErrorCode = "NOT_RUNNING"
)

// BrokerError represents a structured error raised by the broker or its clients
type BrokerError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"cause,omitempty"`
}

// NewBrokerError creates a new BrokerError
func NewBrokerError(code ErrorCode, message string) *BrokerError {
	return &BrokerError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewBrokerErrorWithCause creates a new BrokerError with a cause
func NewBrokerErrorWithCause(code ErrorCode, message string, cause error) *BrokerError {
	err := NewBrokerError(code, message)
	err.Cause = cause
	return err
}

// WithDetail adds a detail to the error
func (e *BrokerError) WithDetail(key string, value interface{}) *BrokerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface
func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *BrokerError) Unwrap() error {
	return e.Cause
}

// Is matches any BrokerError carrying the same code, so sentinels below work with errors.Is.
func (e *BrokerError) Is(target error) bool {
	if be, ok := target.(*BrokerError); ok {
		return e.Code == be.Code
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrMalformed      = &BrokerError{Code: ErrCodeMalformedMessage, Message: "malformed message"}
	ErrFrameTooLarge  = &BrokerError{Code: ErrCodeFrameTooLarge, Message: "frame too large"}
	ErrEmptyQueue     = &BrokerError{Code: ErrCodeEmptyQueue, Message: "queue empty"}
	ErrTransport      = &BrokerError{Code: ErrCodeTransport, Message: "transport error"}
	ErrBindFailed     = &BrokerError{Code: ErrCodeBindFailed, Message: "bind failed"}
	ErrSubmitRejected = &BrokerError{Code: ErrCodeSubmitRejected, Message: "submit rejected"}
	ErrInvalidConfig  = &BrokerError{Code: ErrCodeInvalidConfig, Message: "invalid config"}
	ErrNotRunning     = &BrokerError{Code: ErrCodeNotRunning, Message: "broker not running"}
)

// Common error constructors

// ErrMalformedMessage creates a malformed message error
func ErrMalformedMessage(reason string) *BrokerError {
	return NewBrokerError(ErrCodeMalformedMessage, "malformed message").WithDetail("reason", reason)
}

// ErrMalformedMessageWithCause creates a malformed message error wrapping a decoder failure
func ErrMalformedMessageWithCause(reason string, cause error) *BrokerError {
	return NewBrokerErrorWithCause(ErrCodeMalformedMessage, "malformed message: "+reason, cause).
		WithDetail("reason", reason)
}

// ErrFrameExceedsLimit creates a frame too large error
func ErrFrameExceedsLimit(size, maxSize int) *BrokerError {
	return NewBrokerError(ErrCodeFrameTooLarge, "frame size exceeds limit").
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

// ErrTransportError creates a transport error
func ErrTransportError(operation string, cause error) *BrokerError {
	return NewBrokerErrorWithCause(ErrCodeTransport, fmt.Sprintf("transport operation failed: %s", operation), cause).
		WithDetail("operation", operation)
}

// ErrBind creates a bind failure error
func ErrBind(address string, cause error) *BrokerError {
	return NewBrokerErrorWithCause(ErrCodeBindFailed, fmt.Sprintf("failed to listen on %s", address), cause).
		WithDetail("address", address)
}

// ErrConfig creates a configuration validation error
func ErrConfig(format string, args ...interface{}) *BrokerError {
	return NewBrokerError(ErrCodeInvalidConfig, fmt.Sprintf(format, args...))
}

// IsCode reports whether err (or anything it wraps) is a BrokerError with the given code
func IsCode(err error, code ErrorCode) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
