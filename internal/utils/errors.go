package utils

import (
	"errors"
	"fmt"
)

// Error codes for GPU-AV operations
const (
	// Host-side setup
	ErrCodeInvalidConfig         = "INVALID_CONFIG"
	ErrCodeReservedDescriptorSet = "RESERVED_DESCRIPTOR_SET"
	ErrCodeUnknownBuffer         = "UNKNOWN_BUFFER"

	// Per-submission instrumentation
	ErrCodeDeviceOutOfMemory = "DEVICE_OUT_OF_MEMORY"
	ErrCodeEncodingFailure   = "ENCODING_FAILURE"

	// Readback
	ErrCodeSubmissionIncomplete = "SUBMISSION_INCOMPLETE"
	ErrCodeDecodeTruncated      = "DECODE_TRUNCATED"
)

// Error is a coded error carrying diagnostic context
type Error struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new coded error
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a code
func WrapError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// Common error constructors

func ErrEncodingFailure(generation uint64, cause error) *Error {
	return WrapError(ErrCodeEncodingFailure, "range table encoding failed", cause).
		WithContext("generation", generation)
}

func ErrDeviceOutOfMemory(what string, size uint32, cause error) *Error {
	return WrapError(ErrCodeDeviceOutOfMemory, "instrumentation heap exhausted", cause).
		WithContext("buffer", what).
		WithContext("size", size)
}

func ErrDecodeTruncated(reason string) *Error {
	return NewError(ErrCodeDecodeTruncated, reason)
}

func ErrReservedDescriptorSet(set uint32) *Error {
	return NewError(ErrCodeReservedDescriptorSet, "descriptor set index is reserved for instrumentation").
		WithContext("set", set)
}

func ErrSubmissionIncomplete(id uint64, cause error) *Error {
	return WrapError(ErrCodeSubmissionIncomplete, "submission has not completed", cause).
		WithContext("submission", id)
}

func ErrInvalidConfig(field, reason string) *Error {
	return NewError(ErrCodeInvalidConfig, reason).
		WithContext("field", field)
}
