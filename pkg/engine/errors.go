package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: propagation delay, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict, such as a
	// concurrent modification in the external system.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error: invalid
	// configuration, permission denied, a missing prior-step output.
	ErrorClassPermanent ErrorClass = "permanent"
)

// DeployError represents a classified error with deployment context.
type DeployError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step is the pipeline step that produced the error, if applicable.
	Step string `json:"step,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step=%s): %s", e.Class, e.Message, e.Step, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeployError) Unwrap() error {
	return e.Err
}

func (e *DeployError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *DeployError) Is(target error) bool {
	t, ok := target.(*DeployError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithStep adds step context to an error.
func (e *DeployError) WithStep(step string) *DeployError {
	e.Step = step
	return e
}

// WithCode adds an error code to an error.
func (e *DeployError) WithCode(code string) *DeployError {
	e.Code = code
	return e
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *DeployError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable reports whether an error is worth another attempt. Unclassified
// errors are retryable: the external system fails transiently far more often
// than handlers misbehave, so only an explicit permanent classification
// abandons the budget.
func IsRetryable(err error) bool {
	return !IsPermanent(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeMissingOutput    = "MISSING_OUTPUT"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeHandlerFailed    = "HANDLER_FAILED"
	ErrCodeStoreFailed      = "STORE_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// CompletionError reports required cross-step outputs that were absent even
// though every step completed. It names exactly the missing keys so a
// silently incomplete deployment is never declared a success.
type CompletionError struct {
	Missing []string
}

// Error implements the error interface.
func (e *CompletionError) Error() string {
	return fmt.Sprintf("deployment incomplete: missing required outputs: %s",
		strings.Join(e.Missing, ", "))
}
