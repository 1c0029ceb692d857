package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatConflict   ErrorCategory = "conflict"   // State collision
	ErrCatCrypto     ErrorCategory = "crypto"     // Encryption/decryption failure
	ErrCatNetwork    ErrorCategory = "network"    // Broker/transport connectivity
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // Storage corruption/conflict
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrConflict creates a state collision error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrCrypto creates an encryption/decryption error.
func ErrCrypto(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCrypto,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNetwork creates a transport error.
func ErrNetwork(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatNetwork,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a storage state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrInternal creates an unexpected internal error.
func ErrInternal(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatInternal,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrScheduleExists creates the duplicate-schedule conflict error.
func ErrScheduleExists(workflowID string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeScheduleExists,
		Message:   fmt.Sprintf("workflow %s already has a schedule", workflowID),
		Retryable: false,
		Details: map[string]interface{}{
			"workflow_id": workflowID,
		},
	}
}

// ErrNoTriggerNode creates the error for scheduling a triggerless workflow.
func ErrNoTriggerNode(workflowID string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeNoTriggerNode,
		Message:   fmt.Sprintf("workflow %s has no trigger node", workflowID),
		Retryable: false,
		Details: map[string]interface{}{
			"workflow_id": workflowID,
		},
	}
}

// ErrInvalidInterval creates the out-of-bounds interval error.
func ErrInvalidInterval(seconds int64) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeInvalidInterval,
		Message:   fmt.Sprintf("interval must be between 1 and %d seconds, got %d", MaxIntervalSeconds, seconds),
		Retryable: false,
		Details: map[string]interface{}{
			"interval_seconds": seconds,
		},
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool {
	return IsCategory(err, ErrCatNotFound)
}

// Predefined error codes
const (
	CodeScheduleNotFound   = "SCHEDULE_NOT_FOUND"
	CodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	CodeCredentialNotFound = "CREDENTIAL_NOT_FOUND"
	CodeScheduleExists     = "SCHEDULE_EXISTS"
	CodeInvalidState       = "INVALID_STATE"
	CodeStateCorrupted     = "STATE_CORRUPTED"

	// Validation error codes
	CodeNoTriggerNode    = "NO_TRIGGER_NODE"
	CodeAmbiguousTrigger = "MULTIPLE_TRIGGER_NODES"
	CodeEmptyWorkflow    = "EMPTY_WORKFLOW"
	CodeNoEntryEdge      = "NO_ENTRY_EDGE"
	CodeInvalidInterval  = "INVALID_INTERVAL"
	CodeInvalidConfig    = "INVALID_CONFIG"

	// Dispatch error codes
	CodePublishFailed   = "PUBLISH_FAILED"
	CodeBrokerClosed    = "BROKER_CLOSED"
	CodeDispatchPanic   = "DISPATCH_PANIC"
	CodeResolveFailed   = "RESOLVE_FAILED"
	CodeDecryptFailed   = "DECRYPT_FAILED"
	CodeBadCiphertext   = "MALFORMED_CIPHERTEXT"
	CodeEncodeFailed    = "ENCODE_FAILED"
	CodeDispatchTimeout = "DISPATCH_TIMEOUT"
)
