package fault

import (
	"errors"
	"fmt"
)

// Class represents the classification of an error for retry and escalation logic.
type Class string

const (
	// ClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ClassTransient Class = "transient"

	// ClassApplication indicates a programming error. It is logged and
	// classified, and becomes recovery-eligible once the threshold is crossed.
	ClassApplication Class = "application"

	// ClassSecurity is always escalated immediately and never retried.
	ClassSecurity Class = "security"

	// ClassResource indicates memory pressure or exhaustion.
	ClassResource Class = "resource"

	// ClassStorage indicates a telemetry persistence failure. It is retried on
	// the next scheduled flush and never surfaced to the user.
	ClassStorage Class = "storage"
)

// ErrFatalStep marks a remediation step failure that makes recovery impossible.
var ErrFatalStep = errors.New("fatal remediation failure")

// Error is a classified error with context.
type Error struct {
	// Class is the error classification.
	Class Class `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Operation != "" {
		prefix = fmt.Sprintf("%s (operation=%s)", prefix, e.Operation)
	}
	if e.Err != nil {
		return prefix + ": " + e.Err.Error()
	}
	return prefix
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports equality by class and code for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class Class, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return newError(ClassTransient, message, err)
}

// NewApplicationError creates a new application error.
func NewApplicationError(message string, err error) *Error {
	return newError(ClassApplication, message, err)
}

// NewSecurityError creates a new security error.
func NewSecurityError(message string, err error) *Error {
	return newError(ClassSecurity, message, err)
}

// NewResourceError creates a new resource error.
func NewResourceError(message string, err error) *Error {
	return newError(ClassResource, message, err)
}

// NewStorageError creates a new storage error.
func NewStorageError(message string, err error) *Error {
	return newError(ClassStorage, message, err)
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first *Error in the chain, or
// ClassApplication for unclassified errors.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassApplication
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ClassTransient
}

// IsSecurity returns true if the error is classified as a security fault.
func IsSecurity(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ClassSecurity
}

// IsStorage returns true if the error is classified as a storage fault.
func IsStorage(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ClassStorage
}

// KindFor maps an error class onto the fault kind used when it is reported.
func KindFor(class Class) Kind {
	switch class {
	case ClassTransient:
		return KindNetwork
	case ClassSecurity:
		return KindSecurity
	case ClassResource:
		return KindMemory
	case ClassStorage:
		return KindResource
	default:
		return KindScript
	}
}

// Common error codes.
const (
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeStorageWrite   = "STORAGE_WRITE"
	ErrCodeStorageRead    = "STORAGE_READ"
	ErrCodeOutboundBlock  = "OUTBOUND_BLOCKED"
	ErrCodeFormIntercept  = "FORM_INTERCEPTED"
	ErrCodePolicyFailed   = "POLICY_FAILED"
	ErrCodeStepFailed     = "STEP_FAILED"
	ErrCodeHookFailed     = "HOOK_FAILED"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
)
