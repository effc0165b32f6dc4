package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents where in the synthesis lifecycle an error originated.
type ErrorClass string

const (
	// ErrorClassDeclaration indicates a fatal error raised while a resource was being declared.
	// Examples: malformed identifiers, missing required inputs, duplicate IDs.
	ErrorClassDeclaration ErrorClass = "declaration"

	// ErrorClassSynthesis indicates the declared graph could not be turned into a template.
	// Examples: dangling references, circular dependencies.
	ErrorClassSynthesis ErrorClass = "synthesis"

	// ErrorClassExternal indicates a failure reported by an external system.
	// These are surfaced for classification only; nothing here recovers from them.
	ErrorClassExternal ErrorClass = "external"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Stack is the stack the resource belongs to, if applicable.
	Stack string `json:"stack,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Stack != "" && e.Resource != "" {
		return fmt.Sprintf("[%s] %s (stack=%s, resource=%s)", e.Class, msg, e.Stack, e.Resource)
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewDeclarationError creates a new declaration-time error.
func NewDeclarationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassDeclaration,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a declaration-time error carrying the validation code.
func NewValidationError(message string, err error) *EngineError {
	return NewDeclarationError(message, err).WithCode(ErrCodeValidation)
}

// NewSynthesisError creates a new synthesis error.
func NewSynthesisError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassSynthesis,
		Message: message,
		Err:     err,
	}
}

// NewExternalError wraps a failure reported by an external system.
func NewExternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassExternal,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithStack adds stack context to an error.
func (e *EngineError) WithStack(stack string) *EngineError {
	e.Stack = stack
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsDeclaration returns true if the error happened while declaring resources.
func IsDeclaration(err error) bool {
	return ClassOf(err) == ErrorClassDeclaration
}

// IsSynthesis returns true if the error happened while synthesizing a template.
func IsSynthesis(err error) bool {
	return ClassOf(err) == ErrorClassSynthesis
}

// IsExternal returns true if the error was reported by an external system.
func IsExternal(err error) bool {
	return ClassOf(err) == ErrorClassExternal
}

// IsValidation returns true if the error carries the validation code, regardless of class.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// CodeOf returns the code of the first EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf returns the class of the first EngineError in the chain.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeCycle            = "CIRCULAR_DEPENDENCY"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodePolicyViolation  = "POLICY_VIOLATION"
)
