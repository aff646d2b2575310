// Package apperrors provides structured application errors with HTTP status mapping
// and the failure taxonomy shared by pipeline runs, actions and change sets.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	ErrArtifactUnavailable   = errors.New("artifact unavailable")
	ErrActionTimeout         = errors.New("action timeout")
	ErrActionExecutionFailed = errors.New("action execution failed")
	ErrChangeSetConflict     = errors.New("change set conflict")
	ErrChangeSetNotFound     = errors.New("change set not found")
	ErrCancelled             = errors.New("cancelled")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "stages", "source.owner")
	Resource string // For not found/conflict (e.g., "run", "stack")
	Op       string // Operation that failed (e.g., "docker.createContainer")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ArtifactUnavailable reports an action input that no earlier action produced.
func ArtifactUnavailable(name string) error {
	return &Error{
		Sentinel: ErrArtifactUnavailable,
		Message:  fmt.Sprintf("artifact %s is not available", name),
		Resource: "artifact",
	}
}

// ActionTimeout reports an action that exceeded its time budget.
func ActionTimeout(action string, timeout time.Duration) error {
	return &Error{
		Sentinel: ErrActionTimeout,
		Message:  fmt.Sprintf("action %s timed out after %s", action, timeout),
		Resource: "action",
	}
}

// ActionFailed reports a collaborator failure while executing an action.
// Causes that already carry a taxonomy sentinel keep it.
func ActionFailed(action string, cause error) error {
	return &Error{
		Sentinel: ErrActionExecutionFailed,
		Message:  fmt.Sprintf("action %s failed: %v", action, cause),
		Resource: "action",
		Op:       action,
		Cause:    cause,
	}
}

// ChangeSetConflict reports a stack that cannot accept the change set right now.
func ChangeSetConflict(stack, name, reason string) error {
	return &Error{
		Sentinel: ErrChangeSetConflict,
		Message:  fmt.Sprintf("change set %s on stack %s: %s", name, stack, reason),
		Resource: "stack",
	}
}

// ChangeSetNotFound reports an Execute against a change set that does not exist.
func ChangeSetNotFound(stack, name string) error {
	return &Error{
		Sentinel: ErrChangeSetNotFound,
		Message:  fmt.Sprintf("change set %s not found on stack %s", name, stack),
		Resource: "changeset",
	}
}

// Cancelled reports work that was stopped by an operator or shutdown.
func Cancelled(reason string) error {
	return &Error{
		Sentinel: ErrCancelled,
		Message:  reason,
	}
}

// KindOf returns the taxonomy name of err, used in logs, metrics and notifications.
// Taxonomy sentinels take precedence over the generic service sentinels.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, ErrArtifactUnavailable):
		return "ArtifactUnavailable"
	case errors.Is(err, ErrActionTimeout):
		return "ActionTimeout"
	case errors.Is(err, ErrChangeSetNotFound):
		return "ChangeSetNotFound"
	case errors.Is(err, ErrChangeSetConflict):
		return "ChangeSetConflict"
	case errors.Is(err, ErrActionExecutionFailed):
		return "ActionExecutionFailed"
	case errors.Is(err, ErrValidation):
		return "Validation"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	default:
		return "Internal"
	}
}
