// Package taskerr defines the error taxonomy shared by the registries, the
// dependency resolver and the task manager.
//
// Structural errors (ValidationError, ReferenceError, CycleError,
// ConflictError) are returned before any state is changed. Runtime errors
// (ExecutorNotFoundError, ExecutorInitError) end up as the failed task's
// error string and never stop the run.
package taskerr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a malformed task definition, executor or update.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError with a formatted reason.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ReferenceError reports a dependency that does not resolve to a task in the
// same tree.
type ReferenceError struct {
	TaskID       string
	DependencyID string
	Reason       string
}

func (e *ReferenceError) Error() string {
	if e.DependencyID == "" {
		return fmt.Sprintf("task %q has an invalid dependency: %s", e.TaskID, e.Reason)
	}
	return fmt.Sprintf("task %q depends on %q: %s", e.TaskID, e.DependencyID, e.Reason)
}

// CycleError reports a dependency cycle. Path lists task names in traversal
// order and repeats the first element at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

// ConflictError reports a duplicate registration or an edit that collides
// with running work.
type ConflictError struct {
	Kind string
	Key  string
	Msg  string
}

func (e *ConflictError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s %q conflict: %s", e.Kind, e.Key, e.Msg)
	}
	return fmt.Sprintf("%s %q is already registered", e.Kind, e.Key)
}

// ExecutorNotFoundError reports a task type without a registered executor.
type ExecutorNotFoundError struct {
	TaskType string
}

func (e *ExecutorNotFoundError) Error() string {
	return fmt.Sprintf("no executor registered for type %q", e.TaskType)
}

// ExecutorInitError wraps a failure to construct an executor instance.
type ExecutorInitError struct {
	TaskType string
	Err      error
}

func (e *ExecutorInitError) Error() string {
	return fmt.Sprintf("failed to initialize executor for type %q: %v", e.TaskType, e.Err)
}

func (e *ExecutorInitError) Unwrap() error { return e.Err }

// IsStructural reports whether err is rejected before any state change
// (validation, reference, cycle or conflict).
func IsStructural(err error) bool {
	var (
		v *ValidationError
		r *ReferenceError
		c *CycleError
		k *ConflictError
	)
	return errors.As(err, &v) || errors.As(err, &r) || errors.As(err, &c) || errors.As(err, &k)
}
