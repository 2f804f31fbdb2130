// Package executor defines the contract every task handler implements and
// the registry that maps task types to handler constructors.
package executor

import (
	"context"
)

// Executor runs tasks of one type.
type Executor interface {
	ID() string
	Name() string
	Description() string

	// Execute runs the task. Long-running implementations should check
	// Cancelled(ctx) between steps and publish progress with ReportProgress.
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)

	// InputSchema returns a JSON Schema for the inputs, or nil for none.
	InputSchema() map[string]any
}

// CancelStatus is the outcome of a cancellation request.
type CancelStatus string

const (
	CancelAccepted    CancelStatus = "cancelled"     // Executor stopped or will stop at its next checkpoint
	CancelUnsupported CancelStatus = "not_supported" // Caller falls back to checkpoint cancellation
	CancelDeferred    CancelStatus = "deferred"      // Executor is not cancelable; request recorded
	CancelFailed      CancelStatus = "failed"
)

// CancelResult reports what a cancellation request did.
type CancelResult struct {
	Status        CancelStatus   `json:"status"`
	Message       string         `json:"message,omitempty"`
	PartialResult map[string]any `json:"partial_result,omitempty"`
}

// Canceler is implemented by executors that can interrupt their own work.
type Canceler interface {
	Cancel() CancelResult
}

// Cancelable is implemented by executors that must not be interrupted.
// Executors that do not implement it are treated as cancelable.
type Cancelable interface {
	Cancelable() bool
}

// Base supplies the optional parts of the contract. Embed it and override
// what the executor supports.
type Base struct{}

// Description returns an empty description.
func (Base) Description() string { return "" }

// InputSchema declares no input schema.
func (Base) InputSchema() map[string]any { return nil }

// Cancel reports that the executor has no cancellation hook of its own.
func (Base) Cancel() CancelResult {
	return CancelResult{Status: CancelUnsupported, Message: "cancellation not supported"}
}

// Cancelable reports true.
func (Base) Cancelable() bool { return true }

// IsCancelable reports whether ex may be interrupted mid-execution.
func IsCancelable(ex Executor) bool {
	if c, ok := ex.(Cancelable); ok {
		return c.Cancelable()
	}
	return true
}

// RequestCancel asks ex to stop through its own hook, if it has one.
func RequestCancel(ex Executor) CancelResult {
	if c, ok := ex.(Canceler); ok {
		return c.Cancel()
	}
	return Base{}.Cancel()
}
