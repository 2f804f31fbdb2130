package events

import (
	"time"
)

// Type identifies what happened to a task.
type Type string

const (
	TypeTaskStart     Type = "task_start"
	TypeProgress      Type = "progress"
	TypeTaskCompleted Type = "task_completed"
	TypeTaskFailed    Type = "task_failed"
	TypeTaskCancelled Type = "task_cancelled"
	TypeFinal         Type = "final"
)

// Metadata keys set by the task manager.
const (
	MetaCancelRequested = "cancel_requested"
	MetaCancelDeferred  = "cancel_deferred"
	MetaBlockedBy       = "blocked_by"
	MetaExecutor        = "executor"
)

// Event is one progress report about a task.
type Event struct {
	Type      Type           `json:"type"`
	TaskID    string         `json:"task_id"`
	RootID    string         `json:"root_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Progress  *float64       `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Final     bool           `json:"final"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the event closes a task's lifecycle.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeTaskCompleted, TypeTaskFailed, TypeTaskCancelled, TypeFinal:
		return true
	}
	return false
}

// WithProgress returns a copy of e carrying progress p.
func (e Event) WithProgress(p float64) Event {
	e.Progress = &p
	return e
}
