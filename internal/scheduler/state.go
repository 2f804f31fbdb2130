package scheduler

import (
	"strings"
	"time"

	"github.com/aristath/taskflow/internal/taskerr"
)

// transitions lists the allowed forward moves. Cancellation is reachable from
// every non-terminal state; failed is reachable from pending for tasks
// blocked by a failed dependency.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskCancelled, TaskFailed},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskCancelled},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyStatus validates a scheduler-owned update and applies it to task.
// Progress-only updates are allowed while a task is in progress.
func ApplyStatus(task *Task, upd StatusUpdate, now time.Time) error {
	if !upd.Status.Valid() {
		return taskerr.Validation("status", "unknown status %q", upd.Status)
	}

	sameInProgress := upd.Status == task.Status && task.Status == TaskInProgress
	if !sameInProgress && !CanTransition(task.Status, upd.Status) {
		return taskerr.Validation("status", "task %q cannot move from %s to %s", task.ID, task.Status, upd.Status)
	}

	if upd.Progress != nil {
		p := *upd.Progress
		if p < 0 || p > 1 {
			return taskerr.Validation("progress", "%v is outside [0,1]", p)
		}
		task.Progress = p
	}

	task.Status = upd.Status
	if upd.Inputs != nil {
		task.Inputs = upd.Inputs
	}
	if upd.StartedAt != nil {
		task.StartedAt = upd.StartedAt
	}

	switch upd.Status {
	case TaskCompleted:
		task.Result = upd.Result
		task.Error = ""
	case TaskFailed, TaskCancelled:
		task.Result = nil
		task.Error = upd.Error
	}

	if upd.Status.IsTerminal() {
		completed := now
		if upd.CompletedAt != nil {
			completed = *upd.CompletedAt
		}
		task.CompletedAt = &completed
	}

	task.UpdatedAt = now
	return nil
}

// ApplyUpdate validates a user edit against the task's tree and applies it.
// tree must contain every task sharing the task's root.
func ApplyUpdate(task *Task, upd TaskUpdate, tree []*Task, now time.Time) error {
	if task.Status == TaskInProgress {
		return &taskerr.ConflictError{Kind: "task", Key: task.ID, Msg: "task is executing"}
	}
	if task.Status.IsTerminal() {
		return taskerr.Validation("status", "task %q is %s and can no longer be edited", task.ID, task.Status)
	}

	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return taskerr.Validation("name", "must not be empty")
	}

	if upd.Dependencies != nil {
		deps := *upd.Dependencies
		if err := ValidateReferences(task.ID, deps, tree); err != nil {
			return err
		}
		if err := DetectCycles(task.ID, deps, tree); err != nil {
			return err
		}
		task.Dependencies = append([]Dependency(nil), deps...)
	}

	if upd.Inputs != nil {
		task.Inputs = upd.Inputs
	}
	if upd.Priority != nil {
		task.Priority = *upd.Priority
	}
	if upd.Name != nil {
		task.Name = *upd.Name
	}

	task.UpdatedAt = now
	return nil
}

// CheckRecord validates the static invariants of a single record.
func CheckRecord(task *Task) error {
	if task.ID == "" {
		return taskerr.Validation("id", "must not be empty")
	}
	if strings.TrimSpace(task.Name) == "" {
		return taskerr.Validation("name", "task %q has an empty name", task.ID)
	}
	if strings.TrimSpace(task.Type) == "" {
		return taskerr.Validation("type", "task %q has an empty type", task.ID)
	}
	if !task.Status.Valid() {
		return taskerr.Validation("status", "task %q has unknown status %q", task.ID, task.Status)
	}
	if task.Progress < 0 || task.Progress > 1 {
		return taskerr.Validation("progress", "task %q progress %v is outside [0,1]", task.ID, task.Progress)
	}
	if task.Result != nil && task.Error != "" {
		return taskerr.Validation("result", "task %q has both a result and an error", task.ID)
	}
	if task.ParentID == task.ID {
		return taskerr.Validation("parent_id", "task %q cannot be its own parent", task.ID)
	}
	return nil
}
