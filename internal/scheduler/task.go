package scheduler

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting for dependencies
	TaskInProgress TaskStatus = "in_progress" // Currently executing
	TaskCompleted  TaskStatus = "completed"   // Finished successfully
	TaskFailed     TaskStatus = "failed"      // Finished with error, or blocked by a dependency
	TaskCancelled  TaskStatus = "cancelled"   // Cancelled before or during execution
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskRole marks tasks that get special treatment from the scheduler.
type TaskRole string

const (
	RoleNone      TaskRole = ""
	RoleAggregate TaskRole = "aggregate" // Collects results of sibling tasks
)

// Dependency references another task in the same tree.
type Dependency struct {
	ID       string `json:"id"`
	Required bool   `json:"required"`
}

// Task is the persisted unit of work.
type Task struct {
	ID           string         `json:"id"`
	ParentID     string         `json:"parent_id,omitempty"`
	RootID       string         `json:"root_id"`
	UserID       string         `json:"user_id,omitempty"`
	Name         string         `json:"name"`
	Type         string         `json:"type"` // Key into the executor registry
	Status       TaskStatus     `json:"status"`
	Priority     int            `json:"priority"` // Lower value runs first
	Dependencies []Dependency   `json:"dependencies,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`  // Passed to Execute
	Params       map[string]any `json:"params,omitempty"`  // Passed to the executor constructor
	Schemas      map[string]any `json:"schemas,omitempty"` // Declared input schema snapshot
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Progress     float64        `json:"progress"`
	HasChildren  bool           `json:"has_children"`
	Role         TaskRole       `json:"role,omitempty"`
	AllowPartial bool           `json:"allow_partial,omitempty"` // Aggregation tolerates failed members

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == ""
}

// DependencyIDs returns the referenced task ids in declaration order.
func (t *Task) DependencyIDs() []string {
	ids := make([]string, 0, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		ids = append(ids, dep.ID)
	}
	return ids
}

// TaskUpdate carries the user-editable fields of a task. Nil fields are left
// unchanged. ID and ParentID are deliberately absent.
type TaskUpdate struct {
	Inputs       map[string]any `json:"inputs,omitempty"`
	Dependencies *[]Dependency  `json:"dependencies,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	Name         *string        `json:"name,omitempty"`
}

// StatusUpdate carries the scheduler-owned fields of a task.
type StatusUpdate struct {
	Status      TaskStatus
	Progress    *float64
	Result      map[string]any
	Error       string
	Inputs      map[string]any // Set when aggregation rewrites the inputs
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CloneTask returns a deep copy of the task.
func CloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.Dependencies != nil {
		cp.Dependencies = append([]Dependency(nil), task.Dependencies...)
	}
	cp.Inputs = cloneMap(task.Inputs)
	cp.Params = cloneMap(task.Params)
	cp.Schemas = cloneMap(task.Schemas)
	cp.Result = cloneMap(task.Result)
	if task.StartedAt != nil {
		ts := *task.StartedAt
		cp.StartedAt = &ts
	}
	if task.CompletedAt != nil {
		ts := *task.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			cp[k] = cloneMap(vv)
		case []any:
			cp[k] = append([]any(nil), vv...)
		default:
			cp[k] = v
		}
	}
	return cp
}
