package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/taskerr"
	"github.com/gammazero/toposort"
)

// DAG holds the scheduling state of one tree for the duration of a run.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// NewDAGFromTasks builds a DAG from copies of the given tasks.
func NewDAGFromTasks(tasks []*Task) (*DAG, error) {
	d := NewDAG()
	for _, t := range tasks {
		if err := d.AddTask(CloneTask(t)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddTask adds a task to the DAG. Returns error if task ID already exists.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return &taskerr.ConflictError{Kind: "task", Key: task.ID, Msg: "duplicate task id in tree"}
	}

	d.tasks[task.ID] = task
	for _, dep := range task.Dependencies {
		d.dependents[dep.ID] = append(d.dependents[dep.ID], task.ID)
	}
	return nil
}

// Validate checks references and returns a topological order of task IDs.
// A cycle reported by the sort is re-diagnosed to name the tasks on it.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tree := d.snapshotLocked()
	for _, task := range tree {
		if err := ValidateReferences(task.ID, task.Dependencies, tree); err != nil {
			return nil, err
		}
	}

	var edges []toposort.Edge
	for _, task := range tree {
		if len(task.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, task.ID})
			continue
		}
		for _, dep := range task.Dependencies {
			// Edge (dep, task) means dep must come before task
			edges = append(edges, toposort.Edge{dep.ID, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		for _, task := range tree {
			if cerr := DetectCycles(task.ID, task.Dependencies, tree); cerr != nil {
				return nil, cerr
			}
		}
		return nil, fmt.Errorf("failed to order tasks: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for id := range d.tasks {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Ready returns copies of the pending tasks that may start (see Dispatchable),
// most urgent first: lower priority value, then older, then by id.
func (d *DAG) Ready() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []*Task
	for _, task := range d.tasks {
		if task.Status != TaskPending {
			continue
		}
		if Dispatchable(task, d.tasks) {
			ready = append(ready, CloneTask(task))
		}
	}
	SortByUrgency(ready)
	return ready
}

// BlockedTask pairs a pending task with the dependency that can no longer
// complete.
type BlockedTask struct {
	Task       *Task
	Dependency *Task
}

// Blocked returns the pending tasks that can never become ready because a
// required dependency failed or was cancelled. Aggregators are never blocked;
// they run once their members are terminal.
func (d *DAG) Blocked() []BlockedTask {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var blocked []BlockedTask
	for _, task := range d.tasks {
		if task.Status != TaskPending || task.Role == RoleAggregate {
			continue
		}
		if dep, ok := BlockingDependency(task, d.tasks); ok {
			blocked = append(blocked, BlockedTask{Task: CloneTask(task), Dependency: CloneTask(dep)})
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].Task.ID < blocked[j].Task.ID })
	return blocked
}

// Pending returns copies of all tasks still pending, sorted by id.
func (d *DAG) Pending() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var pending []*Task
	for _, task := range d.tasks {
		if task.Status == TaskPending {
			pending = append(pending, CloneTask(task))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return pending
}

// MarkRunning moves a pending task to in progress.
func (d *DAG) MarkRunning(taskID string, now time.Time) error {
	return d.apply(taskID, StatusUpdate{Status: TaskInProgress, StartedAt: &now}, now)
}

// MarkCompleted records the result of a successful task.
func (d *DAG) MarkCompleted(taskID string, result map[string]any, now time.Time) error {
	one := 1.0
	return d.apply(taskID, StatusUpdate{Status: TaskCompleted, Result: result, Progress: &one}, now)
}

// MarkFailed records a failure. Pending tasks may fail when blocked.
func (d *DAG) MarkFailed(taskID string, err error, now time.Time) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return d.apply(taskID, StatusUpdate{Status: TaskFailed, Error: msg}, now)
}

// MarkCancelled records a cancellation.
func (d *DAG) MarkCancelled(taskID string, reason string, now time.Time) error {
	return d.apply(taskID, StatusUpdate{Status: TaskCancelled, Error: reason}, now)
}

// SetProgress updates the progress of an in-progress task.
func (d *DAG) SetProgress(taskID string, progress float64, now time.Time) error {
	return d.apply(taskID, StatusUpdate{Status: TaskInProgress, Progress: &progress}, now)
}

// SetInputs replaces the inputs of a task that has not finished.
func (d *DAG) SetInputs(taskID string, inputs map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	task.Inputs = cloneMap(inputs)
	return nil
}

func (d *DAG) apply(taskID string, upd StatusUpdate, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if upd.Status == TaskInProgress && task.Status == TaskPending && !Dispatchable(task, d.tasks) {
		return taskerr.Validation("status", "task %q has unfinished dependencies", taskID)
	}
	return ApplyStatus(task, upd, now)
}

// AggregationMembers returns copies of the members of an aggregating task.
func (d *DAG) AggregationMembers(taskID string) []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil
	}
	var members []*Task
	for _, id := range AggregationMembers(task, d.tasks) {
		if m, ok := d.tasks[id]; ok {
			members = append(members, CloneTask(m))
		}
	}
	return members
}

// ReplacePending swaps the editable fields of a pending task for those of
// edited: name, priority, inputs and dependencies.
func (d *DAG) ReplacePending(edited *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[edited.ID]
	if !exists {
		return fmt.Errorf("task %q not found", edited.ID)
	}
	if task.Status != TaskPending {
		return &taskerr.ConflictError{Kind: "task", Key: task.ID, Msg: "task is " + string(task.Status)}
	}

	for _, dep := range task.Dependencies {
		d.dependents[dep.ID] = removeID(d.dependents[dep.ID], task.ID)
	}
	task.Name = edited.Name
	task.Priority = edited.Priority
	task.Inputs = cloneMap(edited.Inputs)
	task.Dependencies = append([]Dependency(nil), edited.Dependencies...)
	for _, dep := range task.Dependencies {
		d.dependents[dep.ID] = append(d.dependents[dep.ID], task.ID)
	}
	task.UpdatedAt = edited.UpdatedAt
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return CloneTask(task), true
}

// Tasks returns copies of all tasks sorted by id.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := d.snapshotLocked()
	for i, t := range tasks {
		tasks[i] = CloneTask(t)
	}
	return tasks
}

// Dependents returns the ids of tasks that depend directly on taskID.
func (d *DAG) Dependents(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]string(nil), d.dependents[taskID]...)
}

// Counts returns the number of tasks per status.
func (d *DAG) Counts() map[TaskStatus]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[TaskStatus]int, 5)
	for _, task := range d.tasks {
		counts[task.Status]++
	}
	return counts
}

// Done reports whether every task reached a terminal state.
func (d *DAG) Done() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, task := range d.tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Order returns topologically sorted task IDs (calls Validate).
func (d *DAG) Order() ([]string, error) {
	return d.Validate()
}

// snapshotLocked returns the live tasks sorted by id. Caller holds d.mu.
func (d *DAG) snapshotLocked() []*Task {
	tasks := make([]*Task, 0, len(d.tasks))
	for _, task := range d.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// SortByUrgency orders tasks by priority, then creation time, then id.
func SortByUrgency(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
