// Package orchestrator runs task trees: it builds them from definitions,
// dispatches ready tasks to executors and reports what happened.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/executor"
	"github.com/aristath/taskflow/internal/hooks"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/streaming"
	"github.com/aristath/taskflow/internal/taskerr"
	"github.com/google/uuid"
)

// Config wires the manager to its collaborators.
type Config struct {
	Store       persistence.Store
	Executors   *executor.Registry
	Hooks       *hooks.Pipeline         // Optional
	Tracker     *scheduler.Tracker      // Defaults to scheduler.DefaultTracker
	Sink        streaming.Sink          // Default sink for runs without WithSink
	Concurrency int                     // Max concurrent tasks per run (default 4)
	FailFast    bool                    // Default fail-fast policy
	Retry       *RetryConfig            // Nil disables retries
	Breakers    *CircuitBreakerRegistry // Nil disables circuit breaking

	ReporterOptions []streaming.Option
}

// Manager creates, runs, edits and cancels task trees.
type Manager struct {
	cfg   Config
	trees *scheduler.KeyedLock

	mu   sync.Mutex
	runs map[string]*run // rootID -> active run
	wg   sync.WaitGroup  // background runs
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Tracker == nil {
		cfg.Tracker = scheduler.DefaultTracker
	}

	return &Manager{
		cfg:   cfg,
		trees: scheduler.NewKeyedLock(),
		runs:  make(map[string]*run),
	}
}

// Tracker returns the tracker recording executing task ids.
func (m *Manager) Tracker() *scheduler.Tracker {
	return m.cfg.Tracker
}

// DependencyDef references another definition of the same tree by key.
// Required defaults to true.
type DependencyDef struct {
	ID       string `json:"id"`
	Required *bool  `json:"required,omitempty"`
}

// TaskDefinition describes one task of a tree to create. ID is a local key
// other definitions use in ParentID and Dependencies; when empty the name is
// the key. Stored tasks get generated ids.
type TaskDefinition struct {
	ID           string             `json:"id,omitempty"`
	ParentID     string             `json:"parent_id,omitempty"`
	UserID       string             `json:"user_id,omitempty"`
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Priority     int                `json:"priority,omitempty"`
	Dependencies []DependencyDef    `json:"dependencies,omitempty"`
	Inputs       map[string]any     `json:"inputs,omitempty"`
	Params       map[string]any     `json:"params,omitempty"`
	Role         scheduler.TaskRole `json:"role,omitempty"`
	AllowPartial bool               `json:"allow_partial,omitempty"`
}

func (d TaskDefinition) key() string {
	if d.ID != "" {
		return d.ID
	}
	return d.Name
}

// CreateTree turns definitions into a persisted tree with generated ids and
// resolved dependencies. Exactly one definition must be the root. Nothing is
// stored if any definition is invalid.
func (m *Manager) CreateTree(ctx context.Context, defs []TaskDefinition) ([]*scheduler.Task, error) {
	if len(defs) == 0 {
		return nil, taskerr.Validation("tasks", "tree must contain at least one task")
	}

	ids := make(map[string]string, len(defs)) // key -> generated id
	roots := 0
	for _, def := range defs {
		key := def.key()
		if strings.TrimSpace(key) == "" {
			return nil, taskerr.Validation("name", "task definition has neither id nor name")
		}
		if _, dup := ids[key]; dup {
			return nil, taskerr.Validation("id", "duplicate task key %q", key)
		}
		ids[key] = uuid.NewString()
		if def.ParentID == "" {
			roots++
		}
	}
	if roots != 1 {
		return nil, taskerr.Validation("parent_id", "tree must have exactly one root, found %d", roots)
	}

	now := time.Now()
	tasks := make([]*scheduler.Task, 0, len(defs))
	for i, def := range defs {
		task := &scheduler.Task{
			ID:           ids[def.key()],
			UserID:       def.UserID,
			Name:         def.Name,
			Type:         def.Type,
			Status:       scheduler.TaskPending,
			Priority:     def.Priority,
			Inputs:       def.Inputs,
			Params:       def.Params,
			Role:         def.Role,
			AllowPartial: def.AllowPartial,
			// Offsets keep definition order as the tie-breaker
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
		task.UpdatedAt = task.CreatedAt

		if def.ParentID != "" {
			parentID, ok := ids[def.ParentID]
			if !ok {
				return nil, taskerr.Validation("parent_id", "task %q references unknown parent %q", def.key(), def.ParentID)
			}
			task.ParentID = parentID
		}
		for _, dep := range def.Dependencies {
			depID, ok := ids[dep.ID]
			if !ok {
				return nil, &taskerr.ReferenceError{TaskID: def.key(), DependencyID: dep.ID, Reason: "no such task in the same tree"}
			}
			required := dep.Required == nil || *dep.Required
			task.Dependencies = append(task.Dependencies, scheduler.Dependency{ID: depID, Required: required})
		}
		if m.cfg.Executors != nil {
			if schema, ok := m.cfg.Executors.Schema(def.Type); ok && schema != nil {
				task.Schemas = schema
			}
		}
		tasks = append(tasks, task)
	}

	if err := m.cfg.Store.CreateTaskTree(ctx, tasks); err != nil {
		return nil, err
	}
	log.Printf("Created tree %s with %d tasks", tasks[0].RootID, len(tasks))
	return tasks, nil
}

// CloneTree stores a fresh pending copy of the tree rooted at rootID and
// returns it. Relative creation order and priorities are preserved.
func (m *Manager) CloneTree(ctx context.Context, rootID string) ([]*scheduler.Task, error) {
	root, err := m.cfg.Store.GetTaskByID(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tree %s: %w", rootID, err)
	}
	tree, err := m.cfg.Store.GetAllTasksInTree(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to load tree %s: %w", rootID, err)
	}
	if len(tree) == 0 {
		return nil, fmt.Errorf("%w: tree %s is empty", persistence.ErrNotFound, rootID)
	}

	ids := make(map[string]string, len(tree))
	earliest := tree[0].CreatedAt
	for _, t := range tree {
		ids[t.ID] = uuid.NewString()
		if t.CreatedAt.Before(earliest) {
			earliest = t.CreatedAt
		}
	}

	now := time.Now()
	clones := make([]*scheduler.Task, 0, len(tree))
	for _, t := range tree {
		src := scheduler.CloneTask(t)
		c := &scheduler.Task{
			ID:           ids[t.ID],
			ParentID:     ids[t.ParentID],
			UserID:       t.UserID,
			Name:         t.Name,
			Type:         t.Type,
			Status:       scheduler.TaskPending,
			Priority:     t.Priority,
			Inputs:       src.Inputs,
			Params:       src.Params,
			Schemas:      src.Schemas,
			Role:         t.Role,
			AllowPartial: t.AllowPartial,
			CreatedAt:    now.Add(t.CreatedAt.Sub(earliest)),
		}
		if t.Role == scheduler.RoleAggregate && c.Inputs != nil {
			delete(c.Inputs, "results")
			delete(c.Inputs, "errors")
		}
		c.UpdatedAt = c.CreatedAt
		for _, dep := range t.Dependencies {
			c.Dependencies = append(c.Dependencies, scheduler.Dependency{ID: ids[dep.ID], Required: dep.Required})
		}
		clones = append(clones, c)
	}

	if err := m.cfg.Store.CreateTaskTree(ctx, clones); err != nil {
		return nil, fmt.Errorf("failed to store clone of %s: %w", rootID, err)
	}
	return clones, nil
}

// UpdateTask applies a user edit. Edits are rejected while the task or any
// task depending on it is executing. In a running tree the edit is checked
// and stored by the run's loop, so a pending task picks it up before
// dispatch and never changes underneath an executor.
func (m *Manager) UpdateTask(ctx context.Context, taskID string, upd scheduler.TaskUpdate) (*scheduler.Task, error) {
	if m.cfg.Tracker.IsRunning(taskID) {
		return nil, &taskerr.ConflictError{Kind: "task", Key: taskID, Msg: "task is executing"}
	}

	if r := m.runFor(taskID); r != nil {
		rep, handled := r.submit(ctx, request{ctx: ctx, taskID: taskID, update: &upd})
		if handled {
			return rep.updated, rep.err
		}
	}
	return m.cfg.Store.UpdateTask(ctx, taskID, upd)
}

// Cancel requests cancellation of a task. Pending tasks are cancelled at
// once. Executing tasks are asked through the executor's own Cancel, falling
// back to a context checkpoint; executors that are not cancelable finish
// normally and the request is reported in their final event.
func (m *Manager) Cancel(ctx context.Context, taskID string) (executor.CancelResult, error) {
	if r := m.runFor(taskID); r != nil {
		rep, handled := r.submit(ctx, request{taskID: taskID})
		if handled {
			return rep.result, rep.err
		}
	}

	task, err := m.cfg.Store.GetTaskByID(ctx, taskID)
	if err != nil {
		return executor.CancelResult{}, err
	}
	if task.Status.IsTerminal() {
		return executor.CancelResult{}, taskerr.Validation("status", "task %q is already %s", taskID, task.Status)
	}
	if _, err := m.cfg.Store.SaveStatus(ctx, taskID, scheduler.StatusUpdate{Status: scheduler.TaskCancelled, Error: "cancelled by request"}); err != nil {
		return executor.CancelResult{}, fmt.Errorf("failed to cancel task %s: %w", taskID, err)
	}
	return executor.CancelResult{Status: executor.CancelAccepted, Message: "task cancelled"}, nil
}

// RunTreeAsync validates and locks the tree, then executes it in the
// background. Errors found before the run starts are returned directly.
func (m *Manager) RunTreeAsync(ctx context.Context, rootID string, opts ...RunOption) error {
	r, err := m.prepare(ctx, rootID, opts)
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		summary, err := m.loop(r)
		if err != nil {
			log.Printf("WARNING: run of tree %s stopped: %v", r.rootID, err)
		}
		if summary != nil {
			log.Printf("Run of tree %s finished: %s", r.rootID, summary)
		}
	}()
	return nil
}

// Wait blocks until every background run has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Running returns the root ids of trees currently executing, sorted.
func (m *Manager) Running() []string {
	return m.trees.Held()
}

func (m *Manager) runFor(taskID string) *run {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runs {
		if _, ok := r.dag.Get(taskID); ok {
			return r
		}
	}
	return nil
}
