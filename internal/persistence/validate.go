package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/taskerr"
	"github.com/google/uuid"
)

// lookupFunc loads a stored task by id.
type lookupFunc func(ctx context.Context, id string) (*scheduler.Task, error)

// resolveRoot fills in ids, root ids and defaults for a batch of new tasks
// and returns the root they all belong to.
func resolveRoot(ctx context.Context, batch []*scheduler.Task, lookup lookupFunc, now time.Time) (string, error) {
	if len(batch) == 0 {
		return "", taskerr.Validation("tasks", "tree must contain at least one task")
	}

	byID := make(map[string]*scheduler.Task, len(batch))
	for _, t := range batch {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if _, dup := byID[t.ID]; dup {
			return "", &taskerr.ConflictError{Kind: "task", Key: t.ID, Msg: "duplicate task id in tree"}
		}
		byID[t.ID] = t

		if t.Status == "" {
			t.Status = scheduler.TaskPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = t.CreatedAt
		}
	}

	var rootOf func(t *scheduler.Task, depth int) (string, error)
	rootOf = func(t *scheduler.Task, depth int) (string, error) {
		if depth > len(batch) {
			return "", taskerr.Validation("parent_id", "task %q has a parent cycle", t.ID)
		}
		if t.ParentID == "" {
			return t.ID, nil
		}
		if parent, ok := byID[t.ParentID]; ok {
			return rootOf(parent, depth+1)
		}
		parent, err := lookup(ctx, t.ParentID)
		if errors.Is(err, ErrNotFound) {
			return "", taskerr.Validation("parent_id", "task %q references unknown parent %q", t.ID, t.ParentID)
		}
		if err != nil {
			return "", err
		}
		return parent.RootID, nil
	}

	rootID := ""
	for _, t := range batch {
		r, err := rootOf(t, 0)
		if err != nil {
			return "", err
		}
		if t.RootID != "" && t.RootID != r {
			return "", taskerr.Validation("root_id", "task %q declares root %q but belongs to %q", t.ID, t.RootID, r)
		}
		t.RootID = r
		if rootID == "" {
			rootID = r
		} else if rootID != r {
			return "", taskerr.Validation("root_id", "tasks of one batch must share a root (%q and %q)", rootID, r)
		}
	}
	return rootID, nil
}

// validateBatch checks new tasks against each other and the stored members
// of their tree. It returns the stored tasks that gain their first child.
func validateBatch(batch, existing []*scheduler.Task) ([]string, error) {
	stored := scheduler.IndexByID(existing)
	for _, t := range batch {
		if _, ok := stored[t.ID]; ok {
			return nil, &taskerr.ConflictError{Kind: "task", Key: t.ID, Msg: "task already exists"}
		}
	}

	tree := append(append([]*scheduler.Task(nil), existing...), batch...)
	byID := scheduler.IndexByID(tree)

	var newParents []string
	for _, t := range batch {
		if err := scheduler.CheckRecord(t); err != nil {
			return nil, err
		}
		if t.ParentID != "" {
			parent, ok := byID[t.ParentID]
			if !ok {
				return nil, taskerr.Validation("parent_id", "task %q references unknown parent %q", t.ID, t.ParentID)
			}
			parent.HasChildren = true
			if _, isStored := stored[parent.ID]; isStored {
				newParents = append(newParents, parent.ID)
			}
		}
		if err := scheduler.ValidateReferences(t.ID, t.Dependencies, tree); err != nil {
			return nil, err
		}
	}

	for _, t := range batch {
		if err := scheduler.DetectCycles(t.ID, t.Dependencies, tree); err != nil {
			return nil, err
		}
	}
	return newParents, nil
}

// applyUserUpdate validates an edit against the task's tree and applies it.
func applyUserUpdate(task *scheduler.Task, upd scheduler.TaskUpdate, tree []*scheduler.Task, now time.Time) error {
	if running := scheduler.FindExecutingDependents(task.ID, tree); len(running) > 0 {
		return &taskerr.ConflictError{Kind: "task", Key: task.ID, Msg: fmt.Sprintf("dependent task %q is executing", running[0])}
	}
	return scheduler.ApplyUpdate(task, upd, tree, now)
}
