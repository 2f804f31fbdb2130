package scheduler

import (
	"sort"

	"github.com/aristath/taskflow/internal/taskerr"
)

// DFS colouring for cycle detection.
const (
	unvisited = iota
	onPath
	finished
)

// DetectCycles checks whether giving taskID the proposed dependencies would
// close a cycle in its tree. Every other task keeps its stored dependencies.
//
// The graph is rebuilt on every call. A node is finished once its subtree is
// explored without reaching the current path and is never walked again; a
// node met again while still on the path closes a cycle.
func DetectCycles(taskID string, proposed []Dependency, tree []*Task) error {
	names := make(map[string]string, len(tree)+1)
	graph := make(map[string][]string, len(tree)+1)
	order := []string{taskID}

	for _, t := range tree {
		names[t.ID] = t.Name
		if t.ID == taskID {
			continue
		}
		order = append(order, t.ID)
		graph[t.ID] = t.DependencyIDs()
	}
	if _, ok := names[taskID]; !ok {
		names[taskID] = taskID
	}
	proposedIDs := make([]string, 0, len(proposed))
	for _, dep := range proposed {
		proposedIDs = append(proposedIDs, dep.ID)
	}
	graph[taskID] = proposedIDs

	state := make(map[string]int, len(graph))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onPath
		path = append(path, id)

		for _, next := range graph[id] {
			switch state[next] {
			case onPath:
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				return append(cycle, next)
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		state[id] = finished
		return nil
	}

	for _, id := range order {
		if state[id] != unvisited {
			continue
		}
		if cycle := visit(id); cycle != nil {
			named := make([]string, len(cycle))
			for i, cid := range cycle {
				if name, ok := names[cid]; ok && name != "" {
					named[i] = name
				} else {
					named[i] = cid
				}
			}
			return &taskerr.CycleError{Path: named}
		}
	}
	return nil
}

// ValidateReferences checks that every proposed dependency names another task
// of the same tree exactly once.
func ValidateReferences(taskID string, proposed []Dependency, tree []*Task) error {
	known := make(map[string]bool, len(tree))
	for _, t := range tree {
		known[t.ID] = true
	}

	seen := make(map[string]bool, len(proposed))
	for _, dep := range proposed {
		switch {
		case dep.ID == "":
			return &taskerr.ReferenceError{TaskID: taskID, Reason: "dependency has no id"}
		case dep.ID == taskID:
			return &taskerr.ReferenceError{TaskID: taskID, DependencyID: dep.ID, Reason: "a task cannot depend on itself"}
		case !known[dep.ID]:
			return &taskerr.ReferenceError{TaskID: taskID, DependencyID: dep.ID, Reason: "no such task in the same tree"}
		case seen[dep.ID]:
			return &taskerr.ReferenceError{TaskID: taskID, DependencyID: dep.ID, Reason: "duplicate dependency"}
		}
		seen[dep.ID] = true
	}
	return nil
}

// FindExecutingDependents returns the ids of in-progress tasks that depend
// directly on taskID. Structural edits to taskID must wait for them.
func FindExecutingDependents(taskID string, tree []*Task) []string {
	var ids []string
	for _, t := range tree {
		if t.Status != TaskInProgress {
			continue
		}
		for _, dep := range t.Dependencies {
			if dep.ID == taskID {
				ids = append(ids, t.ID)
				break
			}
		}
	}
	return ids
}

// IsReady reports whether every required dependency of task is completed.
// Non-required dependencies never block.
func IsReady(task *Task, byID map[string]*Task) bool {
	for _, dep := range task.Dependencies {
		if !dep.Required {
			continue
		}
		d, ok := byID[dep.ID]
		if !ok || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// BlockingDependency returns the first required dependency that reached a
// terminal state other than completed. Such a task can never become ready.
func BlockingDependency(task *Task, byID map[string]*Task) (*Task, bool) {
	for _, dep := range task.Dependencies {
		if !dep.Required {
			continue
		}
		d, ok := byID[dep.ID]
		if !ok {
			continue
		}
		if d.Status == TaskFailed || d.Status == TaskCancelled {
			return d, true
		}
	}
	return nil, false
}

// IndexByID maps tasks by id.
func IndexByID(tasks []*Task) map[string]*Task {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

// AggregationMembers returns the ids an aggregating task collects results
// from: its dependencies, or its siblings when it declares none. A root
// aggregator without dependencies collects its children.
func AggregationMembers(task *Task, byID map[string]*Task) []string {
	if len(task.Dependencies) > 0 {
		return task.DependencyIDs()
	}

	var ids []string
	for id, t := range byID {
		if id == task.ID {
			continue
		}
		if task.ParentID != "" && t.ParentID == task.ParentID {
			ids = append(ids, id)
		} else if task.ParentID == "" && t.ParentID == task.ID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AggregationReady reports whether every member of an aggregating task has
// reached a terminal state.
func AggregationReady(task *Task, byID map[string]*Task) bool {
	for _, id := range AggregationMembers(task, byID) {
		m, ok := byID[id]
		if !ok || !m.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Dispatchable reports whether a pending task may start: aggregators once
// their members are terminal, everything else once IsReady holds.
// Aggregators are exempt from the completed-dependency rule: they start
// even when a required member failed, and the aggregation policy (fail, or
// partial results with AllowPartial) decides their outcome.
func Dispatchable(task *Task, byID map[string]*Task) bool {
	if task.Role == RoleAggregate {
		return AggregationReady(task, byID)
	}
	return IsReady(task, byID)
}
