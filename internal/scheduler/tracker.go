package scheduler

import (
	"sort"
	"sync"
)

// Tracker records which task ids are currently executing in this process.
type Tracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// DefaultTracker is the process-lifetime tracker. Components accept a
// *Tracker at construction; this is what the binary passes them.
var DefaultTracker = NewTracker()

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{running: make(map[string]struct{})}
}

// Start marks a task as running. It returns false if it already was.
func (t *Tracker) Start(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.running[taskID]; ok {
		return false
	}
	t.running[taskID] = struct{}{}
	return true
}

// Stop removes a task from the running set.
func (t *Tracker) Stop(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, taskID)
}

// IsRunning reports whether the task is executing.
func (t *Tracker) IsRunning(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[taskID]
	return ok
}

// ListRunning returns a sorted snapshot of running task ids.
func (t *Tracker) ListRunning() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.running))
	for id := range t.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of running tasks.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// Reset forgets every running task. Intended for tests.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = make(map[string]struct{})
}
