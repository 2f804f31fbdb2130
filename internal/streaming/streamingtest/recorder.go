// Package streamingtest provides sinks for tests.
package streamingtest

import (
	"context"
	"sync"

	"github.com/aristath/taskflow/internal/events"
)

// Recorder is a sink that keeps every event it receives.
//
// Recorder is safe under concurrent Put calls.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	closed bool
}

// NewRecorder constructs a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Put appends the event.
func (r *Recorder) Put(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Close marks the recorder closed. Events are kept.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Events returns a snapshot copy of recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]events.Event, len(r.events))
	copy(cp, r.events)
	return cp
}

// ForTask returns the recorded events of one task, in order.
func (r *Recorder) ForTask(taskID string) []events.Event {
	var out []events.Event
	for _, ev := range r.Events() {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the event types of one task, in order.
func (r *Recorder) Types(taskID string) []events.Type {
	var out []events.Type
	for _, ev := range r.ForTask(taskID) {
		out = append(out, ev.Type)
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
