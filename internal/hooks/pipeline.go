// Package hooks runs user callbacks around task execution. Hooks are best
// effort: an error or panic is logged and never affects the task.
package hooks

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/aristath/taskflow/internal/extension"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/google/uuid"
)

// PreHook runs after a task is marked in progress and before it executes.
type PreHook func(ctx context.Context, task *scheduler.Task) error

// PostHook runs after a task finished. result is nil when execErr is set.
type PostHook func(ctx context.Context, task *scheduler.Task, inputs, result map[string]any, execErr error) error

const (
	phasePre  = "pre"
	phasePost = "post"
)

type registered[T any] struct {
	id string
	fn T
}

// Pipeline holds pre and post hooks in registration order.
type Pipeline struct {
	mu   sync.RWMutex
	ext  *extension.Registry
	pre  []registered[PreHook]
	post []registered[PostHook]
}

// NewPipeline creates an empty pipeline. Registered hooks are recorded in ext
// under the hook category.
func NewPipeline(ext *extension.Registry) *Pipeline {
	if ext == nil {
		ext = extension.NewRegistry()
	}
	return &Pipeline{ext: ext}
}

// RegisterPreHook appends fn and returns its id.
func (p *Pipeline) RegisterPreHook(fn PreHook) string {
	id := p.record(phasePre, fn)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pre = append(p.pre, registered[PreHook]{id: id, fn: fn})
	return id
}

// RegisterPostHook appends fn and returns its id.
func (p *Pipeline) RegisterPostHook(fn PostHook) string {
	id := p.record(phasePost, fn)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.post = append(p.post, registered[PostHook]{id: id, fn: fn})
	return id
}

func (p *Pipeline) record(phase string, fn any) string {
	id := fmt.Sprintf("hook.%s.%s", phase, uuid.NewString())
	ext := extension.Extension{ID: id, Category: extension.CategoryHook, Type: phase, Impl: fn}
	if err := p.ext.Register(ext, false); err != nil {
		// uuid collisions are not expected; keep the hook usable regardless.
		log.Printf("WARNING: failed to record hook %s: %v", id, err)
	}
	return id
}

// Unregister removes a hook by id and reports whether it existed.
func (p *Pipeline) Unregister(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	found := false
	for i, h := range p.pre {
		if h.id == id {
			p.pre = append(p.pre[:i:i], p.pre[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		for i, h := range p.post {
			if h.id == id {
				p.post = append(p.post[:i:i], p.post[i+1:]...)
				found = true
				break
			}
		}
	}
	if found {
		p.ext.Unregister(id)
	}
	return found
}

// Len returns the number of pre and post hooks.
func (p *Pipeline) Len() (pre, post int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pre), len(p.post)
}

// Reset removes every hook.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range p.pre {
		p.ext.Unregister(h.id)
	}
	for _, h := range p.post {
		p.ext.Unregister(h.id)
	}
	p.pre = nil
	p.post = nil
}

// RunPre calls every pre hook in order with a copy of task.
func (p *Pipeline) RunPre(ctx context.Context, task *scheduler.Task) {
	p.mu.RLock()
	hooks := append([]registered[PreHook](nil), p.pre...)
	p.mu.RUnlock()

	for _, h := range hooks {
		safeCall(h.id, task.ID, func() error {
			return h.fn(ctx, scheduler.CloneTask(task))
		})
	}
}

// RunPost calls every post hook in order with a copy of task.
func (p *Pipeline) RunPost(ctx context.Context, task *scheduler.Task, inputs, result map[string]any, execErr error) {
	p.mu.RLock()
	hooks := append([]registered[PostHook](nil), p.post...)
	p.mu.RUnlock()

	for _, h := range hooks {
		safeCall(h.id, task.ID, func() error {
			return h.fn(ctx, scheduler.CloneTask(task), inputs, result, execErr)
		})
	}
}

func safeCall(hookID, taskID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: hook %s panicked on task %s: %v", hookID, taskID, r)
		}
	}()
	if err := fn(); err != nil {
		log.Printf("WARNING: hook %s failed on task %s: %v", hookID, taskID, err)
	}
}
