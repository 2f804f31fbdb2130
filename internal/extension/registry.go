// Package extension keeps the catalogue of pluggable components: executors,
// storage backends and hooks. Each entry is keyed by a unique id and filed
// under a category.
package extension

import (
	"strings"
	"sync"

	"github.com/aristath/taskflow/internal/taskerr"
)

// Category groups extensions by the role they play.
type Category string

const (
	CategoryExecutor Category = "executor"
	CategoryStorage  Category = "storage"
	CategoryHook     Category = "hook"
)

// Extension is one registered component.
type Extension struct {
	ID       string
	Category Category
	Type     string // Category-specific key, e.g. the task type an executor serves
	Impl     any
	Factory  any // Optional alternative constructor
}

// Registry stores extensions by id and keeps per-category insertion order.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]Extension
	byCategory map[Category][]string // category -> ids in insertion order
}

// Default is the process-lifetime registry. Consumers take a *Registry at
// construction so tests can pass a fresh one.
var Default = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[string]Extension),
		byCategory: make(map[Category][]string),
	}
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds ext. An existing id is replaced in place only when override is
// set. Ids that differ only by case or surrounding space collide within a
// category regardless of override.
func (r *Registry) Register(ext Extension, override bool) error {
	if strings.TrimSpace(ext.ID) == "" {
		return taskerr.Validation("id", "extension id must not be empty")
	}
	if ext.Category == "" {
		return taskerr.Validation("category", "extension %q has no category", ext.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[ext.ID]; ok {
		if !override {
			return &taskerr.ConflictError{Kind: "extension", Key: ext.ID}
		}
		if existing.Category != ext.Category {
			return &taskerr.ConflictError{Kind: "extension", Key: ext.ID, Msg: "registered under category " + string(existing.Category)}
		}
		r.byID[ext.ID] = ext
		return nil
	}

	key := normalize(ext.ID)
	for _, id := range r.byCategory[ext.Category] {
		if normalize(id) == key {
			return &taskerr.ConflictError{Kind: "extension", Key: ext.ID, Msg: "collides with " + id}
		}
	}

	r.byID[ext.ID] = ext
	r.byCategory[ext.Category] = append(r.byCategory[ext.Category], ext.ID)
	return nil
}

// Get returns the extension with the given id.
func (r *Registry) Get(id string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.byID[id]
	return ext, ok
}

// GetByType returns the first extension of a category with the given type.
func (r *Registry) GetByType(category Category, typ string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.byCategory[category] {
		if ext := r.byID[id]; ext.Type == typ {
			return ext, true
		}
	}
	return Extension{}, false
}

// ListByCategory returns the extensions of a category in insertion order.
func (r *Registry) ListByCategory(category Category) []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCategory[category]
	result := make([]Extension, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.byID[id])
	}
	return result
}

// Unregister removes an extension and reports whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ext, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	ids := r.byCategory[ext.Category]
	for i, existing := range ids {
		if existing == id {
			r.byCategory[ext.Category] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return true
}

// Count returns the number of registered extensions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Reset removes every extension.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]Extension)
	r.byCategory = make(map[Category][]string)
}
