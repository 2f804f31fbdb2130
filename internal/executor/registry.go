package executor

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/aristath/taskflow/internal/extension"
	"github.com/aristath/taskflow/internal/taskerr"
)

// Constructor builds an executor for one task. params are the task's
// constructor parameters; the registry test-builds every constructor with nil
// params at registration time.
type Constructor func(params map[string]any) (Executor, error)

// Info describes a registered executor.
type Info struct {
	Type        string         `json:"type"`
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Cancelable  bool           `json:"cancelable"`
}

type registration struct {
	ctor    Constructor
	factory Constructor
	info    Info
}

// Registry maps task types to executor constructors. Entries live in an
// extension.Registry under the executor category.
type Registry struct {
	mu  sync.Mutex // Serializes Register/Unregister check-then-act sequences
	ext *extension.Registry
}

// NewRegistry creates an executor registry backed by ext.
func NewRegistry(ext *extension.Registry) *Registry {
	if ext == nil {
		ext = extension.NewRegistry()
	}
	return &Registry{ext: ext}
}

// Register binds taskType to ctor. factory, when set, is used instead of ctor
// to build instances. Executor ids are unique across all types.
func (r *Registry) Register(taskType string, ctor Constructor, factory Constructor, override bool) error {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return taskerr.Validation("type", "task type must not be empty")
	}
	if ctor == nil {
		return taskerr.Validation("constructor", "executor for %q has no constructor", taskType)
	}

	info, err := inspect(taskType, ctor)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, hasType := r.ext.GetByType(extension.CategoryExecutor, taskType)
	if hasType && !override {
		return &taskerr.ConflictError{Kind: "executor type", Key: taskType}
	}
	if owner, ok := r.ext.Get(info.ID); ok && owner.Type != taskType {
		return &taskerr.ConflictError{Kind: "executor", Key: info.ID, Msg: fmt.Sprintf("id already serves type %q", owner.Type)}
	}

	entry := extension.Extension{
		ID:       info.ID,
		Category: extension.CategoryExecutor,
		Type:     taskType,
		Impl:     &registration{ctor: ctor, factory: factory, info: info},
	}
	if factory != nil {
		entry.Factory = factory
	}

	if hasType && current.ID != info.ID {
		r.ext.Unregister(current.ID)
	}
	if err := r.ext.Register(entry, override); err != nil {
		if hasType && current.ID != info.ID {
			// Restore the entry we displaced.
			_ = r.ext.Register(current, false)
		}
		return fmt.Errorf("failed to register executor %q: %w", info.ID, err)
	}

	log.Printf("Registered executor %q for type %q", info.ID, taskType)
	return nil
}

// inspect builds a throwaway instance and checks the capability set.
func inspect(taskType string, ctor Constructor) (Info, error) {
	ex, err := ctor(nil)
	if err != nil {
		return Info{}, taskerr.Validation("constructor", "test build of %q failed: %v", taskType, err)
	}
	if ex == nil {
		return Info{}, taskerr.Validation("constructor", "test build of %q returned nil", taskType)
	}
	if strings.TrimSpace(ex.ID()) == "" {
		return Info{}, taskerr.Validation("id", "executor for %q has an empty id", taskType)
	}
	if strings.TrimSpace(ex.Name()) == "" {
		return Info{}, taskerr.Validation("name", "executor %q has an empty name", ex.ID())
	}

	schema := ex.InputSchema()
	if _, err := CompileSchema(schema); err != nil {
		return Info{}, taskerr.Validation("input_schema", "executor %q: %v", ex.ID(), err)
	}

	return Info{
		Type:        taskType,
		ID:          ex.ID(),
		Name:        ex.Name(),
		Description: ex.Description(),
		InputSchema: schema,
		Cancelable:  IsCancelable(ex),
	}, nil
}

// GetExecutor builds an executor instance for taskType.
func (r *Registry) GetExecutor(taskType string, params map[string]any) (Executor, error) {
	reg, ok := r.lookup(taskType)
	if !ok {
		return nil, &taskerr.ExecutorNotFoundError{TaskType: taskType}
	}

	build := reg.ctor
	if reg.factory != nil {
		build = reg.factory
	}

	ex, err := build(params)
	if err != nil {
		return nil, &taskerr.ExecutorInitError{TaskType: taskType, Err: err}
	}
	if ex == nil {
		return nil, &taskerr.ExecutorInitError{TaskType: taskType, Err: errors.New("constructor returned nil")}
	}
	return ex, nil
}

func (r *Registry) lookup(taskType string) (*registration, bool) {
	ext, ok := r.ext.GetByType(extension.CategoryExecutor, taskType)
	if !ok {
		return nil, false
	}
	reg, ok := ext.Impl.(*registration)
	return reg, ok
}

// IsRegistered reports whether taskType has an executor.
func (r *Registry) IsRegistered(taskType string) bool {
	_, ok := r.lookup(taskType)
	return ok
}

// Unregister removes the executor for taskType and reports whether one existed.
func (r *Registry) Unregister(taskType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ext, ok := r.ext.GetByType(extension.CategoryExecutor, taskType)
	if !ok {
		return false
	}
	return r.ext.Unregister(ext.ID)
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	exts := r.ext.ListByCategory(extension.CategoryExecutor)
	types := make([]string, 0, len(exts))
	for _, ext := range exts {
		types = append(types, ext.Type)
	}
	sort.Strings(types)
	return types
}

// Describe returns the registered executors sorted by type.
func (r *Registry) Describe() []Info {
	exts := r.ext.ListByCategory(extension.CategoryExecutor)
	infos := make([]Info, 0, len(exts))
	for _, ext := range exts {
		if reg, ok := ext.Impl.(*registration); ok {
			infos = append(infos, reg.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Schema returns the declared input schema for taskType.
func (r *Registry) Schema(taskType string) (map[string]any, bool) {
	reg, ok := r.lookup(taskType)
	if !ok {
		return nil, false
	}
	return reg.info.InputSchema, true
}

// Reset removes every executor. Other extension categories are untouched.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ext := range r.ext.ListByCategory(extension.CategoryExecutor) {
		r.ext.Unregister(ext.ID)
	}
}
