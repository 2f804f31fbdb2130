package builtin

import (
	"context"

	"github.com/aristath/taskflow/internal/executor"
)

// TypeNoop is the task type served by NoopExecutor.
const TypeNoop = "noop"

// NoopExecutor succeeds immediately with {"ok": true}. An "echo" input is
// copied into the result.
type NoopExecutor struct {
	executor.Base
}

// NewNoop is the constructor for NoopExecutor.
func NewNoop(map[string]any) (executor.Executor, error) {
	return &NoopExecutor{}, nil
}

func (n *NoopExecutor) ID() string          { return "builtin.noop" }
func (n *NoopExecutor) Name() string        { return "No-op" }
func (n *NoopExecutor) Description() string { return "Completes immediately" }

func (n *NoopExecutor) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	result := map[string]any{"ok": true}
	if echo, ok := inputs["echo"]; ok {
		result["echo"] = echo
	}
	return result, nil
}
