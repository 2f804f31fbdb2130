// Package builtin provides the executors every taskflow process ships with.
package builtin

import (
	"fmt"

	"github.com/aristath/taskflow/internal/executor"
)

// Register adds the built-in executors to reg. pm tracks the subprocesses of
// the command executor and may be nil.
func Register(reg *executor.Registry, pm *ProcessManager) error {
	builtins := []struct {
		taskType string
		ctor     executor.Constructor
	}{
		{TypeNoop, NewNoop},
		{TypeAggregate, NewAggregate},
		{TypeSleep, NewSleep},
		{TypeCommand, NewCommandConstructor(pm)},
	}

	for _, b := range builtins {
		if err := reg.Register(b.taskType, b.ctor, nil, false); err != nil {
			return fmt.Errorf("failed to register builtin %q: %w", b.taskType, err)
		}
	}
	return nil
}
