package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/taskflow/internal/executor"
)

// TypeSleep is the task type served by SleepExecutor.
const TypeSleep = "sleep"

// SleepExecutor waits for a duration in steps, reporting progress and
// checking for cancellation between steps.
type SleepExecutor struct {
	executor.Base
}

// NewSleep is the constructor for SleepExecutor.
func NewSleep(map[string]any) (executor.Executor, error) {
	return &SleepExecutor{}, nil
}

func (s *SleepExecutor) ID() string          { return "builtin.sleep" }
func (s *SleepExecutor) Name() string        { return "Sleep" }
func (s *SleepExecutor) Description() string { return "Waits for a duration" }

func (s *SleepExecutor) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"duration"},
		"properties": map[string]any{
			"duration": map[string]any{"type": "string"},
			"steps":    map[string]any{"type": "integer", "minimum": 1},
		},
	}
}

func (s *SleepExecutor) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	raw, _ := inputs["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	steps := 4
	switch v := inputs["steps"].(type) {
	case int:
		steps = v
	case float64:
		steps = int(v)
	}
	if steps < 1 {
		steps = 1
	}

	step := d / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
		executor.ReportProgress(ctx, float64(i)/float64(steps), fmt.Sprintf("step %d/%d", i, steps))
	}
	return map[string]any{"slept": d.String()}, nil
}
