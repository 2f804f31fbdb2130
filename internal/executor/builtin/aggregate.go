package builtin

import (
	"context"

	"github.com/aristath/taskflow/internal/executor"
)

// TypeAggregate is the task type served by AggregateExecutor.
const TypeAggregate = "aggregate_results"

// AggregateExecutor returns the member results and errors the scheduler
// merged into its inputs. It is not cancelable; it never blocks.
type AggregateExecutor struct {
	executor.Base
}

// NewAggregate is the constructor for AggregateExecutor.
func NewAggregate(map[string]any) (executor.Executor, error) {
	return &AggregateExecutor{}, nil
}

func (a *AggregateExecutor) ID() string   { return "builtin.aggregate_results" }
func (a *AggregateExecutor) Name() string { return "Aggregate results" }

func (a *AggregateExecutor) Description() string {
	return "Collects the results of the tasks it aggregates"
}

func (a *AggregateExecutor) Cancelable() bool { return false }

func (a *AggregateExecutor) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	results, _ := inputs["results"].(map[string]any)
	if results == nil {
		results = map[string]any{}
	}
	errs, _ := inputs["errors"].(map[string]any)
	if errs == nil {
		errs = map[string]any{}
	}

	return map[string]any{
		"results":   results,
		"errors":    errs,
		"succeeded": len(results),
		"failed":    len(errs),
	}, nil
}
