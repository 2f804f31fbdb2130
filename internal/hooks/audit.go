package hooks

import (
	"context"
	"log"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
)

// Logger is the subset of *log.Logger the audit hooks need.
type Logger interface {
	Printf(format string, v ...any)
}

// AuditHooks returns a pre/post pair that logs every task start and finish.
// A nil logger uses the standard logger.
func AuditHooks(logger Logger) (PreHook, PostHook) {
	if logger == nil {
		logger = log.Default()
	}

	pre := func(ctx context.Context, task *scheduler.Task) error {
		logger.Printf("task start: id=%s name=%q type=%s priority=%d", task.ID, task.Name, task.Type, task.Priority)
		return nil
	}

	post := func(ctx context.Context, task *scheduler.Task, inputs, result map[string]any, execErr error) error {
		var elapsed time.Duration
		if task.StartedAt != nil {
			elapsed = time.Since(*task.StartedAt).Round(time.Millisecond)
		}
		if execErr != nil {
			logger.Printf("task failed: id=%s name=%q elapsed=%s error=%v", task.ID, task.Name, elapsed, execErr)
			return nil
		}
		logger.Printf("task complete: id=%s name=%q elapsed=%s keys=%d", task.ID, task.Name, elapsed, len(result))
		return nil
	}

	return pre, post
}
