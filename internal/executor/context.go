package executor

import (
	"context"
)

// ProgressFunc receives progress reports from a running executor. fraction
// is nil when the report only carries a message.
type ProgressFunc func(fraction *float64, message string)

type progressKey struct{}

// WithProgress attaches a progress callback to ctx.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress publishes progress for the task running under ctx. The
// fraction is clamped to [0,1]. Without an attached callback it does nothing.
func ReportProgress(ctx context.Context, fraction float64, message string) {
	fn, ok := ctx.Value(progressKey{}).(ProgressFunc)
	if !ok || fn == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	fn(&fraction, message)
}

// ReportMessage publishes a message for the task running under ctx without
// changing its progress.
func ReportMessage(ctx context.Context, message string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(nil, message)
	}
}

// Cancelled is the cooperative cancellation predicate. Executors call it at
// the checkpoints where stopping is safe.
func Cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
