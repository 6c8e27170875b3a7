package core

import "context"

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// TaskWithResult is a task that produces a value or fails.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the outcome of a TaskWithResult.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// =============================================================================
// WorkItem: tagged queue entry
// =============================================================================

type itemKind uint8

const (
	itemTask itemKind = iota
	itemShutdown
)

// WorkItem is a single queue entry. It is either an ordinary task or the
// shutdown signal consumed by the run loop.
type WorkItem struct {
	Task Task
	Name string
	kind itemKind

	// abort completes a synchronous call whose item is discarded unrun.
	abort func(error)
}

// NewTaskItem wraps task as a queue entry.
func NewTaskItem(task Task) WorkItem {
	return WorkItem{Task: task}
}

// NewNamedTaskItem wraps task with an explicit name used by history and metrics.
func NewNamedTaskItem(name string, task Task) WorkItem {
	return WorkItem{Task: task, Name: name}
}

// ShutdownSignal returns the entry that ends a Runner's loop.
func ShutdownSignal() WorkItem {
	return WorkItem{kind: itemShutdown}
}

// IsShutdown reports whether the item is the shutdown signal.
func (w WorkItem) IsShutdown() bool {
	return w.kind == itemShutdown
}

func (w WorkItem) valid() bool {
	return w.kind == itemShutdown || w.Task != nil
}

// =============================================================================
// TaskRunner: task submission interface
// =============================================================================

// TaskRunner is implemented by anything that accepts fire-and-forget tasks.
type TaskRunner interface {
	Enqueue(task Task) error
}

// =============================================================================
// Context Helper
// =============================================================================
type runnerKeyType struct{}

var runnerKey runnerKeyType

// GetCurrentRunner returns the Runner executing the task that owns ctx, or nil
// when ctx does not come from a Runner.
func GetCurrentRunner(ctx context.Context) *Runner {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(runnerKey).(*Runner); ok {
		return v
	}
	return nil
}

func withRunner(ctx context.Context, r *Runner) context.Context {
	return context.WithValue(ctx, runnerKey, r)
}
