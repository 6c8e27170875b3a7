package runqueue

import (
	"context"

	"github.com/Swind/go-runqueue/core"
)

// Re-export commonly used types from core package for convenience.
// This allows users to import only the runqueue package for most use cases.

// Task is the unit of work (Closure)
type Task = core.Task

// TaskWithResult and ReplyWithResult for the result-returning task forms
type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

// TaskRunner is anything tasks can be posted to
type TaskRunner = core.TaskRunner

// Runner executes tasks one at a time on its own goroutine
type Runner = core.Runner

// RunnerConfig and RunnerOption configure runners
type RunnerConfig = core.RunnerConfig
type RunnerOption = core.RunnerOption

// Registry creates and tracks runners
type Registry = core.Registry

// RegistryOption configures a Registry
type RegistryOption = core.RegistryOption

// SlowServiceRunner runs blocking work on a bounded pool
type SlowServiceRunner = core.SlowServiceRunner

// SlowServiceConfig configures a SlowServiceRunner
type SlowServiceConfig = core.SlowServiceConfig

// SubRunner pairs a private runner with its creator
type SubRunner = core.SubRunner

// RepeatingTaskHandle controls the lifecycle of a repeating task
type RepeatingTaskHandle = core.RepeatingTaskHandle

// PanicError carries a recovered panic value
type PanicError = core.PanicError

// Errors returned by runners
var (
	ErrNilTask            = core.ErrNilTask
	ErrRunnerShuttingDown = core.ErrRunnerShuttingDown
	ErrRunnerTerminated   = core.ErrRunnerTerminated
	ErrSlowServiceClosed  = core.ErrSlowServiceClosed
)

// Registry options
var (
	WithLogger              = core.WithLogger
	WithMetrics             = core.WithMetrics
	WithPanicHandler        = core.WithPanicHandler
	WithRejectedTaskHandler = core.WithRejectedTaskHandler
	WithRunnerDefaults      = core.WithRunnerDefaults
	WithOnAllDrained        = core.WithOnAllDrained
)

// Runner options
var (
	WithBatchSize     = core.WithBatchSize
	WithQueueCapacity = core.WithQueueCapacity
)

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	return core.NewRegistry(opts...)
}

// NewSlowServiceRunner creates a pool whose results are delivered on resultRunner.
func NewSlowServiceRunner(resultRunner *Runner, cfg SlowServiceConfig) *SlowServiceRunner {
	return core.NewSlowServiceRunner(resultRunner, cfg)
}

// NewSubRunner creates a SubRunner whose creator is the runner owning ctx.
func NewSubRunner(ctx context.Context, reg *Registry, name string, opts ...RunnerOption) *SubRunner {
	return core.NewSubRunner(ctx, reg, name, opts...)
}

// Now runs task on r and waits for its result.
func Now[T any](ctx context.Context, r *Runner, task TaskWithResult[T]) (T, error) {
	return core.Now(ctx, r, task)
}

// EnqueueSlowTask runs work on s and hands its result to handler on the
// service's result runner.
func EnqueueSlowTask[T any](s *SlowServiceRunner, work TaskWithResult[T], handler ReplyWithResult[T]) error {
	return core.EnqueueSlowTask(s, work, handler)
}

// SubmitSub runs task on the sub-runner and replies on its creator.
func SubmitSub[T any](s *SubRunner, task TaskWithResult[T], handler ReplyWithResult[T]) error {
	return core.SubmitSub(s, task, handler)
}

// GetCurrentRunner retrieves the executing Runner from context
var GetCurrentRunner = core.GetCurrentRunner
