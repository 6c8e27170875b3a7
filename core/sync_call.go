package core

import (
	"context"
	"runtime/debug"
)

// syncCall is the envelope shared by a Now caller and the target runner.
// The runner writes result and err before closing done; the caller reads them
// only after done is closed.
type syncCall struct {
	task     TaskWithResult[any]
	done     chan struct{}
	result   any
	err      error
	finished bool
}

func (c *syncCall) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if c.finished {
			return
		}
		rec := recover()
		switch {
		case rec == nil:
			// runtime.Goexit inside the task
			c.err = ErrRunnerTerminated
		case IsFatal(rec):
			c.err = rec.(error)
			panic(rec)
		default:
			c.err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()

	c.result, c.err = c.task(ctx)
	c.finished = true
}

func (c *syncCall) abort(err error) {
	c.err = err
	close(c.done)
}

// Now runs task on this runner's worker, inside its execution context, and
// blocks until it completes. The task's result and error are returned to the
// caller; a panic in the task is returned as *PanicError. Writes made by the
// caller before Now are visible to the task, and the task's writes are visible
// to the caller after Now returns.
//
// Calling Now with a ctx that already belongs to this runner runs task inline.
// If ctx ends first, ctx.Err() is returned and the task may still run later.
func (r *Runner) Now(ctx context.Context, task TaskWithResult[any]) (any, error) {
	if task == nil {
		return nil, ErrNilTask
	}

	call := &syncCall{task: task, done: make(chan struct{})}

	if GetCurrentRunner(ctx) == r {
		call.run(ctx)
		return call.result, call.err
	}

	item := WorkItem{Task: call.run, Name: "now", abort: call.abort}
	if err := r.enqueueItem(item); err != nil {
		return nil, err
	}

	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Now is the typed form of Runner.Now.
//
// Example:
//
//	count, err := core.Now(ctx, worldRunner, func(ctx context.Context) (int, error) {
//		return len(world.players), nil
//	})
func Now[T any](ctx context.Context, r *Runner, task TaskWithResult[T]) (T, error) {
	var zero T
	if task == nil {
		return zero, ErrNilTask
	}

	v, err := r.Now(ctx, func(ctx context.Context) (any, error) {
		return task(ctx)
	})
	if v == nil {
		return zero, err
	}
	return v.(T), err
}
