package core

import (
	"context"
	"runtime/debug"
)

// =============================================================================
// PostTaskAndReply
// =============================================================================

// PostTaskAndReply executes task on targetRunner, then posts reply to
// replyRunner. If task panics, the panic is reported on targetRunner and reply
// is not posted. A nil replyRunner just enqueues task.
func PostTaskAndReply(targetRunner *Runner, task Task, reply Task, replyRunner TaskRunner) error {
	if task == nil || reply == nil {
		return ErrNilTask
	}
	if replyRunner == nil {
		return targetRunner.Enqueue(task)
	}

	wrappedTask := func(ctx context.Context) {
		task(ctx)
		if err := replyRunner.Enqueue(reply); err != nil {
			targetRunner.Logger().Warn("reply dropped",
				F("runner", targetRunner.Name()),
				F("error", err),
			)
		}
	}
	return targetRunner.Enqueue(wrappedTask)
}

// =============================================================================
// Generic PostTaskAndReply with Result
// =============================================================================

// PostTaskAndReplyWithResult executes a task that returns a result of type T and an error,
// then passes that result to a reply callback on the replyRunner.
//
// Unlike PostTaskAndReply, a panicking task still produces a reply: the panic
// is delivered as a *PanicError so the reply side always learns the outcome.
//
// Execution guarantee (Happens-Before):
// - The task ALWAYS completes before the reply starts
// - The reply ALWAYS sees the final values written by the task
//
// Example:
//
//	PostTaskAndReplyWithResult(
//	    backgroundRunner,
//	    func(ctx context.Context) (int, error) {
//	        return len("Hello"), nil
//	    },
//	    func(ctx context.Context, length int, err error) {
//	        fmt.Printf("Length: %d\n", length)
//	    },
//	    worldRunner,
//	)
func PostTaskAndReplyWithResult[T any](
	targetRunner *Runner,
	task TaskWithResult[T],
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
) error {
	if task == nil || reply == nil {
		return ErrNilTask
	}

	// Captured by both closures; the enqueue of wrappedReply orders the writes.
	var result T
	var err error

	wrappedReply := func(ctx context.Context) {
		reply(ctx, result, err)
	}

	wrappedTask := func(ctx context.Context) {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					if IsFatal(rec) {
						panic(rec)
					}
					err = &PanicError{Value: rec, Stack: debug.Stack()}
				}
			}()
			result, err = task(ctx)
		}()

		if replyRunner == nil {
			return
		}
		if rerr := replyRunner.Enqueue(wrappedReply); rerr != nil {
			targetRunner.Logger().Warn("reply dropped",
				F("runner", targetRunner.Name()),
				F("error", rerr),
			)
		}
	}

	return targetRunner.Enqueue(wrappedTask)
}
