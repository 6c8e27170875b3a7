package core

import "context"

// SubRunner pairs a private Runner, which does the work, with the Runner of
// its creator, which receives the results. It gives a component its own
// serialized worker while keeping result handling in the owner's context.
type SubRunner struct {
	runner  *Runner
	creator *Runner
}

// NewSubRunner captures the runner that owns ctx (or the registry default) as
// the creator and starts a private runner named name.
func NewSubRunner(ctx context.Context, reg *Registry, name string, opts ...RunnerOption) *SubRunner {
	return &SubRunner{
		creator: reg.CurrentRunner(ctx),
		runner:  reg.NewRunner(name, opts...),
	}
}

// Runner returns the private runner.
func (s *SubRunner) Runner() *Runner {
	return s.runner
}

// Creator returns the runner results are delivered on.
func (s *SubRunner) Creator() *Runner {
	return s.creator
}

// Enqueue runs task on the private runner and then calls handler with its
// outcome on the creator runner.
func (s *SubRunner) Enqueue(task TaskWithResult[any], handler ReplyWithResult[any]) error {
	return SubmitSub(s, task, handler)
}

// SubmitSub is the typed form of SubRunner.Enqueue.
func SubmitSub[T any](s *SubRunner, task TaskWithResult[T], handler ReplyWithResult[T]) error {
	return PostTaskAndReplyWithResult(s.runner, task, handler, s.creator)
}

// Shutdown requests an orderly shutdown of the private runner. Results of
// tasks queued before the call are still delivered to the creator.
func (s *SubRunner) Shutdown() {
	s.runner.OrderlyShutdown()
}
