package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNilTask is returned when a nil task is submitted.
	ErrNilTask = errors.New("runqueue: nil task")

	// ErrQueueClosed is returned by TaskQueue.Enqueue after Close.
	ErrQueueClosed = errors.New("runqueue: queue closed")

	// ErrRunnerShuttingDown is returned when work is submitted after OrderlyShutdown.
	ErrRunnerShuttingDown = errors.New("runqueue: runner is shutting down")

	// ErrRunnerTerminated is returned to synchronous callers whose task was
	// still queued when the worker terminated.
	ErrRunnerTerminated = errors.New("runqueue: runner terminated")

	// ErrSlowServiceClosed is returned when work is submitted to a closed SlowServiceRunner.
	ErrSlowServiceClosed = errors.New("runqueue: slow service closed")
)

// PanicError carries a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FatalError marks a failure that must not be swallowed by the run loop.
// A task that panics with a *FatalError terminates its Runner's worker.
type FatalError struct {
	Err error
}

// Fatal wraps err so that panicking with it terminates the current Runner.
func Fatal(err error) *FatalError {
	return &FatalError{Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether v (a recovered panic value) is a fatal condition.
func IsFatal(v any) bool {
	err, ok := v.(error)
	if !ok {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}
