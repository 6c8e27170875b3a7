package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// RunnerState is the lifecycle state of a Runner.
type RunnerState int32

const (
	RunnerActive RunnerState = iota
	RunnerShuttingDown
	RunnerTerminated
)

func (s RunnerState) String() string {
	switch s {
	case RunnerActive:
		return "active"
	case RunnerShuttingDown:
		return "shutting_down"
	case RunnerTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("RunnerState(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s RunnerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Runner binds a dedicated goroutine that executes its queued tasks one at a
// time, in FIFO order per producer. State owned by a Runner is only ever
// touched by tasks running on it, so it needs no further locking.
//
// Producers on any goroutine call Enqueue; Now performs a synchronous call into
// the Runner's context; OrderlyShutdown drains and stops it.
type Runner struct {
	cfg      RunnerConfig
	queue    *TaskQueue
	registry *Registry // nil for standalone runners
	delays   *delayQueue

	state        atomic.Int32
	active       atomic.Int32 // assertion guard: tasks never overlap
	done         chan struct{}
	shutdownOnce sync.Once

	nextID   atomic.Uint64
	executed atomic.Uint64
	panicked atomic.Uint64
	rejected atomic.Int64
	history  *executionHistory

	mu   sync.Mutex
	name string
}

// NewRunner creates a standalone Runner and starts its worker goroutine.
// Runners that should participate in drain notification and CurrentRunner
// lookups are created through Registry.NewRunner instead.
func NewRunner(cfg RunnerConfig) *Runner {
	r := newRunner(cfg, nil)
	r.start()
	return r
}

func newRunner(cfg RunnerConfig, reg *Registry) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		cfg:      cfg,
		queue:    NewTaskQueue(cfg.QueueCapacity),
		registry: reg,
		done:     make(chan struct{}),
		history:  newExecutionHistory(cfg.HistoryCapacity),
		name:     cfg.Name,
	}
	if reg != nil {
		r.delays = reg.delays
	}
	r.queue.OnGrow = func(capacity int) {
		r.cfg.Metrics.RecordQueueGrowth(r.Name(), capacity)
	}
	return r
}

func (r *Runner) start() {
	go r.runLoop()
}

// Name returns the name of the runner
func (r *Runner) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// SetName sets the name of the runner
func (r *Runner) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

// Logger returns the logger configured for this runner.
func (r *Runner) Logger() Logger {
	return r.cfg.Logger
}

// Registry returns the registry that created the runner, or nil.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// =============================================================================
// Submission
// =============================================================================

// Enqueue queues task for execution on this runner's worker and returns
// immediately. It is safe to call from any goroutine, including from a task
// running on this or another runner.
func (r *Runner) Enqueue(task Task) error {
	return r.enqueueItem(NewTaskItem(task))
}

// EnqueueNamed is Enqueue with an explicit task name for history and metrics.
func (r *Runner) EnqueueNamed(name string, task Task) error {
	return r.enqueueItem(NewNamedTaskItem(name, task))
}

func (r *Runner) enqueueItem(item WorkItem) error {
	err := r.queue.Enqueue(item)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrQueueClosed) {
		return err
	}

	r.reject("shutting down")
	if r.State() == RunnerTerminated {
		return ErrRunnerTerminated
	}
	return ErrRunnerShuttingDown
}

func (r *Runner) reject(reason string) {
	r.rejected.Add(1)
	name := r.Name()
	r.cfg.RejectedTaskHandler.HandleRejectedTask(name, reason)
	r.cfg.Metrics.RecordTaskRejected(name, reason)
}

// EnqueueDelayed queues task after delay. Registered runners share the
// registry's delay queue; standalone runners, and runners whose registry is
// closed, use time.AfterFunc.
func (r *Runner) EnqueueDelayed(task Task, delay time.Duration) error {
	if task == nil {
		return ErrNilTask
	}
	if r.IsShuttingDown() {
		r.reject("shutting down")
		return ErrRunnerShuttingDown
	}
	if delay <= 0 {
		return r.Enqueue(task)
	}

	if r.delays != nil && r.delays.schedule(task, delay, r) {
		return nil
	}
	time.AfterFunc(delay, func() {
		_ = r.Enqueue(task)
	})
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// OrderlyShutdown queues the shutdown signal. Everything enqueued before the
// call still runs; the worker exits after reaching the signal. Tasks submitted
// afterwards are rejected. Safe to call from within a task and more than once.
func (r *Runner) OrderlyShutdown() {
	r.shutdownOnce.Do(func() {
		r.state.CompareAndSwap(int32(RunnerActive), int32(RunnerShuttingDown))
		if err := r.queue.Close(ShutdownSignal()); err != nil {
			r.cfg.Logger.Debug("shutdown requested on closed queue", F("runner", r.Name()))
		}
	})
}

// IsShuttingDown reports whether shutdown was requested. It does not mean
// draining has finished; see Done.
func (r *Runner) IsShuttingDown() bool {
	return r.State() != RunnerActive
}

// State returns the current lifecycle state.
func (r *Runner) State() RunnerState {
	return RunnerState(r.state.Load())
}

// Done is closed once the worker goroutine has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// WaitTerminated blocks until the worker has exited or ctx ends.
func (r *Runner) WaitTerminated(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Run loop
// =============================================================================

// runLoop occupies the dedicated goroutine. Between batches it blocks on the
// queue's condition variable, which no task and no Now caller ever holds.
func (r *Runner) runLoop() {
	clean := false
	var unrun []WorkItem // rest of the current batch
	defer func() { r.finish(clean, unrun) }()

	runCtx := withRunner(context.Background(), r)

	for {
		batch := r.queue.DequeueBatch(r.cfg.BatchSize)
		if batch == nil {
			clean = true
			return
		}
		r.cfg.Metrics.RecordQueueDepth(r.Name(), r.queue.Len())

		for i, item := range batch {
			unrun = batch[i+1:]
			if item.IsShutdown() {
				clean = true
				return
			}
			if fatal := r.runItem(runCtx, item); fatal != nil {
				r.cfg.Logger.Error("fatal task failure, terminating runner",
					F("runner", r.Name()),
					F("error", fatal),
				)
				return
			}
		}
		unrun = nil
	}
}

// runItem executes one task. Ordinary panics are reported and swallowed; a
// fatal panic value is returned so the loop can terminate.
func (r *Runner) runItem(ctx context.Context, item WorkItem) (fatal error) {
	if n := r.active.Add(1); n > 1 {
		panic(fmt.Sprintf("Runner %s: concurrent task execution detected (count=%d)", r.Name(), n))
	}
	defer r.active.Add(-1)

	id := TaskID(r.nextID.Add(1))
	name := resolveTaskName(item.Task, item.Name)
	startedAt := time.Now()
	panicked := false

	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			if IsFatal(rec) {
				fatal = rec.(error)
			} else {
				r.panicked.Add(1)
				r.cfg.Metrics.RecordTaskPanic(r.Name(), rec)
				r.cfg.PanicHandler.HandlePanic(ctx, r.Name(), rec, debug.Stack())
			}
		}
		record := newExecutionRecord(id, name, r.Name(), startedAt, panicked)
		r.executed.Add(1)
		r.history.Add(record)
		r.cfg.Metrics.RecordTaskDuration(record.RunnerName, record.Duration)
	}()

	item.Task(ctx)
	return nil
}

// finish runs on the worker goroutine as it exits, whether through the
// shutdown signal, a fatal task or runtime.Goexit.
func (r *Runner) finish(clean bool, unrun []WorkItem) {
	if !clean {
		r.cfg.Logger.Error("runner worker exited abnormally", F("runner", r.Name()))
	}
	r.state.Store(int32(RunnerTerminated))

	// Refuse further work, then fail whatever is still queued.
	_ = r.queue.Close(ShutdownSignal())
	for _, item := range append(unrun, r.queue.Drain()...) {
		if item.IsShutdown() {
			continue
		}
		if item.abort != nil {
			item.abort(ErrRunnerTerminated)
			continue
		}
		r.reject("terminated")
	}

	close(r.done)
	r.cfg.Logger.Debug("runner terminated", F("runner", r.Name()), F("executed", r.executed.Load()))

	if r.registry != nil {
		r.registry.runnerTerminated(r)
	}
}

// =============================================================================
// Synchronization Methods
// =============================================================================

// WaitIdle blocks until all tasks queued before the call have completed.
// It posts a barrier task and waits for it to run.
//
// Returns an error if the runner is shutting down or ctx ends first.
func (r *Runner) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	if err := r.EnqueueNamed("barrier", func(context.Context) { close(done) }); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAsync runs callback on this runner after every task queued before it.
func (r *Runner) FlushAsync(callback func()) error {
	return r.EnqueueNamed("flush", func(context.Context) { callback() })
}

// =============================================================================
// Observability
// =============================================================================

// Stats returns a snapshot of the runner state.
func (r *Runner) Stats() RunnerStats {
	stats := RunnerStats{
		Name:          r.Name(),
		State:         r.State(),
		Pending:       r.queue.Len(),
		QueueCapacity: r.queue.Cap(),
		Running:       int(r.active.Load()),
		Executed:      r.executed.Load(),
		Panicked:      r.panicked.Load(),
		Rejected:      r.rejected.Load(),
	}
	if last, ok := r.history.Last(); ok {
		stats.LastTaskName = last.Name
		stats.LastTaskAt = last.FinishedAt
	}
	return stats
}

// RecentTasks returns up to limit execution records, newest first.
func (r *Runner) RecentTasks(limit int) []TaskExecutionRecord {
	return r.history.Recent(limit)
}

// LastTask returns the most recent execution record.
func (r *Runner) LastTask() (TaskExecutionRecord, bool) {
	return r.history.Last()
}

// =============================================================================
// Repeating tasks
// =============================================================================

// RepeatingTaskHandle controls the lifecycle of a repeating task.
type RepeatingTaskHandle interface {
	Stop()
	IsStopped() bool
}

type repeatingHandle struct {
	runner   *Runner
	task     Task
	interval time.Duration
	stopped  atomic.Bool
}

func (h *repeatingHandle) Stop() {
	h.stopped.Store(true)
}

func (h *repeatingHandle) IsStopped() bool {
	return h.stopped.Load()
}

func (h *repeatingHandle) createRepeatingTask() Task {
	return func(ctx context.Context) {
		if h.IsStopped() || h.runner.IsShuttingDown() {
			return
		}

		h.task(ctx)

		if !h.IsStopped() && !h.runner.IsShuttingDown() {
			_ = h.runner.EnqueueDelayed(h.createRepeatingTask(), h.interval)
		}
	}
}

// EnqueueRepeating runs task now and then every interval until the handle is
// stopped or the runner shuts down.
func (r *Runner) EnqueueRepeating(task Task, interval time.Duration) (RepeatingTaskHandle, error) {
	return r.EnqueueRepeatingWithInitialDelay(task, 0, interval)
}

// EnqueueRepeatingWithInitialDelay is EnqueueRepeating with a first-run delay.
func (r *Runner) EnqueueRepeatingWithInitialDelay(task Task, initialDelay, interval time.Duration) (RepeatingTaskHandle, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	handle := &repeatingHandle{
		runner:   r,
		task:     task,
		interval: interval,
	}
	if err := r.EnqueueDelayed(handle.createRepeatingTask(), initialDelay); err != nil {
		return nil, err
	}
	return handle, nil
}
