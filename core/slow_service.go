package core

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultSlowMaxWorkers  = 8
	defaultSlowIdleTimeout = 60 * time.Second
)

// SlowServiceConfig configures a SlowServiceRunner.
type SlowServiceConfig struct {
	// Name identifies the service in logs and metrics. Defaults to "slow-service".
	Name string

	// MaxWorkers bounds concurrently running work. Defaults to 8.
	MaxWorkers int

	// IdleTimeout is how long an idle worker waits before retiring. Defaults to 60s.
	IdleTimeout time.Duration

	// Retry is applied to work that returns an error. Defaults to NoRetry().
	Retry RetryPolicy

	Logger  Logger
	Metrics Metrics
}

// SlowServiceRunner runs blocking work on a bounded set of worker goroutines
// and delivers each outcome back to a designated result Runner as an ordinary
// task. Work functions must not touch state owned by any Runner.
type SlowServiceRunner struct {
	name         string
	resultRunner *Runner
	maxWorkers   int
	idleTimeout  time.Duration
	retry        RetryPolicy
	logger       Logger
	metrics      Metrics

	sem     *semaphore.Weighted
	backlog *TaskQueue
	signal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup // accepted jobs not yet finished

	workers   atomic.Int32
	active    atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewSlowServiceRunner creates a service whose results are delivered on resultRunner.
func NewSlowServiceRunner(resultRunner *Runner, cfg SlowServiceConfig) *SlowServiceRunner {
	if cfg.Name == "" {
		cfg.Name = "slow-service"
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultSlowMaxWorkers
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultSlowIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = resultRunner.Logger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = resultRunner.cfg.Metrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SlowServiceRunner{
		name:         cfg.Name,
		resultRunner: resultRunner,
		maxWorkers:   cfg.MaxWorkers,
		idleTimeout:  cfg.IdleTimeout,
		retry:        cfg.Retry,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		sem:          semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		backlog:      NewTaskQueue(defaultQueueCap),
		signal:       make(chan struct{}, cfg.MaxWorkers),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ResultRunner returns the runner results are delivered on.
func (s *SlowServiceRunner) ResultRunner() *Runner {
	return s.resultRunner
}

// EnqueueTask runs work on the pool and delivers its outcome to handler on the
// result runner.
func (s *SlowServiceRunner) EnqueueTask(work TaskWithResult[any], handler ReplyWithResult[any]) error {
	return EnqueueSlowTask(s, work, handler)
}

// EnqueueSlowTask is the typed form of SlowServiceRunner.EnqueueTask.
// A panic in work is delivered as a *PanicError. The handler is never called
// on a pool goroutine.
func EnqueueSlowTask[T any](s *SlowServiceRunner, work TaskWithResult[T], handler ReplyWithResult[T]) error {
	if work == nil || handler == nil {
		return ErrNilTask
	}

	job := func(ctx context.Context) {
		startedAt := time.Now()
		result, err := runWithRetry(ctx, s, work)
		s.metrics.RecordSlowTask(s.name, time.Since(startedAt), err != nil)
		if err != nil {
			s.failed.Add(1)
		} else {
			s.completed.Add(1)
		}

		deliver := func(ctx context.Context) {
			handler(ctx, result, err)
		}
		if derr := s.resultRunner.EnqueueNamed("slow-service-result", deliver); derr != nil {
			s.logger.Warn("dropping slow task result",
				F("service", s.name),
				F("runner", s.resultRunner.Name()),
				F("error", derr),
			)
		}
	}

	return s.submit(job)
}

func runWithRetry[T any](ctx context.Context, s *SlowServiceRunner, work TaskWithResult[T]) (T, error) {
	result, err := callRecovering(ctx, work)
	for attempt := 0; err != nil && attempt < s.retry.MaxRetries; attempt++ {
		delay := s.retry.calculateDelay(attempt)
		s.logger.Debug("retrying slow task",
			F("service", s.name),
			F("attempt", attempt+1),
			F("delay", delay),
			F("error", err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, err
		}
		result, err = callRecovering(ctx, work)
	}
	return result, err
}

func callRecovering[T any](ctx context.Context, work TaskWithResult[T]) (result T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return work(ctx)
}

func (s *SlowServiceRunner) submit(job Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSlowServiceClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	wrapped := func(ctx context.Context) {
		defer s.wg.Done()
		job(ctx)
	}
	if err := s.backlog.Enqueue(NewTaskItem(wrapped)); err != nil {
		s.wg.Done()
		return ErrSlowServiceClosed
	}

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal buffer full, every worker already has a pending wakeup
	}

	if s.sem.TryAcquire(1) {
		s.workers.Add(1)
		go s.workerLoop()
	}
	return nil
}

// workerLoop pulls jobs from the backlog until it has been idle for
// idleTimeout, then retires and releases its slot.
func (s *SlowServiceRunner) workerLoop() {
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		if item, ok := s.backlog.OptDequeue(); ok {
			s.runJob(item)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)
			continue
		}

		select {
		case <-s.signal:
			continue
		case <-idle.C:
		case <-s.ctx.Done():
		}

		s.workers.Add(-1)
		s.sem.Release(1)

		// A job may have arrived after the last check while every slot was taken
		if !s.backlog.HasMoreElements() || !s.sem.TryAcquire(1) {
			return
		}
		s.workers.Add(1)
		idle.Reset(s.idleTimeout)
	}
}

func (s *SlowServiceRunner) runJob(item WorkItem) {
	s.active.Add(1)
	defer s.active.Add(-1)
	item.Task(s.ctx)
}

// Close stops accepting work and waits until every accepted job has run and
// handed its result to the result runner, or ctx ends.
func (s *SlowServiceRunner) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool.
func (s *SlowServiceRunner) Stats() PoolStats {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	return PoolStats{
		Name:       s.name,
		MaxWorkers: s.maxWorkers,
		Workers:    int(s.workers.Load()),
		Queued:     s.backlog.Len(),
		Active:     int(s.active.Load()),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Closed:     closed,
	}
}
