package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSlowService(t *testing.T, result *Runner, cfg SlowServiceConfig) *SlowServiceRunner {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = NewNoOpLogger()
	}
	s := NewSlowServiceRunner(result, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

// TestSlowService_DeliversOnResultRunner verifies results come back on the owner
// Given: A result runner R and a slow service bound to R
// When: 100 jobs are submitted concurrently
// Then: Every handler runs once, on R's worker goroutine, with the right value
func TestSlowService_DeliversOnResultRunner(t *testing.T) {
	const jobs = 100

	// Arrange
	r := newTestRunner(t, "owner")
	rWorker := workerGoroutineID(t, r)
	s := newTestSlowService(t, r, SlowServiceConfig{MaxWorkers: 8})

	var handled atomic.Int32
	var offWorker, wrongValue atomic.Bool
	seen := make(map[int]bool) // owned by r
	done := make(chan struct{})

	// Act
	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := EnqueueSlowTask(s,
				func(ctx context.Context) (int, error) {
					time.Sleep(time.Millisecond)
					return i * 2, nil
				},
				func(ctx context.Context, v int, err error) {
					if goroutineID() != rWorker || GetCurrentRunner(ctx) != r {
						offWorker.Store(true)
					}
					if err != nil || v != i*2 {
						wrongValue.Store(true)
					}
					seen[i] = true
					if handled.Add(1) == jobs {
						close(done)
					}
				})
			if err != nil {
				t.Errorf("EnqueueSlowTask() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// Assert
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handled %d of %d results", handled.Load(), jobs)
	}
	if offWorker.Load() {
		t.Error("a result handler ran off the result runner")
	}
	if wrongValue.Load() {
		t.Error("a result handler received the wrong value")
	}
	n, _ := Now(context.Background(), r, func(ctx context.Context) (int, error) { return len(seen), nil })
	if n != jobs {
		t.Errorf("distinct results = %d, want %d", n, jobs)
	}
}

// TestSlowService_BoundsConcurrency verifies no more than MaxWorkers jobs run at once
func TestSlowService_BoundsConcurrency(t *testing.T) {
	r := newTestRunner(t, "bound")
	s := newTestSlowService(t, r, SlowServiceConfig{MaxWorkers: 3})

	var inFlight, peak atomic.Int32
	var handled atomic.Int32
	for range 20 {
		_ = EnqueueSlowTask(s,
			func(ctx context.Context) (struct{}, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return struct{}{}, nil
			},
			func(ctx context.Context, _ struct{}, _ error) { handled.Add(1) })
	}

	waitForCondition(t, 5*time.Second, func() bool { return handled.Load() == 20 })
	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", got)
	}
	if stats := s.Stats(); stats.Completed != 20 || stats.MaxWorkers != 3 {
		t.Errorf("stats = %+v, want Completed=20 MaxWorkers=3", stats)
	}
}

// TestSlowService_DeliversErrorAndPanic verifies failures reach the handler
// Given: A slow service
// When: One job returns an error and another panics
// Then: The handler receives the error and a *PanicError respectively
func TestSlowService_DeliversErrorAndPanic(t *testing.T) {
	// Arrange
	r := newTestRunner(t, "failures")
	s := newTestSlowService(t, r, SlowServiceConfig{MaxWorkers: 2})
	wantErr := errors.New("disk full")
	errs := make(chan error, 2)

	// Act
	_ = s.EnqueueTask(
		func(ctx context.Context) (any, error) { return nil, wantErr },
		func(ctx context.Context, _ any, err error) { errs <- err },
	)
	_ = s.EnqueueTask(
		func(ctx context.Context) (any, error) { panic("driver crashed") },
		func(ctx context.Context, _ any, err error) { errs <- err },
	)

	// Assert
	var gotPlain, gotPanic bool
	for range 2 {
		select {
		case err := <-errs:
			var pe *PanicError
			switch {
			case errors.Is(err, wantErr):
				gotPlain = true
			case errors.As(err, &pe):
				gotPanic = pe.Value == "driver crashed"
			default:
				t.Errorf("unexpected error %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
	if !gotPlain || !gotPanic {
		t.Errorf("gotPlain=%v gotPanic=%v, want both", gotPlain, gotPanic)
	}
	waitForCondition(t, time.Second, func() bool { return s.Stats().Failed == 2 })
}

// TestSlowService_Retry verifies the retry policy is applied to failing work
func TestSlowService_Retry(t *testing.T) {
	r := newTestRunner(t, "retry")
	s := newTestSlowService(t, r, SlowServiceConfig{
		Retry: RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffRatio: 2},
	})
	var attempts atomic.Int32
	result := make(chan int, 1)

	_ = EnqueueSlowTask(s,
		func(ctx context.Context) (int, error) {
			if attempts.Add(1) < 3 {
				return 0, errors.New("transient")
			}
			return 7, nil
		},
		func(ctx context.Context, v int, err error) {
			if err != nil {
				t.Errorf("handler error = %v", err)
			}
			result <- v
		})

	select {
	case v := <-result:
		if v != 7 {
			t.Errorf("result = %d, want 7", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

// TestSlowService_IdleWorkersRetire verifies workers exit after the idle timeout
func TestSlowService_IdleWorkersRetire(t *testing.T) {
	r := newTestRunner(t, "idle")
	s := newTestSlowService(t, r, SlowServiceConfig{MaxWorkers: 4, IdleTimeout: 20 * time.Millisecond})
	var handled atomic.Int32

	for range 8 {
		_ = EnqueueSlowTask(s,
			func(ctx context.Context) (int, error) { return 0, nil },
			func(ctx context.Context, _ int, _ error) { handled.Add(1) })
	}
	waitForCondition(t, time.Second, func() bool { return handled.Load() == 8 })

	waitForCondition(t, time.Second, func() bool { return s.Stats().Workers == 0 })

	// A retired pool starts a worker again on demand
	_ = EnqueueSlowTask(s,
		func(ctx context.Context) (int, error) { return 0, nil },
		func(ctx context.Context, _ int, _ error) { handled.Add(1) })
	waitForCondition(t, time.Second, func() bool { return handled.Load() == 9 })
}

// TestSlowService_Close verifies accepted work finishes and later work is refused
func TestSlowService_Close(t *testing.T) {
	r := newTestRunner(t, "close")
	s := NewSlowServiceRunner(r, SlowServiceConfig{Logger: NewNoOpLogger()})
	var handled atomic.Int32

	for range 5 {
		_ = EnqueueSlowTask(s,
			func(ctx context.Context) (int, error) {
				time.Sleep(10 * time.Millisecond)
				return 1, nil
			},
			func(ctx context.Context, _ int, _ error) { handled.Add(1) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := s.EnqueueTask(
		func(ctx context.Context) (any, error) { return nil, nil },
		func(ctx context.Context, _ any, _ error) {},
	)
	if !errors.Is(err, ErrSlowServiceClosed) {
		t.Errorf("EnqueueTask after Close error = %v, want ErrSlowServiceClosed", err)
	}
	waitForCondition(t, time.Second, func() bool { return handled.Load() == 5 })
	if !s.Stats().Closed {
		t.Error("Stats().Closed = false after Close")
	}
}

// TestSlowService_NilArguments verifies nil work or handler is refused
func TestSlowService_NilArguments(t *testing.T) {
	r := newTestRunner(t, "nil-slow")
	s := newTestSlowService(t, r, SlowServiceConfig{})

	if err := s.EnqueueTask(nil, func(context.Context, any, error) {}); !errors.Is(err, ErrNilTask) {
		t.Errorf("EnqueueTask(nil work) error = %v, want ErrNilTask", err)
	}
	if err := s.EnqueueTask(func(context.Context) (any, error) { return nil, nil }, nil); !errors.Is(err, ErrNilTask) {
		t.Errorf("EnqueueTask(nil handler) error = %v, want ErrNilTask", err)
	}
}
