package core

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestRunner_ExecutesInFIFOOrder verifies single-producer order
// Given: A runner
// When: 1000 tasks are enqueued from one goroutine
// Then: They run in submission order on the worker
func TestRunner_ExecutesInFIFOOrder(t *testing.T) {
	// Arrange
	r := newTestRunner(t, "fifo")
	var got []int // owned by r

	// Act
	for i := range 1000 {
		if err := r.Enqueue(func(ctx context.Context) { got = append(got, i) }); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if err := r.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	// Assert
	n, _ := Now(context.Background(), r, func(ctx context.Context) (int, error) {
		for i, v := range got {
			if v != i {
				return i, errors.New("out of order")
			}
		}
		return len(got), nil
	})
	if n != 1000 {
		t.Errorf("ran %d tasks in order, want 1000", n)
	}
}

// TestRunner_MutualExclusion verifies tasks never overlap
// Given: K producers each enqueueing M tasks concurrently
// When: Every task bumps a shared in-flight counter
// Then: The counter never exceeds 1 and all K*M tasks run on the worker goroutine
func TestRunner_MutualExclusion(t *testing.T) {
	const producers, perProducer = 8, 250

	// Arrange
	r := newTestRunner(t, "exclusive")
	workerID := workerGoroutineID(t, r)

	var inFlight, maxInFlight, total atomic.Int32
	var wrongGoroutine atomic.Bool
	var wg sync.WaitGroup

	// Act
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				_ = r.Enqueue(func(ctx context.Context) {
					n := inFlight.Add(1)
					for {
						m := maxInFlight.Load()
						if n <= m || maxInFlight.CompareAndSwap(m, n) {
							break
						}
					}
					if goroutineID() != workerID {
						wrongGoroutine.Store(true)
					}
					runtime.Gosched()
					total.Add(1)
					inFlight.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	if err := r.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	// Assert
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent tasks = %d, want 1", got)
	}
	if got := total.Load(); got != producers*perProducer {
		t.Errorf("tasks run = %d, want %d", got, producers*perProducer)
	}
	if wrongGoroutine.Load() {
		t.Error("a task ran off the worker goroutine")
	}
}

// TestRunner_ExposesItselfInContext verifies a task sees its own runner
func TestRunner_ExposesItselfInContext(t *testing.T) {
	r := newTestRunner(t, "ctx")
	got := make(chan *Runner, 1)

	_ = r.Enqueue(func(ctx context.Context) {
		got <- GetCurrentRunner(ctx)
	})

	select {
	case cur := <-got:
		if cur != r {
			t.Errorf("GetCurrentRunner() = %p, want %p", cur, r)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	if GetCurrentRunner(context.Background()) != nil {
		t.Error("GetCurrentRunner(Background) != nil")
	}
}

// TestRunner_RejectsNilTask verifies nil submissions fail synchronously
func TestRunner_RejectsNilTask(t *testing.T) {
	r := newTestRunner(t, "nil")

	if err := r.Enqueue(nil); !errors.Is(err, ErrNilTask) {
		t.Errorf("Enqueue(nil) error = %v, want ErrNilTask", err)
	}
	if err := r.EnqueueDelayed(nil, time.Millisecond); !errors.Is(err, ErrNilTask) {
		t.Errorf("EnqueueDelayed(nil) error = %v, want ErrNilTask", err)
	}
}

// TestRunner_PanicDoesNotStopWorker verifies an ordinary panic is contained
// Given: A runner with a recording panic handler
// When: A panicking task is followed by a normal task
// Then: The handler sees the panic and the next task still runs
func TestRunner_PanicDoesNotStopWorker(t *testing.T) {
	// Arrange
	handler := &recordingPanicHandler{}
	r := NewRunner(RunnerConfig{Name: "panicky", Logger: NewNoOpLogger(), PanicHandler: handler})
	defer r.OrderlyShutdown()
	ran := make(chan struct{})

	// Act
	_ = r.Enqueue(func(ctx context.Context) { panic("boom") })
	_ = r.Enqueue(func(ctx context.Context) { close(ran) })

	// Assert
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task after panic did not run")
	}
	if handler.count() != 1 {
		t.Errorf("panic handler calls = %d, want 1", handler.count())
	}
	if stats := r.Stats(); stats.Panicked != 1 || stats.State != RunnerActive {
		t.Errorf("stats = %+v, want Panicked=1 State=active", stats)
	}
}

// TestRunner_FatalPanicTerminatesWorker verifies a FatalError ends the runner
// Given: A runner with a Now caller queued behind a fatal task
// When: The fatal task runs
// Then: The worker exits, the queued Now returns ErrRunnerTerminated and new work is refused
func TestRunner_FatalPanicTerminatesWorker(t *testing.T) {
	// Arrange
	r := NewRunner(RunnerConfig{Name: "fatal", Logger: NewNoOpLogger()})
	started := make(chan struct{})
	gate := make(chan struct{})
	_ = r.Enqueue(func(ctx context.Context) {
		close(started)
		<-gate
	})
	<-started
	_ = r.Enqueue(func(ctx context.Context) { panic(Fatal(errors.New("corrupted state"))) })

	nowErr := make(chan error, 1)
	go func() {
		_, err := r.Now(context.Background(), func(ctx context.Context) (any, error) { return nil, nil })
		nowErr <- err
	}()
	waitForCondition(t, time.Second, func() bool { return r.queue.Len() == 2 })

	// Act
	close(gate)

	// Assert
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("runner did not terminate after fatal panic")
	}
	if err := <-nowErr; !errors.Is(err, ErrRunnerTerminated) {
		t.Errorf("queued Now error = %v, want ErrRunnerTerminated", err)
	}
	if err := r.Enqueue(func(context.Context) {}); !errors.Is(err, ErrRunnerTerminated) {
		t.Errorf("Enqueue after termination error = %v, want ErrRunnerTerminated", err)
	}
	if r.State() != RunnerTerminated {
		t.Errorf("State() = %v, want terminated", r.State())
	}
}

// TestRunner_GoexitTerminatesWorker verifies runtime.Goexit in a task is treated as termination
func TestRunner_GoexitTerminatesWorker(t *testing.T) {
	r := NewRunner(RunnerConfig{Name: "goexit", Logger: NewNoOpLogger()})

	_, err := r.Now(context.Background(), func(ctx context.Context) (any, error) {
		runtime.Goexit()
		return nil, nil
	})

	if !errors.Is(err, ErrRunnerTerminated) {
		t.Errorf("Now() error = %v, want ErrRunnerTerminated", err)
	}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("runner did not terminate after Goexit")
	}
}

// TestRunner_EnqueueDelayed verifies a delayed task runs after its delay
func TestRunner_EnqueueDelayed(t *testing.T) {
	r := newTestRunner(t, "delayed")
	start := time.Now()
	ran := make(chan time.Duration, 1)

	if err := r.EnqueueDelayed(func(ctx context.Context) { ran <- time.Since(start) }, 50*time.Millisecond); err != nil {
		t.Fatalf("EnqueueDelayed() error = %v", err)
	}

	select {
	case elapsed := <-ran:
		if elapsed < 45*time.Millisecond {
			t.Errorf("delayed task ran after %v, want >= 50ms", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("delayed task did not run")
	}
}

// TestRunner_FlushAsync verifies the callback runs after earlier tasks
func TestRunner_FlushAsync(t *testing.T) {
	r := newTestRunner(t, "flush")
	var seen atomic.Int32
	done := make(chan int32, 1)

	for range 10 {
		_ = r.Enqueue(func(ctx context.Context) { seen.Add(1) })
	}
	_ = r.FlushAsync(func() { done <- seen.Load() })

	select {
	case n := <-done:
		if n != 10 {
			t.Errorf("tasks seen at flush = %d, want 10", n)
		}
	case <-time.After(time.Second):
		t.Fatal("flush callback did not run")
	}
}

// TestRunner_StatsAndHistory verifies execution records and counters
// Given: A runner with history capacity 3
// When: Five named tasks run
// Then: The three newest records are kept, newest first
func TestRunner_StatsAndHistory(t *testing.T) {
	// Arrange
	r := NewRunner(RunnerConfig{Name: "history", Logger: NewNoOpLogger(), HistoryCapacity: 3})
	defer r.OrderlyShutdown()
	names := []string{"a", "b", "c", "d", "e"}

	// Act
	for _, name := range names {
		_ = r.EnqueueNamed(name, func(ctx context.Context) {})
	}
	if err := r.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	// Assert - the barrier itself is the newest record
	waitForCondition(t, time.Second, func() bool { return r.Stats().Executed == 6 })
	recent := r.RecentTasks(0)
	if len(recent) != 3 {
		t.Fatalf("len(RecentTasks) = %d, want 3", len(recent))
	}
	want := []string{"barrier", "e", "d"}
	for i, rec := range recent {
		if rec.Name != want[i] {
			t.Errorf("recent[%d].Name = %q, want %q", i, rec.Name, want[i])
		}
		if rec.RunnerName != "history" {
			t.Errorf("recent[%d].RunnerName = %q, want history", i, rec.RunnerName)
		}
	}
	if recent[0].TaskID <= recent[1].TaskID {
		t.Errorf("task ids not increasing: %v then %v", recent[1].TaskID, recent[0].TaskID)
	}

	stats := r.Stats()
	if stats.Executed != 6 {
		t.Errorf("Executed = %d, want 6", stats.Executed)
	}
	if stats.LastTaskName != "barrier" {
		t.Errorf("LastTaskName = %q, want barrier", stats.LastTaskName)
	}
	if stats.Pending != 0 {
		t.Errorf("Pending = %d, want 0", stats.Pending)
	}
}

// TestRunner_HistoryNamesUnnamedTasks verifies function names are used when no name is given
func TestRunner_HistoryNamesUnnamedTasks(t *testing.T) {
	r := newTestRunner(t, "names")

	_ = r.Enqueue(namedHistoryTask)
	_ = r.WaitIdle(context.Background())
	waitForCondition(t, time.Second, func() bool { return len(r.RecentTasks(2)) == 2 })

	recent := r.RecentTasks(2)
	if len(recent) != 2 {
		t.Fatalf("len(RecentTasks) = %d, want 2", len(recent))
	}
	if got := recent[1].Name; got != "github.com/Swind/go-runqueue/core.namedHistoryTask" {
		t.Errorf("Name = %q, want the function name", got)
	}
}

func namedHistoryTask(ctx context.Context) {}

// TestRunner_EnqueueRepeating verifies repetition and stop
func TestRunner_EnqueueRepeating(t *testing.T) {
	r := newTestRunner(t, "repeat")
	var count atomic.Int32

	handle, err := r.EnqueueRepeating(func(ctx context.Context) { count.Add(1) }, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("EnqueueRepeating() error = %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return count.Load() >= 3 })

	handle.Stop()
	if !handle.IsStopped() {
		t.Error("IsStopped() = false after Stop")
	}
	time.Sleep(30 * time.Millisecond)
	stopped := count.Load()
	time.Sleep(50 * time.Millisecond)
	if count.Load() != stopped {
		t.Errorf("task kept running after Stop: %d -> %d", stopped, count.Load())
	}
}

// TestRunner_QueueGrowthIsReported verifies growth reaches the metrics sink
func TestRunner_QueueGrowthIsReported(t *testing.T) {
	metrics := &recordingMetrics{}
	r := NewRunner(RunnerConfig{Name: "grow", Logger: NewNoOpLogger(), QueueCapacity: 4, Metrics: metrics})
	defer r.OrderlyShutdown()
	gate := make(chan struct{})
	_ = r.Enqueue(func(ctx context.Context) { <-gate })

	for range 20 {
		_ = r.Enqueue(func(ctx context.Context) {})
	}
	close(gate)
	_ = r.WaitIdle(context.Background())

	if metrics.growths.Load() == 0 {
		t.Error("RecordQueueGrowth was never called")
	}
	if metrics.durations.Load() < 21 {
		t.Errorf("RecordTaskDuration calls = %d, want >= 21", metrics.durations.Load())
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
