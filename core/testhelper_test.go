package core

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestRunner creates a quiet standalone runner that is shut down and
// awaited when the test ends.
func newTestRunner(t *testing.T, name string) *Runner {
	t.Helper()
	r := NewRunner(RunnerConfig{Name: name, Logger: NewNoOpLogger()})
	t.Cleanup(func() {
		r.OrderlyShutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.WaitTerminated(ctx); err != nil {
			t.Errorf("runner %s did not terminate: %v", name, err)
		}
	})
	return r
}

// newTestRegistry creates a quiet registry whose runners are drained when the test ends.
func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	opts = append([]RegistryOption{WithLogger(NewNoOpLogger())}, opts...)
	reg := NewRegistry(opts...)
	t.Cleanup(func() {
		reg.ShutdownAll()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := reg.Wait(ctx); err != nil {
			t.Errorf("registry did not drain: %v", err)
		}
		reg.Close()
	})
	return reg
}

// goroutineID parses the current goroutine id from "goroutine 123 [running]:".
func goroutineID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// workerGoroutineID returns the id of r's worker goroutine.
func workerGoroutineID(t *testing.T, r *Runner) uint64 {
	t.Helper()
	id, err := Now(context.Background(), r, func(ctx context.Context) (uint64, error) {
		return goroutineID(), nil
	})
	if err != nil {
		t.Fatalf("Now() error = %v", err)
	}
	return id
}

type recordingRejectedHandler struct {
	mu      sync.Mutex
	reasons []string
}

func (h *recordingRejectedHandler) HandleRejectedTask(runnerName string, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
}

func (h *recordingRejectedHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reasons)
}

type recordingPanicHandler struct {
	mu     sync.Mutex
	panics []any
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, runnerName string, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.panics = append(h.panics, panicInfo)
}

func (h *recordingPanicHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.panics)
}

type recordingMetrics struct {
	NilMetrics
	durations atomic.Int32
	panics    atomic.Int32
	growths   atomic.Int32
	rejected  atomic.Int32
	slow      atomic.Int32
}

func (m *recordingMetrics) RecordTaskDuration(string, time.Duration) { m.durations.Add(1) }
func (m *recordingMetrics) RecordTaskPanic(string, any)              { m.panics.Add(1) }
func (m *recordingMetrics) RecordQueueGrowth(string, int)            { m.growths.Add(1) }
func (m *recordingMetrics) RecordTaskRejected(string, string)        { m.rejected.Add(1) }
func (m *recordingMetrics) RecordSlowTask(string, time.Duration, bool) {
	m.slow.Add(1)
}
