package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestSubRunner_RoundTrip verifies work runs privately and the result returns to the creator
// Given: A creator runner that builds a SubRunner from inside one of its tasks
// When: A job is submitted while the creator is busy with another task
// Then: The job runs on the private runner and the handler runs on the creator after it frees up
func TestSubRunner_RoundTrip(t *testing.T) {
	// Arrange
	reg := newTestRegistry(t)
	creator := reg.NewRunner("creator")
	creatorWorker := workerGoroutineID(t, creator)

	sub, err := Now(context.Background(), creator, func(ctx context.Context) (*SubRunner, error) {
		return NewSubRunner(ctx, reg, "private"), nil
	})
	if err != nil {
		t.Fatalf("NewSubRunner via Now error = %v", err)
	}
	if sub.Creator() != creator {
		t.Fatalf("Creator() = %v, want creator", sub.Creator().Name())
	}

	busy := make(chan struct{})
	release := make(chan struct{})
	_ = creator.Enqueue(func(ctx context.Context) {
		close(busy)
		<-release
	})
	<-busy

	type outcome struct {
		jobRunner     *Runner
		value         string
		err           error
		handlerRunner *Runner
		handlerGID    uint64
	}
	got := make(chan outcome, 1)
	var jobRunner *Runner

	// Act
	err = SubmitSub(sub,
		func(ctx context.Context) (string, error) {
			jobRunner = GetCurrentRunner(ctx)
			return "V", nil
		},
		func(ctx context.Context, v string, err error) {
			got <- outcome{
				jobRunner:     jobRunner,
				value:         v,
				err:           err,
				handlerRunner: GetCurrentRunner(ctx),
				handlerGID:    goroutineID(),
			}
		})
	if err != nil {
		t.Fatalf("SubmitSub() error = %v", err)
	}

	select {
	case <-got:
		t.Fatal("handler ran while the creator was busy")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)

	// Assert
	select {
	case o := <-got:
		if o.jobRunner != sub.Runner() {
			t.Errorf("job ran on %v, want the private runner", o.jobRunner)
		}
		if o.value != "V" || o.err != nil {
			t.Errorf("handler got (%q, %v), want (V, nil)", o.value, o.err)
		}
		if o.handlerRunner != creator || o.handlerGID != creatorWorker {
			t.Error("handler did not run on the creator's worker")
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
}

// TestSubRunner_DefaultCreator verifies a SubRunner built outside any runner reports to the default runner
func TestSubRunner_DefaultCreator(t *testing.T) {
	reg := newTestRegistry(t)

	sub := NewSubRunner(context.Background(), reg, "orphan")
	result := make(chan *Runner, 1)
	_ = sub.Enqueue(
		func(ctx context.Context) (any, error) { return nil, nil },
		func(ctx context.Context, _ any, _ error) { result <- GetCurrentRunner(ctx) },
	)

	select {
	case r := <-result:
		if r != reg.Default() {
			t.Errorf("handler ran on %v, want default", r.Name())
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
}

// TestSubRunner_PanicReachesHandler verifies a panicking job still produces a reply
func TestSubRunner_PanicReachesHandler(t *testing.T) {
	reg := newTestRegistry(t)
	sub := NewSubRunner(context.Background(), reg, "panicky")
	errs := make(chan error, 1)

	_ = sub.Enqueue(
		func(ctx context.Context) (any, error) { panic("oops") },
		func(ctx context.Context, _ any, err error) { errs <- err },
	)

	select {
	case err := <-errs:
		var pe *PanicError
		if !errors.As(err, &pe) {
			t.Errorf("handler error = %v, want *PanicError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
}

// TestSubRunner_Shutdown verifies queued jobs still report after Shutdown
func TestSubRunner_Shutdown(t *testing.T) {
	reg := newTestRegistry(t)
	sub := NewSubRunner(context.Background(), reg, "closing")
	results := make(chan int, 3)

	for i := range 3 {
		_ = SubmitSub(sub,
			func(ctx context.Context) (int, error) { return i, nil },
			func(ctx context.Context, v int, _ error) { results <- v })
	}
	sub.Shutdown()

	for want := range 3 {
		select {
		case v := <-results:
			if v != want {
				t.Errorf("result = %d, want %d", v, want)
			}
		case <-time.After(time.Second):
			t.Fatal("result not delivered after shutdown")
		}
	}
	<-sub.Runner().Done()
	err := SubmitSub(sub,
		func(ctx context.Context) (int, error) { return 0, nil },
		func(ctx context.Context, _ int, _ error) {})
	if !errors.Is(err, ErrRunnerTerminated) {
		t.Errorf("SubmitSub after shutdown error = %v, want ErrRunnerTerminated", err)
	}
}
