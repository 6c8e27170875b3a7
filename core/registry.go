package core

import (
	"context"
	"sync"
)

const defaultRunnerName = "default"

// Registry is the process-level scheduling context: it creates Runners,
// provides the fallback Runner for CurrentRunner, owns the shared delay
// queue and reports when every registered Runner has drained.
//
// Create one at startup and pass it to the components that need it.
type Registry struct {
	mu            sync.Mutex
	runners       map[*Runner]struct{}
	defaultRunner *Runner
	defaults      RunnerConfig
	onAllDrained  func()
	delays        *delayQueue
	closeOnce     sync.Once
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used by the registry's runners.
func WithLogger(l Logger) RegistryOption {
	return func(reg *Registry) {
		reg.defaults.Logger = l
		if h, ok := reg.defaults.PanicHandler.(*DefaultPanicHandler); ok {
			h.Logger = l
		}
		if h, ok := reg.defaults.RejectedTaskHandler.(*DefaultRejectedTaskHandler); ok {
			h.Logger = l
		}
	}
}

// WithMetrics sets the metrics sink used by the registry's runners.
func WithMetrics(m Metrics) RegistryOption {
	return func(reg *Registry) { reg.defaults.Metrics = m }
}

// WithPanicHandler sets the panic handler used by the registry's runners.
func WithPanicHandler(h PanicHandler) RegistryOption {
	return func(reg *Registry) { reg.defaults.PanicHandler = h }
}

// WithRejectedTaskHandler sets the rejection handler used by the registry's runners.
func WithRejectedTaskHandler(h RejectedTaskHandler) RegistryOption {
	return func(reg *Registry) { reg.defaults.RejectedTaskHandler = h }
}

// WithRunnerDefaults replaces the base config for new runners.
func WithRunnerDefaults(cfg RunnerConfig) RegistryOption {
	return func(reg *Registry) { reg.defaults = cfg.withDefaults() }
}

// WithOnAllDrained installs the callback invoked when the last live runner
// terminates. The hosting application decides what that means, e.g. exiting.
func WithOnAllDrained(fn func()) RegistryOption {
	return func(reg *Registry) { reg.onAllDrained = fn }
}

// NewRegistry creates a registry and starts its delay queue.
func NewRegistry(opts ...RegistryOption) *Registry {
	reg := &Registry{
		runners:  make(map[*Runner]struct{}),
		defaults: DefaultRunnerConfig(),
	}
	for _, opt := range opts {
		opt(reg)
	}
	reg.delays = newDelayQueue()
	return reg
}

// NewRunner creates, registers and starts a runner.
func (reg *Registry) NewRunner(name string, opts ...RunnerOption) *Runner {
	cfg := reg.defaults
	cfg.Name = name
	for _, opt := range opts {
		opt(&cfg)
	}

	r := newRunner(cfg, reg)

	reg.mu.Lock()
	reg.runners[r] = struct{}{}
	reg.mu.Unlock()

	r.start()
	return r
}

// Default returns the registry's fallback runner, creating it on first use.
func (reg *Registry) Default() *Runner {
	reg.mu.Lock()
	r := reg.defaultRunner
	reg.mu.Unlock()
	if r != nil {
		return r
	}

	created := reg.NewRunner(defaultRunnerName)

	reg.mu.Lock()
	if reg.defaultRunner == nil {
		reg.defaultRunner = created
		reg.mu.Unlock()
		return created
	}
	r = reg.defaultRunner
	reg.mu.Unlock()

	// Lost the race, discard ours
	created.OrderlyShutdown()
	return r
}

// CurrentRunner returns the runner executing the task that owns ctx, or the
// default runner when ctx does not come from a runner.
func (reg *Registry) CurrentRunner(ctx context.Context) *Runner {
	if r := GetCurrentRunner(ctx); r != nil {
		return r
	}
	return reg.Default()
}

// Runners returns a snapshot of the live runners.
func (reg *Registry) Runners() []*Runner {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make([]*Runner, 0, len(reg.runners))
	for r := range reg.runners {
		out = append(out, r)
	}
	return out
}

// LiveCount returns the number of runners whose worker has not exited.
func (reg *Registry) LiveCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.runners)
}

// ShutdownAll requests an orderly shutdown of every live runner.
func (reg *Registry) ShutdownAll() {
	for _, r := range reg.Runners() {
		r.OrderlyShutdown()
	}
}

// Wait blocks until no live runners remain or ctx ends.
func (reg *Registry) Wait(ctx context.Context) error {
	for {
		runners := reg.Runners()
		if len(runners) == 0 {
			return nil
		}
		for _, r := range runners {
			if err := r.WaitTerminated(ctx); err != nil {
				return err
			}
		}
	}
}

// Close stops the delay queue. Pending delayed tasks are dropped; later
// EnqueueDelayed calls fall back to a per-task timer.
func (reg *Registry) Close() {
	reg.closeOnce.Do(reg.delays.stop)
}

func (reg *Registry) runnerTerminated(r *Runner) {
	reg.mu.Lock()
	delete(reg.runners, r)
	if reg.defaultRunner == r {
		reg.defaultRunner = nil
	}
	remaining := len(reg.runners)
	onAllDrained := reg.onAllDrained
	reg.mu.Unlock()

	if remaining == 0 && onAllDrained != nil {
		onAllDrained()
	}
}
