package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
// This allows custom panic handling, logging, and recovery strategies.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context from the panicked task (carries the current Runner)
	// - runnerName: The name of the runner where the panic occurred
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, runnerName string, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through a Logger.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic with its stack trace.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("task panicked",
		F("runner", runnerName),
		F("panic", panicInfo),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting task execution performance.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(runnerName string, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(runnerName string, panicInfo any)

	// RecordQueueDepth records the current queue depth.
	RecordQueueDepth(runnerName string, depth int)

	// RecordQueueGrowth records that a runner's queue buffer grew to capacity.
	RecordQueueGrowth(runnerName string, capacity int)

	// RecordTaskRejected records that a task was rejected (e.g., during shutdown).
	RecordTaskRejected(runnerName string, reason string)

	// RecordSlowTask records the duration and outcome of blocking work run by
	// a SlowServiceRunner.
	RecordSlowTask(serviceName string, duration time.Duration, failed bool)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(runnerName string, duration time.Duration)          {}
func (m *NilMetrics) RecordTaskPanic(runnerName string, panicInfo any)                      {}
func (m *NilMetrics) RecordQueueDepth(runnerName string, depth int)                         {}
func (m *NilMetrics) RecordQueueGrowth(runnerName string, capacity int)                     {}
func (m *NilMetrics) RecordTaskRejected(runnerName string, reason string)                   {}
func (m *NilMetrics) RecordSlowTask(serviceName string, duration time.Duration, failed bool) {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a task is rejected. This happens when
// the runner is shutting down or has terminated.
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	HandleRejectedTask(runnerName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at warn level.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(runnerName string, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Warn("task rejected", F("runner", runnerName), F("reason", reason))
}

// =============================================================================
// RunnerConfig: Configuration for Runner
// =============================================================================

const (
	defaultBatchSize       = 32
	defaultHistoryCapacity = 100
)

// RunnerConfig holds configuration options for a Runner.
// All handlers are optional; if not provided, default implementations will be used.
type RunnerConfig struct {
	// Name identifies the runner in logs, metrics and history.
	Name string

	// BatchSize bounds how many tasks the worker takes per queue lock
	// acquisition. Defaults to 32.
	BatchSize int

	// QueueCapacity is the initial ring buffer size. Defaults to 16.
	QueueCapacity int

	// HistoryCapacity is the number of execution records kept. Defaults to 100.
	HistoryCapacity int

	// Logger defaults to a zerolog-backed logger on stderr.
	Logger Logger

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler
}

// DefaultRunnerConfig returns a config with default handlers.
func DefaultRunnerConfig() RunnerConfig {
	logger := NewDefaultLogger()
	return RunnerConfig{
		BatchSize:           defaultBatchSize,
		QueueCapacity:       defaultQueueCap,
		HistoryCapacity:     defaultHistoryCapacity,
		Logger:              logger,
		PanicHandler:        &DefaultPanicHandler{Logger: logger},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{Logger: logger},
	}
}

// withDefaults fills zero fields from DefaultRunnerConfig.
func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCap
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = defaultHistoryCapacity
	}
	if c.Logger == nil {
		c.Logger = NewDefaultLogger()
	}
	if c.PanicHandler == nil {
		c.PanicHandler = &DefaultPanicHandler{Logger: c.Logger}
	}
	if c.Metrics == nil {
		c.Metrics = &NilMetrics{}
	}
	if c.RejectedTaskHandler == nil {
		c.RejectedTaskHandler = &DefaultRejectedTaskHandler{Logger: c.Logger}
	}
	return c
}

// RunnerOption adjusts a RunnerConfig created by a Registry.
type RunnerOption func(*RunnerConfig)

// WithBatchSize sets RunnerConfig.BatchSize.
func WithBatchSize(n int) RunnerOption {
	return func(c *RunnerConfig) { c.BatchSize = n }
}

// WithQueueCapacity sets RunnerConfig.QueueCapacity.
func WithQueueCapacity(n int) RunnerOption {
	return func(c *RunnerConfig) { c.QueueCapacity = n }
}

// WithRunnerLogger overrides the registry logger for one runner. Default
// handlers inherited from the registry are rebound to l; custom ones are kept.
func WithRunnerLogger(l Logger) RunnerOption {
	return func(c *RunnerConfig) {
		c.Logger = l
		if _, ok := c.PanicHandler.(*DefaultPanicHandler); ok {
			c.PanicHandler = &DefaultPanicHandler{Logger: l}
		}
		if _, ok := c.RejectedTaskHandler.(*DefaultRejectedTaskHandler); ok {
			c.RejectedTaskHandler = &DefaultRejectedTaskHandler{Logger: l}
		}
	}
}
