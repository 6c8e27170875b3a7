package core

import "time"

// TaskExecutionRecord captures a completed task execution event.
type TaskExecutionRecord struct {
	TaskID     TaskID
	Name       string
	RunnerName string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
}

// RunnerStats represents runtime observability state for a Runner.
type RunnerStats struct {
	Name          string
	State         RunnerState
	Pending       int
	QueueCapacity int
	Running       int
	Executed      uint64
	Panicked      uint64
	Rejected      int64
	LastTaskName  string
	LastTaskAt    time.Time
}

// PoolStats represents runtime observability state for a SlowServiceRunner.
type PoolStats struct {
	Name       string
	MaxWorkers int
	Workers    int
	Queued     int
	Active     int
	Completed  uint64
	Failed     uint64
	Closed     bool
}
