package core

import (
	"container/heap"
	"sync"
	"time"
)

// pendingTask is a task parked until its deadline.
type pendingTask struct {
	due    time.Time
	seq    uint64
	task   Task
	target TaskRunner
}

// deadlineHeap orders pending tasks by deadline. Equal deadlines keep the
// order in which they were scheduled.
type deadlineHeap []pendingTask

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(pendingTask)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	old[len(old)-1] = pendingTask{}
	*h = old[:len(old)-1]
	return last
}

// delayQueue posts parked tasks to their target runner once their deadline
// passes. Firing never runs a task. A Registry owns one and every runner it
// creates shares it.
type delayQueue struct {
	mu      sync.Mutex
	pending deadlineHeap
	seq     uint64
	stopped bool

	kick   chan struct{}
	quit   chan struct{}
	exited chan struct{}
}

func newDelayQueue() *delayQueue {
	q := &delayQueue{
		kick:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.run()
	return q
}

// schedule parks task for delay. It reports false once the queue is stopped.
func (q *delayQueue) schedule(task Task, delay time.Duration, target TaskRunner) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.seq++
	seq := q.seq
	heap.Push(&q.pending, pendingTask{
		due:    time.Now().Add(delay),
		seq:    seq,
		task:   task,
		target: target,
	})
	earliest := q.pending[0].seq == seq
	q.mu.Unlock()

	if earliest {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
	return true
}

func (q *delayQueue) run() {
	defer close(q.exited)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		if wait, ok := q.fire(time.Now()); ok {
			timer.Reset(wait)
		}
		select {
		case <-q.quit:
			timer.Stop()
			return
		case <-timer.C:
		case <-q.kick:
			timer.Stop()
		}
	}
}

// fire posts every task due by now and returns the wait until the next
// deadline, if any. Posting happens outside the lock.
func (q *delayQueue) fire(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	var due []pendingTask
	for len(q.pending) > 0 && !q.pending[0].due.After(now) {
		due = append(due, heap.Pop(&q.pending).(pendingTask))
	}
	var wait time.Duration
	next := len(q.pending) > 0
	if next {
		wait = q.pending[0].due.Sub(now)
	}
	q.mu.Unlock()

	for _, p := range due {
		// A target that shut down in the meantime reports the rejection itself.
		_ = p.target.Enqueue(p.task)
	}
	return wait, next
}

// stop ends the timer goroutine and drops everything still parked.
func (q *delayQueue) stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.pending = nil
	q.mu.Unlock()

	close(q.quit)
	<-q.exited
}

func (q *delayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
