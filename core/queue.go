package core

import "sync"

const (
	defaultQueueCap     = 16
	growIncrement       = 16 // new capacity = cap + cap/2 + growIncrement
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Compact an empty buffer once cap exceeds initial*4
)

// =============================================================================
// TaskQueue: growable ring buffer FIFO
// =============================================================================

// TaskQueue is a thread-safe, unbounded FIFO of WorkItems backed by a circular
// buffer. It holds the pending work of exactly one Runner.
//
// All mutation happens under a single mutex. A condition variable bound to the
// same mutex wakes blocked consumers; tasks are never executed while it is held.
type TaskQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	buf        []WorkItem
	head       int // index of the oldest element
	count      int
	initialCap int
	closed     bool

	// OnGrow, if set, is called (under the queue lock) after every growth.
	OnGrow func(newCap int)
}

// NewTaskQueue creates a queue with the given initial capacity.
// A non-positive capacity selects the default.
func NewTaskQueue(initialCapacity int) *TaskQueue {
	if initialCapacity <= 0 {
		initialCapacity = defaultQueueCap
	}
	q := &TaskQueue{
		buf:        make([]WorkItem, initialCapacity),
		initialCap: initialCapacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item at the tail and wakes one waiting consumer.
// An item without a task fails with ErrNilTask and is not queued.
func (q *TaskQueue) Enqueue(item WorkItem) error {
	if !item.valid() {
		return ErrNilTask
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.pushLocked(item)
	q.notEmpty.Signal()
	return nil
}

// Close appends final (normally ShutdownSignal) and rejects all later enqueues.
// Consumers drain what remains; Dequeue reports false once the queue is empty.
func (q *TaskQueue) Close(final WorkItem) error {
	if !final.valid() {
		return ErrNilTask
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.pushLocked(final)
	q.closed = true
	q.notEmpty.Broadcast()
	return nil
}

// Dequeue blocks until an element is available and removes the head.
// It returns false only when the queue is closed and empty.
func (q *TaskQueue) Dequeue() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.count == 0 {
		return WorkItem{}, false
	}
	return q.popLocked(), true
}

// DequeueBatch blocks like Dequeue, then removes up to max elements in order.
// It returns nil only when the queue is closed and empty.
func (q *TaskQueue) DequeueBatch(max int) []WorkItem {
	if max < 1 {
		max = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	n := min(q.count, max)
	if n == 0 {
		return nil
	}

	batch := make([]WorkItem, n)
	for i := range n {
		batch[i] = q.popLocked()
	}
	return batch
}

// OptDequeue removes the head if present, without blocking.
func (q *TaskQueue) OptDequeue() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return WorkItem{}, false
	}
	return q.popLocked(), true
}

// Drain removes and returns every pending element.
func (q *TaskQueue) Drain() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	out := make([]WorkItem, 0, q.count)
	for q.count > 0 {
		out = append(out, q.popLocked())
	}
	return out
}

// HasMoreElements reports whether the queue is non-empty.
func (q *TaskQueue) HasMoreElements() bool {
	return q.Len() > 0
}

// Len returns the number of queued items, shutdown signals included.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the current size of the backing buffer.
func (q *TaskQueue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// IsClosed reports whether Close has been called.
func (q *TaskQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *TaskQueue) pushLocked(item WorkItem) {
	if q.count == len(q.buf) {
		q.growLocked()
	}
	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
}

func (q *TaskQueue) popLocked() WorkItem {
	item := q.buf[q.head]
	// Zero out the slot to release the closure
	q.buf[q.head] = WorkItem{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--

	if q.count == 0 {
		q.head = 0
		q.maybeCompactLocked()
	}
	return item
}

// growLocked reallocates the buffer. The live region may wrap, so it is copied
// as two segments: head up to the end of the buffer, then the start of the
// buffer up to the tail.
func (q *TaskQueue) growLocked() {
	oldCap := len(q.buf)
	newCap := oldCap + oldCap/2 + growIncrement

	next := make([]WorkItem, newCap)
	first := min(q.count, oldCap-q.head)
	copy(next, q.buf[q.head:q.head+first])
	copy(next[first:], q.buf[:q.count-first])

	q.buf = next
	q.head = 0

	if q.OnGrow != nil {
		q.OnGrow(newCap)
	}
}

func (q *TaskQueue) maybeCompactLocked() {
	c := len(q.buf)
	if c < compactMinCap || c <= q.initialCap*compactShrinkFactor {
		return
	}
	q.buf = make([]WorkItem, q.initialCap)
}
