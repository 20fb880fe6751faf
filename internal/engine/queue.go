package engine

import (
	"sync"

	"github.com/roach88/denorm/internal/docstore"
)

// changeQueue is a thread-safe FIFO of committed changes.
//
// The queue is unbounded: a single write can cascade into many dependent
// patches, and the store's watch callback must never block a commit.
//
// The signal channel (buffered, size 1) lets the Run loop wait with
// context cancellation instead of blocking on the mutex.
type changeQueue struct {
	mu      sync.Mutex
	changes []docstore.Change
	closed  bool
	signal  chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{
		changes: make([]docstore.Change, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a change to the back of the queue.
// Returns false if the queue is closed.
func (q *changeQueue) Enqueue(c docstore.Change) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.changes = append(q.changes, c)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front change without blocking.
func (q *changeQueue) TryDequeue() (docstore.Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.changes) == 0 {
		return docstore.Change{}, false
	}
	c := q.changes[0]

	// Drop the slot's reference so snapshot data can be collected.
	q.changes[0] = docstore.Change{}
	if len(q.changes) == 1 {
		q.changes = q.changes[:0]
	} else {
		q.changes = q.changes[1:]
	}
	return c, true
}

// Wait returns a channel that signals when changes may be available. It is
// closed by Close.
func (q *changeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *changeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}

// Close stops accepting changes and wakes any waiter.
func (q *changeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *changeQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
