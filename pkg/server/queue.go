package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Backpressure decides what Enqueue does when a bounded queue is full
type Backpressure string

const (
	// BackpressureGrow ignores the capacity and lets the queue grow in memory
	BackpressureGrow Backpressure = "grow"
	// BackpressureBlock makes Enqueue wait for room
	BackpressureBlock Backpressure = "block"
	// BackpressureDrop rejects the task with ErrQueueFull
	BackpressureDrop Backpressure = "drop"
)

// ParseBackpressure maps a config value to a policy. Empty means grow.
func ParseBackpressure(s string) (Backpressure, error) {
	switch Backpressure(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackpressureGrow:
		return BackpressureGrow, nil
	case BackpressureBlock:
		return BackpressureBlock, nil
	case BackpressureDrop:
		return BackpressureDrop, nil
	default:
		return "", fmt.Errorf("unknown backpressure policy %q (want grow, block or drop)", s)
	}
}

// TaskQueue is the FIFO shared by the acceptor, the receive loops and the
// worker pool. Capacity only applies to the block and drop policies;
// capacity 0 means unbounded under every policy.
type TaskQueue struct {
	mu       sync.Mutex
	items    *queue.Queue
	capacity int
	policy   Backpressure
	closed   bool

	// Level-triggered wakeups, capacity 1 so a signal is never lost
	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// NewTaskQueue creates a queue with the given capacity and policy
func NewTaskQueue(capacity int, policy Backpressure) *TaskQueue {
	if policy == "" {
		policy = BackpressureGrow
	}
	return &TaskQueue{
		items:    queue.New(),
		capacity: capacity,
		policy:   policy,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) bounded() bool {
	return q.capacity > 0 && q.policy != BackpressureGrow
}

// Enqueue appends task. Under the block policy it waits for room until ctx
// is done or the queue is closed.
func (q *TaskQueue) Enqueue(ctx context.Context, task Task) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if !q.bounded() || q.items.Length() < q.capacity {
			q.items.Add(task)
			room := !q.bounded() || q.items.Length() < q.capacity
			q.mu.Unlock()

			signal(q.notEmpty)
			if room {
				signal(q.notFull)
			}
			return nil
		}
		q.mu.Unlock()

		if q.policy == BackpressureDrop {
			return ErrQueueFull
		}

		select {
		case <-q.notFull:
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dequeue removes the oldest task, waiting at most timeout for one to
// arrive. It returns ErrDequeueTimeout when nothing arrived in time and
// ErrQueueClosed once the queue is closed and drained.
func (q *TaskQueue) Dequeue(timeout time.Duration) (Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.items.Length() > 0 {
			task := q.items.Remove().(Task)
			remaining := q.items.Length()
			q.mu.Unlock()

			signal(q.notFull)
			if remaining > 0 {
				// Pass the wakeup on to the next idle worker
				signal(q.notEmpty)
			}
			return task, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Task{}, ErrQueueClosed
		}

		select {
		case <-q.notEmpty:
		case <-q.done:
		case <-timer.C:
			return Task{}, ErrDequeueTimeout
		}
	}
}

// Len returns the number of queued tasks
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Close rejects further Enqueue calls and wakes every waiter. Tasks already
// queued can still be dequeued.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain removes and returns every queued task
func (q *TaskQueue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]Task, 0, q.items.Length())
	for q.items.Length() > 0 {
		tasks = append(tasks, q.items.Remove().(Task))
	}
	return tasks
}
