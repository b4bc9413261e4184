package server

import (
	"context"
	"errors"
	"log"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// TaskKind tags the two kinds of work a worker can pick up
type TaskKind uint8

const (
	// TaskNewConnection carries a freshly accepted connection to be handshaken
	TaskNewConnection TaskKind = iota + 1
	// TaskInboundMessage carries one frame read by a session's receive loop
	TaskInboundMessage
)

func (k TaskKind) String() string {
	switch k {
	case TaskNewConnection:
		return "new_connection"
	case TaskInboundMessage:
		return "inbound_message"
	default:
		return "unknown"
	}
}

// Task is one unit of work. Conn is set for TaskNewConnection; SessionID,
// Payload and Seq are set for TaskInboundMessage. A task is consumed by
// exactly one worker and never re-queued.
type Task struct {
	Kind      TaskKind
	Conn      net.Conn
	SessionID uint64
	Payload   []byte
	Seq       uint64
}

// TaskHandler processes tasks taken off the queue
type TaskHandler interface {
	HandleTask(task Task)
	// DiscardTask releases a task that will never be handled (shutdown)
	DiscardTask(task Task)
}

// Dispatcher runs a fixed pool of workers over a TaskQueue
type Dispatcher struct {
	queue          *TaskQueue
	handler        TaskHandler
	workers        int
	dequeueTimeout time.Duration
	metrics        *Metrics

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given worker count
func NewDispatcher(q *TaskQueue, handler TaskHandler, workers int, dequeueTimeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if dequeueTimeout <= 0 {
		dequeueTimeout = 500 * time.Millisecond
	}
	return &Dispatcher{
		queue:          q,
		handler:        handler,
		workers:        workers,
		dequeueTimeout: dequeueTimeout,
	}
}

// SetMetrics attaches metrics to the dispatcher
func (d *Dispatcher) SetMetrics(metrics *Metrics) {
	d.metrics = metrics
}

// Start launches the workers
func (d *Dispatcher) Start() {
	if d.running.Swap(true) {
		return
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	debugLog.Printf("Dispatcher started with %d workers", d.workers)
}

// Running reports whether workers are accepting tasks
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Submit enqueues a task according to the queue's backpressure policy
func (d *Dispatcher) Submit(ctx context.Context, task Task) error {
	err := d.queue.Enqueue(ctx, task)
	if d.metrics != nil {
		if err != nil {
			if errors.Is(err, ErrQueueFull) {
				d.metrics.RecordTaskDropped(task.Kind.String())
			}
		} else {
			d.metrics.RecordQueueDepth(d.queue.Len())
		}
	}
	return err
}

// Stop clears the running flag, closes the queue and waits for workers to
// finish the task they hold. Queued tasks nobody picked up are discarded.
func (d *Dispatcher) Stop() {
	if !d.running.Swap(false) {
		return
	}
	d.queue.Close()
	d.wg.Wait()

	leftover := d.queue.Drain()
	for _, task := range leftover {
		d.handler.DiscardTask(task)
	}
	if len(leftover) > 0 {
		log.Printf("Dispatcher stopped, discarded %d queued tasks", len(leftover))
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for d.running.Load() {
		task, err := d.queue.Dequeue(d.dequeueTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			// Timeout: loop back and re-check the running flag
			continue
		}

		if d.metrics != nil {
			d.metrics.RecordQueueDepth(d.queue.Len())
		}
		d.run(id, task)
	}
}

// run isolates a panicking task so one bad connection cannot take the pool down
func (d *Dispatcher) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Worker %d: panic handling %s task: %v\n%s", id, task.Kind, r, debug.Stack())
		}
	}()
	d.handler.HandleTask(task)
}
