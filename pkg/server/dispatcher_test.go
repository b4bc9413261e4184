package server

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcHandler struct {
	handle    func(Task)
	discarded atomic.Int64
}

func (h *funcHandler) HandleTask(task Task) { h.handle(task) }
func (h *funcHandler) DiscardTask(task Task) { h.discarded.Add(1) }

func TestTaskKindString(t *testing.T) {
	assert.Equal(t, "new_connection", TaskNewConnection.String())
	assert.Equal(t, "inbound_message", TaskInboundMessage.String())
}

func TestDispatcherRunsEveryTask(t *testing.T) {
	var handled atomic.Int64
	h := &funcHandler{handle: func(Task) { handled.Add(1) }}
	d := NewDispatcher(NewTaskQueue(0, BackpressureGrow), h, 4, 10*time.Millisecond)
	d.Start()
	defer d.Stop()

	for i := 0; i < 200; i++ {
		require.NoError(t, d.Submit(context.Background(), seqTask(uint64(i))))
	}
	require.Eventually(t, func() bool { return handled.Load() == 200 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	var handled atomic.Int64
	h := &funcHandler{handle: func(task Task) {
		if task.Seq == 0 {
			panic("boom")
		}
		handled.Add(1)
	}}
	d := NewDispatcher(NewTaskQueue(0, BackpressureGrow), h, 1, 10*time.Millisecond)
	d.Start()
	defer d.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Submit(context.Background(), seqTask(uint64(i))))
	}
	require.Eventually(t, func() bool { return handled.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherStopDiscardsQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var handled atomic.Int64
	h := &funcHandler{handle: func(Task) {
		if handled.Add(1) == 1 {
			close(started)
			<-release
		}
	}}
	d := NewDispatcher(NewTaskQueue(0, BackpressureGrow), h, 1, 10*time.Millisecond)
	d.Start()
	assert.True(t, d.Running())

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Submit(context.Background(), seqTask(uint64(i))))
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return !d.Running() }, time.Second, time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// The in-flight task finished; the rest were never started
	assert.Equal(t, int64(1), handled.Load())
	assert.Equal(t, int64(3), h.discarded.Load())
	assert.ErrorIs(t, d.Submit(context.Background(), seqTask(9)), ErrQueueClosed)
}

func TestDispatcherSubmitDropPolicy(t *testing.T) {
	h := &funcHandler{handle: func(Task) {}}
	// Not started, so nothing drains the queue
	d := NewDispatcher(NewTaskQueue(1, BackpressureDrop), h, 1, 10*time.Millisecond)
	d.SetMetrics(NewMetrics())

	require.NoError(t, d.Submit(context.Background(), seqTask(0)))
	assert.ErrorIs(t, d.Submit(context.Background(), seqTask(1)), ErrQueueFull)
}

// Workers may dequeue one session's messages in any order; the turn
// tickets must still apply them in read order.
func TestDispatcherPerSessionOrdering(t *testing.T) {
	const sessions = 3
	const perSession = 100

	r := NewRegistry()
	sess := make([]*Session, sessions)
	for i := range sess {
		sess[i], _ = activeSession(t, r, "s")
	}

	var mu sync.Mutex
	order := make(map[uint64][]uint64)

	h := &funcHandler{handle: func(task Task) {
		s, ok := r.Get(task.SessionID)
		if !ok || !s.waitTurn(task.Seq) {
			return
		}
		defer s.finishTurn()

		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		mu.Lock()
		order[task.SessionID] = append(order[task.SessionID], task.Seq)
		mu.Unlock()
	}}
	d := NewDispatcher(NewTaskQueue(0, BackpressureGrow), h, 8, 10*time.Millisecond)
	d.Start()
	defer d.Stop()

	for seq := uint64(0); seq < perSession; seq++ {
		for _, s := range sess {
			task := Task{Kind: TaskInboundMessage, SessionID: s.ID, Seq: seq}
			require.NoError(t, d.Submit(context.Background(), task))
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range sess {
			if len(order[s.ID]) != perSession {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range sess {
		for i, seq := range order[s.ID] {
			require.Equal(t, uint64(i), seq, "session %d out of order", s.ID)
		}
	}
}
