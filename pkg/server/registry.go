package server

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry is the directory of established sessions. A single mutex
// serializes every mutation; iteration for I/O always goes through Snapshot.
//
// Sessions still handshaking are tracked separately so CloseAll can abort
// them, but they are never visible to Snapshot or Get.
type Registry struct {
	sessions map[uint64]*Session
	pending  map[uint64]*Session
	nextID   uint64
	closed   bool
	mu       sync.Mutex
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		pending:  make(map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// NewSession allocates a handle for conn and returns a HANDSHAKING session.
// The session is not visible to Snapshot until Register succeeds.
func (r *Registry) NewSession(conn net.Conn, maxFrame int) (*Session, error) {
	// Allocate session ID atomically (no lock needed)
	id := atomic.AddUint64(&r.nextID, 1) - 1
	sess := newSession(id, NewSafeConn(conn, maxFrame))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrSessionClosed
	}
	r.pending[id] = sess
	return sess, nil
}

// Discard closes a session that never made it into the registry
func (r *Registry) Discard(sess *Session) {
	r.mu.Lock()
	delete(r.pending, sess.ID)
	r.mu.Unlock()

	sess.Advance(PhaseClosed)
	sess.Conn.Close()
}

// Register inserts an ACTIVE session. A handle can only be registered once.
func (r *Registry) Register(sess *Session) error {
	if phase := sess.Phase(); phase != PhaseActive {
		return fmt.Errorf("%w: session %d is %s", ErrSessionInactive, sess.ID, phase)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	if _, exists := r.sessions[sess.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %d", ErrSessionExists, sess.ID)
	}
	delete(r.pending, sess.ID)
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionCreated()
	}
	return nil
}

// Remove evicts a session. Deleting the entry, marking it CLOSED and closing
// its connection happen under the registry lock, so a broadcast can never
// write to it once Remove has returned.
func (r *Registry) Remove(id uint64) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, id)
	sess.Advance(PhaseClosed)
	sess.Conn.Close()
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionDisconnected()
	}
	return sess, true
}

// Get returns a session by handle
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Snapshot returns the registered sessions at call time, ordered by handle
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll removes and closes every session, aborts handshakes in progress
// and rejects later registrations. It returns the registered sessions it
// closed, in handle order.
func (r *Registry) CloseAll() []*Session {
	r.mu.Lock()
	r.closed = true
	for id, sess := range r.pending {
		delete(r.pending, id)
		sess.Advance(PhaseClosed)
		sess.Conn.Close()
	}
	sessions := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		delete(r.sessions, id)
		sess.Advance(PhaseClosed)
		sess.Conn.Close()
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(0)
		for range sessions {
			r.metrics.RecordSessionDisconnected()
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}
