package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/cipherchat/pkg/crypto"
)

// Phase is a session's position in its lifecycle. It only moves forward.
type Phase int32

const (
	PhaseHandshaking Phase = iota
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshaking:
		return "HANDSHAKING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Session represents one client connection and the key negotiated for it.
//
// Identity and Suite are written by the handshake before the session is
// registered and are read-only afterwards.
type Session struct {
	ID          uint64
	Identity    string
	Suite       crypto.Suite
	Conn        *SafeConn
	RemoteAddr  string
	ConnectedAt time.Time

	keyMu sync.RWMutex
	key   []byte

	phase atomic.Int32

	// Inbound ordering. recvSeq is owned by the receive loop; turn is the
	// sequence number the next worker may process.
	recvSeq  uint64
	turnMu   sync.Mutex
	turnCond *sync.Cond
	turn     uint64
}

func newSession(id uint64, conn *SafeConn) *Session {
	sess := &Session{
		ID:          id,
		Conn:        conn,
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
	}
	sess.turnCond = sync.NewCond(&sess.turnMu)
	return sess
}

// SetKey stores the negotiated symmetric key. It succeeds exactly once.
func (s *Session) SetKey(key []byte) error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if s.key != nil {
		return ErrKeyAlreadySet
	}
	s.key = append([]byte(nil), key...)
	return nil
}

// Key returns a copy of the session key, or nil before SetKey
func (s *Session) Key() []byte {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	if s.key == nil {
		return nil
	}
	return append([]byte(nil), s.key...)
}

// Phase returns the current lifecycle phase
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// Advance moves the session to next. Moving to the current phase is a
// no-op; moving backward fails with ErrPhaseRegression.
func (s *Session) Advance(next Phase) error {
	for {
		cur := s.phase.Load()
		if Phase(cur) == next {
			return nil
		}
		if Phase(cur) > next {
			return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, Phase(cur), next)
		}
		if s.phase.CompareAndSwap(cur, int32(next)) {
			break
		}
	}

	if next == PhaseClosed {
		// Release workers parked in waitTurn
		s.turnMu.Lock()
		s.turnCond.Broadcast()
		s.turnMu.Unlock()
	}
	return nil
}

// waitTurn blocks until every message read before seq has been processed.
// It returns false if the session closed while waiting.
func (s *Session) waitTurn(seq uint64) bool {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	for s.turn != seq {
		if s.Phase() == PhaseClosed {
			return false
		}
		s.turnCond.Wait()
	}
	return s.Phase() != PhaseClosed
}

// finishTurn hands the session to the worker holding the next sequence number
func (s *Session) finishTurn() {
	s.turnMu.Lock()
	s.turn++
	s.turnCond.Broadcast()
	s.turnMu.Unlock()
}
