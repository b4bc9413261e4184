package server

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// SafeConn wraps a net.Conn with write synchronization so that frames
// written by a worker and by a concurrent broadcast never interleave.
//
// Close is idempotent. Once Close has returned, every later write fails
// with ErrSessionClosed without touching the socket.
//
// With a write timeout set, a peer that stops reading makes WriteFrame fail
// after that long instead of blocking the caller (and anyone queued on mu).
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects writes to conn
	closed       atomic.Bool
	maxFrame     int
	writeTimeout atomic.Int64 // nanoseconds, 0 = none
}

// NewSafeConn wraps conn. maxFrame caps inbound frames (0 = unlimited).
func NewSafeConn(conn net.Conn, maxFrame int) *SafeConn {
	return &SafeConn{
		conn:     conn,
		maxFrame: maxFrame,
	}
}

// SetWriteTimeout bounds every later WriteFrame (0 = no bound)
func (sc *SafeConn) SetWriteTimeout(d time.Duration) {
	sc.writeTimeout.Store(int64(d))
}

// WriteFrame sends payload as one length-prefixed frame
func (sc *SafeConn) WriteFrame(payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed.Load() {
		return ErrSessionClosed
	}
	if d := time.Duration(sc.writeTimeout.Load()); d > 0 {
		if err := sc.conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
			return err
		}
	}
	return protocol.WriteFrame(sc.conn, payload)
}

// WriteJSON marshals v and sends it as one frame
func (sc *SafeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return sc.WriteFrame(data)
}

// ReadFrame reads one frame. Reads don't need write synchronization; only
// the handshake worker or the receive loop ever reads a given connection.
func (sc *SafeConn) ReadFrame() ([]byte, error) {
	return protocol.ReadFrameLimit(sc.conn, sc.maxFrame)
}

// ReadJSON reads one frame and unmarshals it into v
func (sc *SafeConn) ReadJSON(v any) error {
	return protocol.ReadJSONLimit(sc.conn, sc.maxFrame, v)
}

// SetDeadline sets the read and write deadline on the underlying connection
func (sc *SafeConn) SetDeadline(t time.Time) error {
	return sc.conn.SetDeadline(t)
}

// Close closes the underlying connection once
func (sc *SafeConn) Close() error {
	if sc.closed.Swap(true) {
		return nil
	}
	return sc.conn.Close()
}

// Closed reports whether Close has been called
func (sc *SafeConn) Closed() bool {
	return sc.closed.Load()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
