// Package client implements the client side of the chat and file protocols.
// It is used by the integration tests and for smoke-testing a deployment.
package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// DefaultDialTimeout bounds connection establishment
const DefaultDialTimeout = 5 * time.Second

var (
	// ErrUnexpectedStatus is returned when the server answers with a status
	// the operation did not expect
	ErrUnexpectedStatus = errors.New("unexpected server status")
	// ErrFileNotFound is returned by Download for a missing file
	ErrFileNotFound = errors.New("file not found")
	// ErrNoKey is returned by operations that need a negotiated key
	ErrNoKey = errors.New("no session key negotiated")
)

// dial connects over TCP, or over WebSocket when addr is a ws:// or wss:// URL
func dial(addr string, timeout time.Duration) (net.Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		conn, err := protocol.DialWebSocket(addr, timeout)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", addr, err)
		}
		return conn, nil
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// framedConn is the frame-level transport shared by both clients
type framedConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	logger  *log.Logger
}

// SetLogger sets a logger for debugging protocol events
func (c *framedConn) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *framedConn) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func (c *framedConn) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, payload)
}

func (c *framedConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteJSON(c.conn, v)
}

// readFrame reads one frame, failing after timeout (0 waits forever)
func (c *framedConn) readFrame(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return protocol.ReadFrame(c.conn)
}

func (c *framedConn) readJSON(v any, timeout time.Duration) error {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return protocol.ReadJSON(c.conn, v)
}

// SendRaw writes payload as one frame without encrypting it
func (c *framedConn) SendRaw(payload []byte) error {
	return c.writeFrame(payload)
}

// Close closes the underlying connection
func (c *framedConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the client side address
func (c *framedConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
