package botlib

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/aeolun/cipherchat/pkg/crypto"
)

var errConnectionClosed = errors.New("connection closed")

// connection owns the chat client and its receive loop.
type connection struct {
	addr       string
	hardenedIV bool
	chat       *client.ChatClient
	closed     bool
	mu         sync.RWMutex

	// Called for every decrypted line
	onLine func(string)
	// Called for lines that fail to decrypt
	onDecryptError func(error)
}

func newConnection(addr string, hardenedIV bool) *connection {
	return &connection{addr: addr, hardenedIV: hardenedIV}
}

func (c *connection) connect(identity string) error {
	chat, err := client.DialChat(c.addr)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	chat.SetHardenedIV(c.hardenedIV)

	if err := chat.Connect(identity); err != nil {
		chat.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	c.mu.Lock()
	c.chat = chat
	c.mu.Unlock()
	return nil
}

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.chat != nil {
		return c.chat.Close()
	}
	return nil
}

func (c *connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *connection) send(text string) error {
	c.mu.RLock()
	chat, closed := c.chat, c.closed
	c.mu.RUnlock()
	if closed || chat == nil {
		return errConnectionClosed
	}
	return chat.Send(text)
}

// receiveLoop reads lines until the connection fails and returns the error
// that ended it (nil after close).
func (c *connection) receiveLoop() error {
	c.mu.RLock()
	chat := c.chat
	c.mu.RUnlock()

	for {
		line, err := chat.Receive(0)
		if err != nil {
			if c.isClosed() {
				return nil
			}
			if errors.Is(err, crypto.ErrCrypto) {
				if c.onDecryptError != nil {
					c.onDecryptError(err)
				}
				continue
			}
			return err
		}
		if c.onLine != nil {
			c.onLine(line)
		}
	}
}
