package client

import (
	"fmt"
	"net"
	"time"

	"github.com/aeolun/cipherchat/pkg/crypto"
)

// ChatClient speaks the chat protocol: RSA-wrapped AES key, encrypted
// identity, then encrypted chat lines in both directions
type ChatClient struct {
	framedConn
	key        []byte
	hardenedIV bool
	timeout    time.Duration
}

// DialChat connects to a chat server
func DialChat(addr string) (*ChatClient, error) {
	conn, err := dial(addr, DefaultDialTimeout)
	if err != nil {
		return nil, err
	}
	return NewChatClient(conn), nil
}

// NewChatClient wraps an established connection
func NewChatClient(conn net.Conn) *ChatClient {
	return &ChatClient{
		framedConn: framedConn{conn: conn},
		timeout:    DefaultDialTimeout,
	}
}

// SetHardenedIV selects the random-IV chat mode. It must match the server's
// chat_random_iv setting.
func (c *ChatClient) SetHardenedIV(enabled bool) {
	c.hardenedIV = enabled
}

// Connect runs the chat handshake and announces identity
func (c *ChatClient) Connect(identity string) error {
	pemBytes, err := c.readFrame(c.timeout)
	if err != nil {
		return fmt.Errorf("read server key: %w", err)
	}
	serverKey, err := crypto.ParseRSAPublicKeyPEM(pemBytes)
	if err != nil {
		return err
	}

	key, err := crypto.GenerateKey(crypto.AES)
	if err != nil {
		return err
	}
	wrapped, err := crypto.WrapKey(serverKey, key)
	if err != nil {
		return err
	}
	if err := c.writeFrame(wrapped); err != nil {
		return fmt.Errorf("send wrapped key: %w", err)
	}

	sealed, err := crypto.EncryptChat([]byte(identity), key, c.hardenedIV)
	if err != nil {
		return err
	}
	if err := c.writeFrame(sealed); err != nil {
		return fmt.Errorf("send identity: %w", err)
	}

	c.key = key
	c.logf("Connected as %q", identity)
	return nil
}

// Send encrypts and sends one chat message
func (c *ChatClient) Send(text string) error {
	if c.key == nil {
		return ErrNoKey
	}
	sealed, err := crypto.EncryptChat([]byte(text), c.key, c.hardenedIV)
	if err != nil {
		return err
	}
	return c.writeFrame(sealed)
}

// Receive waits up to timeout for the next message and decrypts it
func (c *ChatClient) Receive(timeout time.Duration) (string, error) {
	if c.key == nil {
		return "", ErrNoKey
	}
	sealed, err := c.readFrame(timeout)
	if err != nil {
		return "", err
	}
	plain, err := crypto.DecryptChat(sealed, c.key, c.hardenedIV)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Key returns the session key, nil before Connect
func (c *ChatClient) Key() []byte {
	return c.key
}
