package client

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aeolun/cipherchat/pkg/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

// FileClient speaks the file protocol: cleartext login, key exchange, then
// encrypted file actions
type FileClient struct {
	framedConn
	suite   crypto.Suite
	key     []byte
	timeout time.Duration
}

// handshakeReply is either the server's HandshakeMessage or a failure status
type handshakeReply struct {
	protocol.HandshakeMessage
	protocol.StatusResponse
}

// DialFile connects to a file server
func DialFile(addr string) (*FileClient, error) {
	conn, err := dial(addr, DefaultDialTimeout)
	if err != nil {
		return nil, err
	}
	return NewFileClient(conn), nil
}

// NewFileClient wraps an established connection
func NewFileClient(conn net.Conn) *FileClient {
	return &FileClient{
		framedConn: framedConn{conn: conn},
		timeout:    10 * time.Second,
	}
}

// SetTimeout bounds each request/response round trip
func (c *FileClient) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

func (c *FileClient) auth(action, username, password string) (string, error) {
	req := protocol.AuthRequest{
		Action:   action,
		Username: username,
		Password: password,
	}
	if err := c.writeJSON(req); err != nil {
		return "", err
	}

	var resp protocol.StatusResponse
	if err := c.readJSON(&resp, c.timeout); err != nil {
		return "", fmt.Errorf("read %s response: %w", action, err)
	}
	return resp.Status, nil
}

// Register creates an account and returns the server's status
// ("success" or "username_taken"). The server closes the connection
// afterwards; log in on a new connection.
func (c *FileClient) Register(username, password string) (string, error) {
	return c.auth(protocol.ActionRegister, username, password)
}

// Login authenticates the connection
func (c *FileClient) Login(username, password string) error {
	status, err := c.auth(protocol.ActionLogin, username, password)
	if err != nil {
		return err
	}
	if status != protocol.StatusSuccess {
		return fmt.Errorf("%w: login: %s", ErrUnexpectedStatus, status)
	}
	return nil
}

// KeyExchange negotiates the session key with method "DH" or "PKI"
func (c *FileClient) KeyExchange(method string, suite crypto.Suite) error {
	var key []byte
	var err error
	switch strings.ToUpper(method) {
	case protocol.MethodDH:
		key, err = c.exchangeDH(suite)
	case protocol.MethodPKI:
		key, err = c.exchangePKI(suite)
	default:
		// Let the server reject it so the failure path can be exercised
		err = c.writeJSON(protocol.HandshakeMessage{Method: method, CipherType: suite.String()})
		if err == nil {
			_, err = c.readReply()
		}
		if err == nil {
			err = fmt.Errorf("%w: method %q accepted", ErrUnexpectedStatus, method)
		}
	}
	if err != nil {
		return err
	}

	var final protocol.StatusResponse
	if err := c.readJSON(&final, c.timeout); err != nil {
		return fmt.Errorf("read key exchange status: %w", err)
	}
	if final.Status != protocol.StatusKeyExchangeComplete {
		return fmt.Errorf("%w: key exchange: %s %s", ErrUnexpectedStatus, final.Status, final.Message)
	}

	c.suite = suite
	c.key = key
	c.logf("Key exchange complete (%s, %s)", method, suite)
	return nil
}

// readReply reads the server's handshake answer, turning a failure status
// into an error
func (c *FileClient) readReply() (protocol.HandshakeMessage, error) {
	var reply handshakeReply
	if err := c.readJSON(&reply, c.timeout); err != nil {
		return protocol.HandshakeMessage{}, fmt.Errorf("read handshake reply: %w", err)
	}
	if reply.Status != "" {
		return protocol.HandshakeMessage{}, fmt.Errorf("%w: %s %s", ErrUnexpectedStatus, reply.Status, reply.Message)
	}
	return reply.HandshakeMessage, nil
}

func (c *FileClient) exchangeDH(suite crypto.Suite) ([]byte, error) {
	priv, err := crypto.GenerateECDHKey()
	if err != nil {
		return nil, err
	}
	pubPEM, err := crypto.MarshalPublicKeyPEM(priv.PublicKey())
	if err != nil {
		return nil, err
	}

	msg := protocol.HandshakeMessage{
		Method:     protocol.MethodDH,
		PublicKey:  string(pubPEM),
		CipherType: suite.String(),
	}
	if err := c.writeJSON(msg); err != nil {
		return nil, err
	}

	reply, err := c.readReply()
	if err != nil {
		return nil, err
	}
	peer, err := crypto.ParseECDHPublicKeyPEM([]byte(reply.PublicKey))
	if err != nil {
		return nil, err
	}
	return crypto.DeriveSessionKey(priv, peer, suite.KeySize())
}

func (c *FileClient) exchangePKI(suite crypto.Suite) ([]byte, error) {
	// Ask for the server key first
	if err := c.writeJSON(protocol.HandshakeMessage{Method: protocol.MethodPKI, CipherType: suite.String()}); err != nil {
		return nil, err
	}
	reply, err := c.readReply()
	if err != nil {
		return nil, err
	}
	serverKey, err := crypto.ParseRSAPublicKeyPEM([]byte(reply.PublicKey))
	if err != nil {
		return nil, err
	}

	key, err := crypto.GenerateKey(suite)
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.WrapKey(serverKey, key)
	if err != nil {
		return nil, err
	}
	msg := protocol.HandshakeMessage{
		Method:       protocol.MethodPKI,
		EncryptedKey: wrapped,
		CipherType:   suite.String(),
	}
	if err := c.writeJSON(msg); err != nil {
		return nil, err
	}
	return key, nil
}

// Do sends one encrypted file request and decrypts the response
func (c *FileClient) Do(req protocol.FileRequest) (protocol.FileResponse, error) {
	if c.key == nil {
		return protocol.FileResponse{}, ErrNoKey
	}

	plaintext, err := json.Marshal(req)
	if err != nil {
		return protocol.FileResponse{}, err
	}
	sealed, err := crypto.EncryptFile(plaintext, c.key, c.suite)
	if err != nil {
		return protocol.FileResponse{}, err
	}
	if err := c.writeJSON(protocol.Envelope{Data: sealed}); err != nil {
		return protocol.FileResponse{}, err
	}

	return c.readResponse()
}

func (c *FileClient) readResponse() (protocol.FileResponse, error) {
	var env protocol.Envelope
	if err := c.readJSON(&env, c.timeout); err != nil {
		return protocol.FileResponse{}, fmt.Errorf("read response: %w", err)
	}
	plaintext, err := crypto.DecryptFile(env.Data, c.key, c.suite)
	if err != nil {
		return protocol.FileResponse{}, err
	}
	var resp protocol.FileResponse
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		return protocol.FileResponse{}, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}

// SendEnvelope sends an arbitrary envelope payload and returns the
// decrypted response
func (c *FileClient) SendEnvelope(data []byte) (protocol.FileResponse, error) {
	if c.key == nil {
		return protocol.FileResponse{}, ErrNoKey
	}
	if err := c.writeJSON(protocol.Envelope{Data: data}); err != nil {
		return protocol.FileResponse{}, err
	}
	return c.readResponse()
}

// Upload stores data under filename
func (c *FileClient) Upload(filename string, data []byte) error {
	resp, err := c.Do(protocol.FileRequest{
		Action:   protocol.ActionUpload,
		Filename: filename,
		FileData: data,
	})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusUploadSuccess {
		return fmt.Errorf("%w: upload: %s %s", ErrUnexpectedStatus, resp.Status, resp.Message)
	}
	return nil
}

// Download fetches filename, returning ErrFileNotFound if it does not exist
func (c *FileClient) Download(filename string) ([]byte, error) {
	resp, err := c.Do(protocol.FileRequest{
		Action:   protocol.ActionDownload,
		Filename: filename,
	})
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case protocol.StatusSuccess:
		if resp.FileData == nil {
			return []byte{}, nil
		}
		return resp.FileData, nil
	case protocol.StatusFileNotFound:
		return nil, ErrFileNotFound
	default:
		return nil, fmt.Errorf("%w: download: %s %s", ErrUnexpectedStatus, resp.Status, resp.Message)
	}
}

// List returns the names of the user's files
func (c *FileClient) List() ([]string, error) {
	resp, err := c.Do(protocol.FileRequest{Action: protocol.ActionList})
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusSuccess {
		return nil, fmt.Errorf("%w: list: %s %s", ErrUnexpectedStatus, resp.Status, resp.Message)
	}
	return resp.Files, nil
}

// Key returns the negotiated key, nil before KeyExchange
func (c *FileClient) Key() []byte {
	return c.key
}

// Suite returns the negotiated cipher suite
func (c *FileClient) Suite() crypto.Suite {
	return c.suite
}
