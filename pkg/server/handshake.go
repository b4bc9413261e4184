package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aeolun/cipherchat/pkg/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

// handshakeState tracks a connection through key establishment
type handshakeState uint8

const (
	hsInit handshakeState = iota
	hsKeyExchange
	hsActive
	hsFailed
)

func (s handshakeState) String() string {
	switch s {
	case hsInit:
		return "INIT"
	case hsKeyExchange:
		return "KEY_EXCHANGE"
	case hsActive:
		return "ACTIVE"
	default:
		return "FAILED"
	}
}

type handshake struct {
	srv   *Server
	sess  *Session
	state handshakeState
}

func (h *handshake) enter(next handshakeState) {
	debugLog.Printf("Session %d: handshake %s -> %s", h.sess.ID, h.state, next)
	h.state = next
}

// fail moves to FAILED and wraps err in ErrHandshake. reason labels metrics.
func (h *handshake) fail(reason string, err error) error {
	h.enter(hsFailed)
	if h.srv.metrics != nil {
		h.srv.metrics.RecordHandshakeFailure(reason)
	}
	return fmt.Errorf("%w (%s): %v", ErrHandshake, reason, err)
}

// runHandshake establishes sess's key for the configured protocol variant.
// On success the session is ACTIVE but not yet registered.
func (s *Server) runHandshake(sess *Session) error {
	if s.config.HandshakeTimeout > 0 {
		sess.Conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
		defer sess.Conn.SetDeadline(time.Time{})
	}

	h := &handshake{srv: s, sess: sess}
	var err error
	switch s.config.Mode {
	case ModeFile:
		err = h.runFile()
	default:
		err = h.runChat()
	}
	if err != nil {
		return err
	}

	if err := sess.Advance(PhaseActive); err != nil {
		return h.fail("phase", err)
	}
	h.enter(hsActive)
	return nil
}

// runChat: server sends its RSA public key, the client answers with a
// wrapped AES key and then its identity encrypted under that key.
func (h *handshake) runChat() error {
	sess := h.sess
	srv := h.srv

	if err := sess.Conn.WriteFrame(srv.rsaPublicPEM); err != nil {
		return h.fail("io", fmt.Errorf("send public key: %w", err))
	}
	h.enter(hsKeyExchange)

	wrapped, err := sess.Conn.ReadFrame()
	if err != nil {
		return h.fail("io", fmt.Errorf("read wrapped key: %w", err))
	}
	key, err := crypto.UnwrapKey(srv.rsaKey, wrapped)
	if err != nil {
		return h.fail("unwrap", err)
	}
	// Chat keys are always full-length AES-256 keys
	if len(key) != crypto.AES.KeySize() {
		return h.fail("key_size", fmt.Errorf("%w: chat key must be %d bytes, got %d", crypto.ErrInvalidKeySize, crypto.AES.KeySize(), len(key)))
	}

	sealed, err := sess.Conn.ReadFrame()
	if err != nil {
		return h.fail("io", fmt.Errorf("read identity: %w", err))
	}
	plain, err := crypto.DecryptChat(sealed, key, srv.config.ChatRandomIV)
	if err != nil {
		return h.fail("identity", err)
	}
	// Kept exactly as sent; only blank or non-UTF-8 identities are refused
	identity := string(plain)
	if strings.TrimSpace(identity) == "" || !utf8.ValidString(identity) {
		return h.fail("identity", errors.New("empty or invalid identity"))
	}

	sess.Suite = crypto.AES
	sess.Identity = identity
	if err := sess.SetKey(key); err != nil {
		return h.fail("key", err)
	}
	return nil
}

// runFile: cleartext login or register, then a DH or PKI key exchange.
func (h *handshake) runFile() error {
	sess := h.sess
	srv := h.srv

	var auth protocol.AuthRequest
	if err := sess.Conn.ReadJSON(&auth); err != nil {
		return h.fail("io", fmt.Errorf("read auth request: %w", err))
	}

	switch auth.Action {
	case protocol.ActionRegister:
		ok, err := srv.auth.Register(auth.Username, auth.Password)
		if err != nil {
			errorLog.Printf("Session %d: register %q: %v", sess.ID, auth.Username, err)
		}
		status := protocol.StatusSuccess
		if !ok {
			status = protocol.StatusUsernameTaken
		}
		if err := sess.Conn.WriteJSON(protocol.StatusResponse{Status: status}); err != nil {
			return h.fail("io", err)
		}
		log.Printf("Session %d: register %q -> %s", sess.ID, auth.Username, status)
		return errRegistrationComplete

	case protocol.ActionLogin:
		ok, err := srv.auth.Authenticate(auth.Username, auth.Password)
		if err != nil {
			errorLog.Printf("Session %d: login %q: %v", sess.ID, auth.Username, err)
		}
		if !ok {
			sess.Conn.WriteJSON(protocol.StatusResponse{Status: protocol.StatusInvalidCredentials})
			return h.fail("credentials", fmt.Errorf("login rejected for %q", auth.Username))
		}
		if err := sess.Conn.WriteJSON(protocol.StatusResponse{Status: protocol.StatusSuccess}); err != nil {
			return h.fail("io", err)
		}
		sess.Identity = auth.Username

	default:
		sess.Conn.WriteJSON(protocol.StatusResponse{Status: protocol.StatusInvalidAction})
		return h.fail("action", fmt.Errorf("unknown auth action %q", auth.Action))
	}

	h.enter(hsKeyExchange)

	suite, key, err := h.keyExchange()
	if err != nil {
		sess.Conn.WriteJSON(protocol.StatusResponse{
			Status:  protocol.StatusKeyExchangeFailed,
			Message: err.Error(),
		})
		return h.fail("key_exchange", err)
	}

	sess.Suite = suite
	if err := sess.SetKey(key); err != nil {
		return h.fail("key", err)
	}
	if err := sess.Conn.WriteJSON(protocol.StatusResponse{Status: protocol.StatusKeyExchangeComplete}); err != nil {
		return h.fail("io", err)
	}
	return nil
}

// keyExchange reads the client's HandshakeMessage and derives the key for
// the method and cipher it picked, subject to the configured allowlists.
func (h *handshake) keyExchange() (crypto.Suite, []byte, error) {
	sess := h.sess
	srv := h.srv

	var msg protocol.HandshakeMessage
	if err := sess.Conn.ReadJSON(&msg); err != nil {
		return 0, nil, fmt.Errorf("read handshake: %w", err)
	}

	cipherType := msg.CipherType
	if cipherType == "" {
		cipherType = protocol.DefaultCipherType
	}
	suite, err := crypto.ParseSuite(cipherType)
	if err != nil {
		return 0, nil, err
	}
	if !srv.cipherAllowed(suite) {
		return 0, nil, fmt.Errorf("cipher %s not allowed", suite)
	}

	method := strings.ToUpper(msg.Method)
	if !srv.methodAllowed(method) {
		return 0, nil, fmt.Errorf("method %q not allowed", msg.Method)
	}

	switch method {
	case protocol.MethodDH:
		peer, err := crypto.ParseECDHPublicKeyPEM([]byte(msg.PublicKey))
		if err != nil {
			return 0, nil, err
		}
		priv, err := crypto.GenerateECDHKey()
		if err != nil {
			return 0, nil, err
		}
		key, err := crypto.DeriveSessionKey(priv, peer, suite.KeySize())
		if err != nil {
			return 0, nil, err
		}
		pubPEM, err := crypto.MarshalPublicKeyPEM(priv.PublicKey())
		if err != nil {
			return 0, nil, err
		}
		reply := protocol.HandshakeMessage{
			Method:     protocol.MethodDH,
			PublicKey:  string(pubPEM),
			CipherType: suite.String(),
		}
		if err := sess.Conn.WriteJSON(reply); err != nil {
			return 0, nil, err
		}
		debugLog.Printf("Session %d: DH exchange complete (%s)", sess.ID, suite)
		return suite, key, nil

	case protocol.MethodPKI:
		wrapped := msg.EncryptedKey
		if len(wrapped) == 0 {
			// Client needs the server key before it can wrap its own
			reply := protocol.HandshakeMessage{
				Method:     protocol.MethodPKI,
				PublicKey:  string(srv.rsaPublicPEM),
				CipherType: suite.String(),
			}
			if err := sess.Conn.WriteJSON(reply); err != nil {
				return 0, nil, err
			}

			var second protocol.HandshakeMessage
			if err := sess.Conn.ReadJSON(&second); err != nil {
				return 0, nil, fmt.Errorf("read wrapped key: %w", err)
			}
			if !strings.EqualFold(second.Method, protocol.MethodPKI) || len(second.EncryptedKey) == 0 {
				return 0, nil, errors.New("expected PKI message carrying encrypted_key")
			}
			wrapped = second.EncryptedKey
		}

		key, err := crypto.UnwrapKey(srv.rsaKey, wrapped)
		if err != nil {
			return 0, nil, err
		}
		if err := suite.ValidateKey(key); err != nil {
			return 0, nil, err
		}
		debugLog.Printf("Session %d: PKI exchange complete (%s)", sess.ID, suite)
		return suite, key, nil

	default:
		return 0, nil, fmt.Errorf("unsupported method %q", msg.Method)
	}
}

func (s *Server) cipherAllowed(suite crypto.Suite) bool {
	if len(s.allowedCiphers) == 0 {
		return true
	}
	return s.allowedCiphers[suite]
}

func (s *Server) methodAllowed(method string) bool {
	if len(s.allowedMethods) == 0 {
		return true
	}
	return s.allowedMethods[method]
}
