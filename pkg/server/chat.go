package server

import (
	"log"
	"unicode/utf8"

	"github.com/aeolun/cipherchat/pkg/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

// sealChat encrypts a broadcast copy under the recipient's key
func (s *Server) sealChat(sess *Session, plaintext []byte) ([]byte, error) {
	return crypto.EncryptChat(plaintext, sess.Key(), s.config.ChatRandomIV)
}

// handleChatMessage relays one inbound chat frame to everyone else.
// A frame that does not decrypt to text is dropped; the connection stays open.
func (s *Server) handleChatMessage(sess *Session, payload []byte) {
	plaintext, err := crypto.DecryptChat(payload, sess.Key(), s.config.ChatRandomIV)
	if err == nil && !utf8.Valid(plaintext) {
		err = crypto.ErrInvalidCiphertext
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCryptoError(string(ModeChat))
		}
		debugLog.Printf("Session %d: dropping malformed message (%d bytes): %v", sess.ID, len(payload), err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordMessageReceived("chat")
	}

	line := protocol.ChatLine(sess.Identity, string(plaintext))
	log.Print(line)

	s.broadcast([]byte(line), sess.ID)
}

// broadcast delivers message to every session except exclude and evicts
// recipients whose copy could not be delivered
func (s *Server) broadcast(message []byte, exclude uint64) int {
	delivered, failures := s.registry.Broadcast(message, exclude, s.sealChat)
	if s.metrics != nil {
		s.metrics.RecordMessagesSent("chat", delivered)
	}
	for _, f := range failures {
		s.removeSession(f.Session.ID)
	}
	return delivered
}

// join registers an ACTIVE session. In chat mode every registered session,
// the newcomer included, is told "<identity> conectado". Registration and
// the notice happen under the presence lock so they cannot interleave with
// a concurrent leave.
//
// The lock is held for the whole notice broadcast, so a recipient that
// stops reading stalls other joins and leaves until its write fails.
// ServerConfig.WriteTimeout bounds that stall; with it set to 0 the stall
// lasts until the peer reads or the connection dies.
func (s *Server) join(sess *Session) error {
	s.presenceMu.Lock()
	if err := s.registry.Register(sess); err != nil {
		s.presenceMu.Unlock()
		return err
	}
	log.Printf("Session %d: %s connected from %s", sess.ID, sess.Identity, sess.RemoteAddr)

	var failures []DeliveryFailure
	if s.config.Mode == ModeChat {
		_, failures = s.registry.Broadcast([]byte(protocol.JoinNotice(sess.Identity)), 0, s.sealChat)
	}
	s.presenceMu.Unlock()

	for _, f := range failures {
		s.removeSession(f.Session.ID)
	}
	return nil
}

// removeSession evicts a session and, in chat mode, tells the remaining
// sessions "<identity> desconectado". Safe to call more than once per
// session; only the call that actually removed it announces the departure.
func (s *Server) removeSession(id uint64) {
	s.presenceMu.Lock()
	sess, ok := s.registry.Remove(id)
	if !ok {
		s.presenceMu.Unlock()
		return
	}
	s.disconnectionsSinceReport.Add(1)
	log.Printf("Session %d: %s disconnected", sess.ID, sess.Identity)

	var failures []DeliveryFailure
	if s.config.Mode == ModeChat {
		_, failures = s.registry.Broadcast([]byte(protocol.LeaveNotice(sess.Identity)), id, s.sealChat)
	}
	s.presenceMu.Unlock()

	for _, f := range failures {
		s.removeSession(f.Session.ID)
	}
}
