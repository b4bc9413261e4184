package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aeolun/cipherchat/pkg/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

// handleFileRequest decrypts one Envelope, runs the file action it carries
// and answers with an encrypted FileResponse. Malformed or undecryptable
// requests get an error response; the connection stays open.
func (s *Server) handleFileRequest(sess *Session, payload []byte) {
	resp, kind := s.fileAction(sess, payload)
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(kind)
	}

	if err := s.sendFileResponse(sess, resp); err != nil {
		errorLog.Printf("Session %d: failed to send %s response: %v", sess.ID, kind, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent(kind)
	}
}

func (s *Server) fileAction(sess *Session, payload []byte) (protocol.FileResponse, string) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return errorResponse(fmt.Errorf("malformed envelope: %v", err)), "error"
	}

	plaintext, err := crypto.DecryptFile(env.Data, sess.Key(), sess.Suite)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCryptoError(string(ModeFile))
		}
		debugLog.Printf("Session %d: decrypt failed: %v", sess.ID, err)
		return errorResponse(err), "error"
	}

	var req protocol.FileRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed request: %v", err)), "error"
	}
	switch req.Action {
	case protocol.ActionUpload:
		if err := s.files.Save(sess.Identity, req.Filename, req.FileData); err != nil {
			errorLog.Printf("Session %d: upload %q: %v", sess.ID, req.Filename, err)
			return errorResponse(err), req.Action
		}
		log.Printf("Session %d: %s uploaded %q (%d bytes)", sess.ID, sess.Identity, req.Filename, len(req.FileData))
		return protocol.FileResponse{Status: protocol.StatusUploadSuccess}, req.Action

	case protocol.ActionDownload:
		data, found, err := s.files.Load(sess.Identity, req.Filename)
		if err != nil {
			errorLog.Printf("Session %d: download %q: %v", sess.ID, req.Filename, err)
			return errorResponse(err), req.Action
		}
		if !found {
			return protocol.FileResponse{Status: protocol.StatusFileNotFound}, req.Action
		}
		if data == nil {
			data = []byte{}
		}
		return protocol.FileResponse{Status: protocol.StatusSuccess, FileData: data}, req.Action

	case protocol.ActionList:
		names, err := s.files.List(sess.Identity)
		if err != nil {
			errorLog.Printf("Session %d: list: %v", sess.ID, err)
			return errorResponse(err), req.Action
		}
		if names == nil {
			names = []string{}
		}
		return protocol.FileResponse{Status: protocol.StatusSuccess, Files: names}, req.Action

	default:
		return protocol.FileResponse{
			Status:  protocol.StatusInvalidAction,
			Message: fmt.Sprintf("unknown action %q", req.Action),
		}, "invalid"
	}
}

func errorResponse(err error) protocol.FileResponse {
	msg := err.Error()
	if errors.Is(err, crypto.ErrCrypto) {
		msg = "could not decrypt request"
	}
	return protocol.FileResponse{Status: protocol.StatusError, Message: msg}
}

// sendFileResponse seals resp under the session key and writes it as an Envelope
func (s *Server) sendFileResponse(sess *Session, resp protocol.FileResponse) error {
	plaintext, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	sealed, err := crypto.EncryptFile(plaintext, sess.Key(), sess.Suite)
	if err != nil {
		return err
	}
	return sess.Conn.WriteJSON(protocol.Envelope{Data: sealed})
}
