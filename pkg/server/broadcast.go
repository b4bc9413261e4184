package server

import (
	"fmt"
	"time"
)

// SealFunc encrypts a broadcast payload under one recipient's key
type SealFunc func(sess *Session, plaintext []byte) ([]byte, error)

// DeliveryFailure records one recipient a broadcast could not reach.
// Err wraps ErrBroadcastDelivery.
type DeliveryFailure struct {
	Session *Session
	Err     error
}

// Broadcast sends message to every registered session except exclude, each
// copy sealed under that recipient's own key. Recipients are written
// sequentially in handle order from a snapshot; the registry lock is not
// held during I/O. A failure for one recipient is logged and recorded but
// never stops delivery to the rest.
func (r *Registry) Broadcast(message []byte, exclude uint64, seal SealFunc) (int, []DeliveryFailure) {
	start := time.Now()
	recipients := r.Snapshot()

	delivered := 0
	var failures []DeliveryFailure
	for _, sess := range recipients {
		if sess.ID == exclude {
			continue
		}
		// Removed after the snapshot was taken
		if sess.Phase() == PhaseClosed {
			continue
		}

		if err := deliver(sess, message, seal); err != nil {
			errorLog.Printf("Session %d: %v", sess.ID, err)
			failures = append(failures, DeliveryFailure{Session: sess, Err: err})
			continue
		}
		delivered++
	}

	if r.metrics != nil {
		r.metrics.RecordBroadcastFanout(delivered)
		r.metrics.RecordBroadcastDuration(time.Since(start))
		r.metrics.RecordBroadcastFailures(len(failures))
	}
	debugLog.Printf("Broadcast: delivered=%d failed=%d exclude=%d took=%v", delivered, len(failures), exclude, time.Since(start))

	return delivered, failures
}

func deliver(sess *Session, message []byte, seal SealFunc) error {
	ciphertext, err := seal(sess, message)
	if err != nil {
		return fmt.Errorf("%w: seal: %v", ErrBroadcastDelivery, err)
	}
	if err := sess.Conn.WriteFrame(ciphertext); err != nil {
		return fmt.Errorf("%w: write: %v", ErrBroadcastDelivery, err)
	}
	return nil
}
