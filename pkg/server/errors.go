package server

import "errors"

var (
	// ErrHandshake wraps every failure that aborts a connection before it
	// is registered
	ErrHandshake = errors.New("handshake failed")

	// ErrBroadcastDelivery is recorded per recipient when a broadcast frame
	// cannot be written
	ErrBroadcastDelivery = errors.New("broadcast delivery failed")

	ErrQueueFull      = errors.New("task queue full")
	ErrQueueClosed    = errors.New("task queue closed")
	ErrDequeueTimeout = errors.New("dequeue timed out")

	ErrSessionClosed   = errors.New("session closed")
	ErrSessionExists   = errors.New("session already registered")
	ErrSessionInactive = errors.New("session is not active")
	ErrKeyAlreadySet   = errors.New("session key already set")
	ErrPhaseRegression = errors.New("session phase cannot move backward")

	// errRegistrationComplete ends a file-mode connection after a register
	// request was answered; the client reconnects to log in
	errRegistrationComplete = errors.New("registration complete")
)
