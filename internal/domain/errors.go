package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the session id is unknown to the registry.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists means a live session with the same id exists.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrTimeout means a synchronous wait (creation or refresh) exceeded its bound.
	ErrTimeout = errors.New("operation timed out")
	// ErrNotConnected means a send was attempted on a session that is not connected.
	ErrNotConnected = errors.New("session not connected")
)

// TransportError wraps an underlying transport failure with session context.
type TransportError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err with the failing operation and session id.
func NewTransportError(sessionID, op string, err error) *TransportError {
	return &TransportError{SessionID: sessionID, Op: op, Err: err}
}
