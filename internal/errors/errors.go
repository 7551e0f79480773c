// Package errors provides centralized error definitions and error handling
// utilities for Tether. It defines domain-specific errors, error constructors
// with context wrapping, and classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - SessionError: errors related to session and process lifecycle
//   - RelayError: errors related to routing output to subscribers
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewSessionError("spawn failed", errors.ErrProcessSpawnFailed).WithSessionID(id)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrInstanceNotFound) { ... }
//
//	var sessionErr *errors.SessionError
//	if errors.As(err, &sessionErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session and process lifecycle sentinel errors.
var (
	// ErrInstanceNotFound indicates an operation referenced an unknown session id.
	// Surfaced to the caller, never retried.
	ErrInstanceNotFound = New("session instance not found")
	// ErrProcessSpawnFailed indicates a session's process could not be started.
	ErrProcessSpawnFailed = New("process spawn failed")
	// ErrProcessDead indicates a write or resize hit a process that has exited.
	// The session record may still be mid-restart, so this does not terminate it.
	ErrProcessDead = New("process has exited")
	// ErrProcessCrashed indicates an unexpected process exit. Recovered locally
	// via bounded restart; fatal once the retry budget is exhausted.
	ErrProcessCrashed = New("process crashed")
	// ErrSessionClosed indicates the session has been terminated and removed.
	ErrSessionClosed = New("session closed")
)

// Relay sentinel errors.
var (
	// ErrNotSubscribed indicates a connection tried to act on a session it is
	// not subscribed to.
	ErrNotSubscribed = New("connection not subscribed to session")
	// ErrSubscriberDeliveryFailed indicates delivery to one subscriber failed.
	// Isolated to that subscriber; never affects the session or its peers.
	ErrSubscriberDeliveryFailed = New("subscriber delivery failed")
	// ErrConnectionClosed indicates the client connection is gone.
	ErrConnectionClosed = New("connection closed")
)

// -----------------------------------------------------------------------------
// Domain Error Types
// -----------------------------------------------------------------------------

// SessionError represents an error in session or process lifecycle management.
type SessionError struct {
	// Message describes what went wrong.
	Message string
	// SessionID identifies the affected session, if known.
	SessionID string
	// Err is the underlying error, if any.
	Err error
}

// NewSessionError creates a SessionError wrapping the given cause.
func NewSessionError(message string, err error) *SessionError {
	return &SessionError{Message: message, Err: err}
}

// WithSessionID attaches the session id and returns the error for chaining.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		if e.Err != nil {
			return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Message, e.Err)
		}
		return fmt.Sprintf("session %s: %s", e.SessionID, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *SessionError) Unwrap() error { return e.Err }

// RelayError represents an error in routing output to subscribers.
type RelayError struct {
	// Message describes what went wrong.
	Message string
	// SessionID identifies the session whose stream was affected, if known.
	SessionID string
	// ConnID identifies the subscriber connection, if known.
	ConnID string
	// Err is the underlying error, if any.
	Err error
}

// NewRelayError creates a RelayError wrapping the given cause.
func NewRelayError(message string, err error) *RelayError {
	return &RelayError{Message: message, Err: err}
}

// WithSessionID attaches the session id and returns the error for chaining.
func (e *RelayError) WithSessionID(id string) *RelayError {
	e.SessionID = id
	return e
}

// WithConnID attaches the connection id and returns the error for chaining.
func (e *RelayError) WithConnID(id string) *RelayError {
	e.ConnID = id
	return e
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	msg := e.Message
	if e.SessionID != "" {
		msg = fmt.Sprintf("relay session %s: %s", e.SessionID, msg)
	}
	if e.ConnID != "" {
		msg = fmt.Sprintf("%s (conn %s)", msg, e.ConnID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *RelayError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsNotFound reports whether err indicates a missing session.
func IsNotFound(err error) bool {
	return Is(err, ErrInstanceNotFound)
}

// IsRetryable reports whether err is transient and may succeed on retry.
// A crash is retryable (the registry retries with backoff up to a budget);
// an unknown id or spawn failure is not.
func IsRetryable(err error) bool {
	return Is(err, ErrProcessCrashed) || Is(err, ErrSubscriberDeliveryFailed)
}

// IsFatalForSession reports whether err permanently ends a session.
func IsFatalForSession(err error) bool {
	return Is(err, ErrSessionClosed) || Is(err, ErrProcessSpawnFailed)
}
