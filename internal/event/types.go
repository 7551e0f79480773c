// Package event defines the session lifecycle events that flow from the
// registry to the relay. Emission is one-directional (session → router →
// connection); no component holds a reference back into the registry, which
// keeps the observer wiring acyclic.
package event

import "time"

// Event is the interface all events implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.state").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// SessionCreatedEvent is emitted when the registry registers a new session.
type SessionCreatedEvent struct {
	baseEvent
	SessionID string
	Name      string
	WorkDir   string
}

// NewSessionCreatedEvent creates a SessionCreatedEvent.
func NewSessionCreatedEvent(sessionID, name, workDir string) SessionCreatedEvent {
	return SessionCreatedEvent{
		baseEvent: newBaseEvent("session.created"),
		SessionID: sessionID,
		Name:      name,
		WorkDir:   workDir,
	}
}

// SessionStateEvent is emitted whenever a session's observable state
// changes: connection state transitions, unread output arriving, or menu
// options being detected or cleared. The router forwards it to subscribers
// as a sessionState message.
type SessionStateEvent struct {
	baseEvent
	SessionID       string
	ConnectionState string
	HasUnread       bool
	DetectedOptions []string
}

// NewSessionStateEvent creates a SessionStateEvent.
func NewSessionStateEvent(sessionID, connectionState string, hasUnread bool, options []string) SessionStateEvent {
	return SessionStateEvent{
		baseEvent:       newBaseEvent("session.state"),
		SessionID:       sessionID,
		ConnectionState: connectionState,
		HasUnread:       hasUnread,
		DetectedOptions: options,
	}
}

// SessionClosedEvent is the terminal event for a session: explicit
// termination, or a crash that exhausted its restart budget. The router
// pushes a closed message to every subscriber and tears the subscriptions
// down.
type SessionClosedEvent struct {
	baseEvent
	SessionID string
	Reason    string
}

// NewSessionClosedEvent creates a SessionClosedEvent.
func NewSessionClosedEvent(sessionID, reason string) SessionClosedEvent {
	return SessionClosedEvent{
		baseEvent: newBaseEvent("session.closed"),
		SessionID: sessionID,
		Reason:    reason,
	}
}
