// Package relay routes session output to subscribed client connections and
// client input back to the owning session. The transport is abstracted
// behind the Conn interface: the router assumes an ordered, reliable
// message channel per connection and nothing else.
package relay

// Message type tags. Clients send subscribe, unsubscribe, input, and
// resize; the router pushes output, sessionState, closed, and error.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeInput        = "input"
	TypeResize       = "resize"
	TypeOutput       = "output"
	TypeSessionState = "sessionState"
	TypeClosed       = "closed"
	TypeError        = "error"
)

// Message is the single envelope exchanged with clients. Type selects which
// fields are meaningful; unused fields are omitted on the wire.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// output
	Text  string `json:"text,omitempty"`
	Clear bool   `json:"clear,omitempty"`

	// input
	Bytes string `json:"bytes,omitempty"`

	// resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// sessionState
	ConnectionState string   `json:"connectionState,omitempty"`
	HasUnread       bool     `json:"hasUnread,omitempty"`
	DetectedOptions []string `json:"detectedOptions,omitempty"`

	// closed
	Reason string `json:"reason,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// NewOutputMessage builds an output push for one normalized frame.
func NewOutputMessage(sessionID, text string, clear bool) Message {
	return Message{Type: TypeOutput, SessionID: sessionID, Text: text, Clear: clear}
}

// NewSessionStateMessage builds a sessionState push.
func NewSessionStateMessage(sessionID, connectionState string, hasUnread bool, options []string) Message {
	return Message{
		Type:            TypeSessionState,
		SessionID:       sessionID,
		ConnectionState: connectionState,
		HasUnread:       hasUnread,
		DetectedOptions: options,
	}
}

// NewClosedMessage builds the terminal notification for a session.
func NewClosedMessage(sessionID, reason string) Message {
	return Message{Type: TypeClosed, SessionID: sessionID, Reason: reason}
}

// NewErrorMessage builds an error push for a rejected client request.
func NewErrorMessage(sessionID, errText string) Message {
	return Message{Type: TypeError, SessionID: sessionID, Error: errText}
}
