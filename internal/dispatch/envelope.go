package dispatch

import "time"

// Event types forwarded to the delivery target.
const (
	EventSessionConnected    = "session.connected"
	EventSessionDisconnected = "session.disconnected"
	EventMessageReceived     = "message.received"
	EventMessageSent         = "message.sent"
	EventMessageDelivered    = "message.delivered"
	EventMessageRead         = "message.read"
)

// statusEventTypes maps transport status codes to event types. The mapping is
// fixed; unknown codes produce no event.
var statusEventTypes = map[int]string{
	1: EventMessageSent,
	2: EventMessageDelivered,
	3: EventMessageRead,
}

// StatusEventType resolves a transport status code to its event type.
func StatusEventType(code int) (string, bool) {
	t, ok := statusEventTypes[code]
	return t, ok
}

// Envelope is the self-describing record delivered to the external target.
// Origin is the account identifier when known, else the session id; it is the
// only cross-session disambiguator the target gets and is never empty.
type Envelope struct {
	SessionID string    `json:"session_id"`
	Origin    string    `json:"origin"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}
