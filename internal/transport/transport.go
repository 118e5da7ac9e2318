// Package transport defines the boundary to the external messaging network.
// The network itself is opaque: a client opens one connection, emits a small
// closed set of events on an ordered per-session stream, and accepts sends.
package transport

import "context"

// Event is one of the tagged variants emitted by a Client. The set is closed;
// consumers switch on the concrete type.
type Event interface{ isEvent() }

// CredentialIssued carries a fresh scannable token for authenticating the
// session. May be emitted more than once per connection attempt.
type CredentialIssued struct {
	Token string
}

// Connected reports successful authentication. Material is the exportable
// credential state that allows resuming the session without a new scannable
// token; it is persisted by the orchestrator.
type Connected struct {
	AccountID   string
	DisplayName string
	Material    []byte
}

// Disconnected reports connection teardown, expected or not.
type Disconnected struct {
	Reason string
}

// MessageReceived carries one inbound message payload, unparsed.
type MessageReceived struct {
	Payload any
}

// StatusUpdate reports a delivery-status change for a previously sent message.
type StatusUpdate struct {
	MessageID string
	Status    int
}

func (CredentialIssued) isEvent() {}
func (Connected) isEvent()        {}
func (Disconnected) isEvent()     {}
func (MessageReceived) isEvent()  {}
func (StatusUpdate) isEvent()     {}

// Client is one live connection to the external network. Exactly one Client
// exists per session id at a time; the orchestrator owns it exclusively.
//
// Events returns the ordered per-session event stream. The channel is closed
// when the connection is torn down, after which the Client is dead.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, message any) (string, error)
	Events() <-chan Event
}

// Dialer constructs Clients. material is previously persisted credential
// state for session resumption; nil means a first-time connection that will
// go through the scannable-credential flow.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, material []byte) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, sessionID string, material []byte) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, sessionID string, material []byte) (Client, error) {
	return f(ctx, sessionID, material)
}
