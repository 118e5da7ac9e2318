package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimOptions controls the scripted behavior of simulated clients.
type SimOptions struct {
	// CredentialDelay is the time between Connect and the first
	// CredentialIssued event on a fresh connection.
	CredentialDelay time.Duration
	// ConnectDelay is the time before Connected is emitted, either after a
	// credential when AutoConnect is set, or after Connect when resuming
	// from persisted material.
	ConnectDelay time.Duration
	// AutoConnect simulates an immediate scan of the issued credential.
	AutoConnect bool
	AccountID   string
	DisplayName string
}

// SimDialer builds simulated clients and counts how many it has built,
// which is what refresh-deduplication tests assert on.
type SimDialer struct {
	opts SimOptions

	mu    sync.Mutex
	dials int
}

func NewSimDialer(opts SimOptions) *SimDialer {
	if opts.AccountID == "" {
		opts.AccountID = "sim-account"
	}
	if opts.DisplayName == "" {
		opts.DisplayName = "Sim Account"
	}
	return &SimDialer{opts: opts}
}

func (d *SimDialer) Dial(_ context.Context, sessionID string, material []byte) (Client, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return NewSimClient(sessionID, d.opts, material), nil
}

func (d *SimDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var errSimClosed = errors.New("sim client closed")

// SimClient is a scriptable in-process transport client. Tests drive it
// directly through the Emit helpers; the serve path drives it through the
// delays in SimOptions.
type SimClient struct {
	sessionID string
	opts      SimOptions
	material  []byte

	mu        sync.Mutex
	events    chan Event
	closed    bool
	connected bool
}

func NewSimClient(sessionID string, opts SimOptions, material []byte) *SimClient {
	return &SimClient{
		sessionID: sessionID,
		opts:      opts,
		material:  material,
		events:    make(chan Event, 16),
	}
}

func (c *SimClient) Events() <-chan Event { return c.events }

func (c *SimClient) Connect(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errSimClosed
	}
	c.mu.Unlock()

	go c.script()
	return nil
}

func (c *SimClient) script() {
	if len(c.material) > 0 {
		c.sleep(c.opts.ConnectDelay)
		c.EmitConnected(c.opts.AccountID, c.opts.DisplayName, c.material)
		return
	}
	c.sleep(c.opts.CredentialDelay)
	c.EmitCredential(fmt.Sprintf("SIM-%s", uuid.NewString()))
	if c.opts.AutoConnect {
		c.sleep(c.opts.ConnectDelay)
		c.EmitConnected(c.opts.AccountID, c.opts.DisplayName, []byte("sim-material:"+c.sessionID))
	}
}

func (c *SimClient) sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func (c *SimClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.events)
	return nil
}

func (c *SimClient) Send(_ context.Context, _ any) (string, error) {
	c.mu.Lock()
	connected, closed := c.connected, c.closed
	c.mu.Unlock()
	if closed {
		return "", errSimClosed
	}
	if !connected {
		return "", errors.New("sim client not connected")
	}
	id := uuid.NewString()
	c.EmitStatus(id, 1)
	return id, nil
}

func (c *SimClient) EmitCredential(token string) {
	c.push(CredentialIssued{Token: token})
}

func (c *SimClient) EmitConnected(accountID, displayName string, material []byte) {
	c.mu.Lock()
	if !c.closed {
		c.connected = true
	}
	c.mu.Unlock()
	c.push(Connected{AccountID: accountID, DisplayName: displayName, Material: material})
}

func (c *SimClient) EmitDisconnected(reason string) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.push(Disconnected{Reason: reason})
}

func (c *SimClient) EmitMessage(payload any) {
	c.push(MessageReceived{Payload: payload})
}

func (c *SimClient) EmitStatus(messageID string, status int) {
	c.push(StatusUpdate{MessageID: messageID, Status: status})
}

func (c *SimClient) push(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Slow consumer; the sim drops rather than blocks.
	}
}
