package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatwire/session-gateway/internal/dispatch"
	"github.com/chatwire/session-gateway/internal/domain"
	"github.com/chatwire/session-gateway/internal/store"
	"github.com/chatwire/session-gateway/internal/transport"
)

type fakeClient struct {
	mu         sync.Mutex
	events     chan transport.Event
	closed     bool
	connectErr error
	sendErr    error
	sent       []any
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan transport.Event, 64)}
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) Send(ctx context.Context, message any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, message)
	return fmt.Sprintf("m%d", len(c.sent)), nil
}

func (c *fakeClient) Events() <-chan transport.Event { return c.events }

func (c *fakeClient) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeClient) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu        sync.Mutex
	clients   []*fakeClient
	materials [][]byte
	dialErr   error
	// onDial runs for every dial with the new client, before the orchestrator
	// starts consuming its events. Emitted events queue up in the buffer.
	onDial func(c *fakeClient, material []byte)
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string, material []byte) (transport.Client, error) {
	d.mu.Lock()
	if d.dialErr != nil {
		err := d.dialErr
		d.mu.Unlock()
		return nil, err
	}
	c := newFakeClient()
	d.clients = append(d.clients, c)
	d.materials = append(d.materials, material)
	hook := d.onDial
	d.mu.Unlock()
	if hook != nil {
		hook(c, material)
	}
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

type harness struct {
	orch   *Orchestrator
	dialer *fakeDialer
	store  store.MetadataStore
	ring   *dispatch.InMemoryRecentEventsStore
}

func newHarness(t *testing.T, dialer *fakeDialer, opts Options) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := store.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := store.NewMetadataStore(db, nil)
	if err != nil {
		t.Fatalf("new metadata store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ring := dispatch.NewInMemoryRecentEventsStore(10)
	d := dispatch.NewDispatcher(dispatch.Options{}, ring, logger)
	return &harness{
		orch:   New(NewRegistry(), st, dialer, d, logger, opts),
		dialer: dialer,
		store:  st,
		ring:   ring,
	}
}

func waitForState(t *testing.T, o *Orchestrator, id string, want domain.SessionState) domain.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := o.registry.WaitFor(ctx, id, func(s domain.Session) bool { return s.State == want })
	if err != nil {
		t.Fatalf("session %s never reached %s: %v (last state %s)", id, want, err, snap.State)
	}
	return snap
}

func waitForEventType(t *testing.T, ring *dispatch.InMemoryRecentEventsStore, eventType string) dispatch.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := ring.List(context.Background())
		if err != nil {
			t.Fatalf("list recent: %v", err)
		}
		for _, ev := range events {
			if ev.EventType == eventType {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never reached the recent window", eventType)
	return dispatch.Envelope{}
}

func forceCredentialExpiry(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := o.registry.Update(id, func(s *domain.Session) {
		s.CredentialExpiresAt = &past
	}); err != nil {
		t.Fatalf("force expiry: %v", err)
	}
}

func TestCreateSessionReturnsCredential(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.CredentialIssued{Token: "tok-1"})
	}
	h := newHarness(t, dialer, Options{CredentialTTL: time.Hour})

	snap, err := h.orch.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.State != domain.StateCredentialWaiting {
		t.Fatalf("expected credential_waiting, got %s", snap.State)
	}
	if snap.Credential != "tok-1" {
		t.Fatalf("unexpected credential %q", snap.Credential)
	}
	if snap.CredentialExpiresAt == nil || !snap.CredentialExpiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", snap.CredentialExpiresAt)
	}
}

func TestCreateSessionGeneratesID(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.CredentialIssued{Token: "tok-1"})
	}
	h := newHarness(t, dialer, Options{})

	snap, err := h.orch.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.ID == "" {
		t.Fatal("expected generated session id")
	}
}

func TestCreateSessionDuplicateLeavesExistingUntouched(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.CredentialIssued{Token: "tok-1"})
	}
	h := newHarness(t, dialer, Options{CredentialTTL: time.Hour})

	if _, err := h.orch.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orch.CreateSession(context.Background(), "s1"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("duplicate create must not dial, got %d dials", got)
	}
	snap, err := h.orch.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Credential != "tok-1" || snap.State != domain.StateCredentialWaiting {
		t.Fatalf("existing session altered: %+v", snap)
	}
}

func TestCreateSessionTimeoutTearsDown(t *testing.T) {
	dialer := &fakeDialer{} // dialed client stays silent
	h := newHarness(t, dialer, Options{CreateTimeout: 50 * time.Millisecond})

	_, err := h.orch.CreateSession(context.Background(), "s1")
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, err := h.orch.GetSession(context.Background(), "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected session purged, got %v", err)
	}
	records, err := h.store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected metadata purged, got %d records", len(records))
	}
	if !dialer.client(0).isClosed() {
		t.Fatal("expected transport handle closed after timeout")
	}
}

func TestCreateSessionDisconnectFailsFast(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.Disconnected{Reason: "rejected"})
	}
	h := newHarness(t, dialer, Options{CreateTimeout: 2 * time.Second})

	start := time.Now()
	_, err := h.orch.CreateSession(context.Background(), "s1")
	var terr *domain.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("early disconnect should fail fast, not wait out the create bound")
	}
	if _, err := h.orch.GetSession(context.Background(), "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected session purged, got %v", err)
	}
}

func TestCreateSessionDialFailure(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("network down")}
	h := newHarness(t, dialer, Options{})

	_, err := h.orch.CreateSession(context.Background(), "s1")
	var terr *domain.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if _, err := h.orch.GetSession(context.Background(), "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected session purged, got %v", err)
	}
}

func TestConcurrentGetSessionSharesOneRefresh(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.CredentialIssued{Token: fmt.Sprintf("tok-%d", dialer.dialCount())})
	}
	h := newHarness(t, dialer, Options{CredentialTTL: time.Hour})

	if _, err := h.orch.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	forceCredentialExpiry(t, h.orch, "s1")

	const readers = 8
	results := make(chan domain.Session, readers)
	errs := make(chan error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := h.orch.GetSession(context.Background(), "s1")
			if err != nil {
				errs <- err
				return
			}
			results <- snap
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("get during refresh: %v", err)
	}
	for snap := range results {
		if snap.Credential != "tok-2" || snap.State != domain.StateCredentialWaiting {
			t.Fatalf("reader saw stale state: %+v", snap)
		}
	}
	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("expected exactly one regeneration dial, got %d total dials", got)
	}
}

func TestRefreshSatisfiedByConnection(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		if dialer.dialCount() == 1 {
			c.emit(transport.CredentialIssued{Token: "tok-1"})
			return
		}
		c.emit(transport.Connected{AccountID: "555", DisplayName: "Alpha", Material: []byte("auth-state")})
	}
	h := newHarness(t, dialer, Options{CredentialTTL: time.Hour})

	if _, err := h.orch.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	forceCredentialExpiry(t, h.orch, "s1")

	snap, err := h.orch.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.State != domain.StateConnected || snap.AccountID != "555" {
		t.Fatalf("expected connected session, got %+v", snap)
	}
	if snap.Credential != "" || snap.CredentialExpiresAt != nil {
		t.Fatalf("connected session must not carry a credential: %+v", snap)
	}

	env := waitForEventType(t, h.ring, dispatch.EventSessionConnected)
	if env.SessionID != "s1" || env.Origin != "555" {
		t.Fatalf("unexpected connected envelope: %+v", env)
	}

	material, err := h.store.LoadCredentialMaterial(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load material: %v", err)
	}
	if !bytes.Equal(material, []byte("auth-state")) {
		t.Fatalf("unexpected persisted material %q", material)
	}
}

func TestRefreshTimeoutLenient(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		if dialer.dialCount() == 1 {
			c.emit(transport.CredentialIssued{Token: "tok-1"})
		}
		// Replacement handle stays silent.
	}
	h := newHarness(t, dialer, Options{CredentialTTL: time.Hour, RefreshTimeout: 50 * time.Millisecond})

	if _, err := h.orch.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	forceCredentialExpiry(t, h.orch, "s1")

	snap, err := h.orch.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("lenient refresh must not error: %v", err)
	}
	if snap.Credential != "" {
		t.Fatalf("expected no credential after silent refresh, got %q", snap.Credential)
	}
}

func TestRefreshTimeoutStrict(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		if dialer.dialCount() == 1 {
			c.emit(transport.CredentialIssued{Token: "tok-1"})
		}
	}
	h := newHarness(t, dialer, Options{CredentialTTL: time.Hour, RefreshTimeout: 50 * time.Millisecond, RefreshStrict: true})

	if _, err := h.orch.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	forceCredentialExpiry(t, h.orch, "s1")

	if _, err := h.orch.GetSession(context.Background(), "s1"); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout in strict mode, got %v", err)
	}
}

func TestDeleteSessionPurgesEverything(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.CredentialIssued{Token: "tok-1"})
		c.emit(transport.Connected{AccountID: "555", DisplayName: "Alpha", Material: []byte("auth-state")})
	}
	h := newHarness(t, dialer, Options{})
	ctx := context.Background()

	if _, err := h.orch.CreateSession(ctx, "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForState(t, h.orch, "s1", domain.StateConnected)

	if err := h.orch.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.orch.GetSession(ctx, "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	records, err := h.store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected metadata purged, got %d records", len(records))
	}
	exists, err := h.store.CredentialMaterialExists(ctx, "s1")
	if err != nil {
		t.Fatalf("material exists: %v", err)
	}
	if exists {
		t.Fatal("expected credential material purged")
	}
	if !dialer.client(0).isClosed() {
		t.Fatal("expected transport handle closed")
	}

	if err := h.orch.DeleteSession(ctx, "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.CredentialIssued{Token: "tok-1"})
	}
	h := newHarness(t, dialer, Options{CredentialTTL: time.Hour})
	ctx := context.Background()

	if _, err := h.orch.SendMessage(ctx, "nope", "hi"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := h.orch.CreateSession(ctx, "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orch.SendMessage(ctx, "s1", "hi"); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while credential_waiting, got %v", err)
	}

	dialer.client(0).emit(transport.Connected{AccountID: "555"})
	waitForState(t, h.orch, "s1", domain.StateConnected)

	messageID, err := h.orch.SendMessage(ctx, "s1", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if messageID != "m1" {
		t.Fatalf("unexpected message id %q", messageID)
	}

	dialer.client(0).setSendErr(errors.New("socket closed"))
	var terr *domain.TransportError
	if _, err := h.orch.SendMessage(ctx, "s1", "hi"); !errors.As(err, &terr) {
		t.Fatalf("expected TransportError on failed send, got %v", err)
	}
}

func TestTransitionsAreNotDelayedByDeadDispatchTarget(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.Connected{AccountID: "555"})
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := store.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := store.NewMetadataStore(db, nil)
	if err != nil {
		t.Fatalf("new metadata store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ring := dispatch.NewInMemoryRecentEventsStore(10)
	// Unreachable target: every delivery attempt fails.
	d := dispatch.NewDispatcher(dispatch.Options{
		URL:         "http://127.0.0.1:1",
		Attempts:    3,
		BaseDelay:   10 * time.Millisecond,
		HTTPTimeout: 50 * time.Millisecond,
	}, ring, logger)
	orch := New(NewRegistry(), st, dialer, d, logger, Options{})

	start := time.Now()
	snap, err := orch.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.State != domain.StateConnected {
		t.Fatalf("expected connected, got %s", snap.State)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("transition blocked on delivery for %v", elapsed)
	}
	d.Wait()
}

func TestRecoverReadmitsAndPurges(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, material []byte) {
		c.emit(transport.Connected{AccountID: "555", DisplayName: "Alpha", Material: material})
	}
	h := newHarness(t, dialer, Options{})
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	if err := h.store.Save(ctx, &domain.MetadataRecord{ID: "r1", AccountID: "555", DisplayName: "Alpha", CreatedAt: now}); err != nil {
		t.Fatalf("seed r1: %v", err)
	}
	if err := h.store.SaveCredentialMaterial(ctx, "r1", []byte("auth-state")); err != nil {
		t.Fatalf("seed r1 material: %v", err)
	}
	// r2 never authenticated: a metadata record with no material.
	if err := h.store.Save(ctx, &domain.MetadataRecord{ID: "r2", CreatedAt: now}); err != nil {
		t.Fatalf("seed r2: %v", err)
	}

	if err := h.orch.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	snap := waitForState(t, h.orch, "r1", domain.StateConnected)
	if snap.AccountID != "555" || snap.DisplayName != "Alpha" {
		t.Fatalf("recovered session lost metadata: %+v", snap)
	}
	if got := dialer.materials[0]; !bytes.Equal(got, []byte("auth-state")) {
		t.Fatalf("reconnect must use persisted material, got %q", got)
	}

	if _, err := h.orch.GetSession(ctx, "r2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("orphan must not be readmitted, got %v", err)
	}
	records, err := h.store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].ID != "r1" {
		t.Fatalf("expected orphan record purged, got %+v", records)
	}
}

func TestRecoverReconnectFailureLeavesSessionDisconnected(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("network down")}
	h := newHarness(t, dialer, Options{})
	ctx := context.Background()

	if err := h.store.Save(ctx, &domain.MetadataRecord{ID: "r1", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := h.store.SaveCredentialMaterial(ctx, "r1", []byte("auth-state")); err != nil {
		t.Fatalf("seed material: %v", err)
	}

	// Reconnect failures are logged, never returned.
	if err := h.orch.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	snap, err := h.orch.GetSession(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.State != domain.StateDisconnected {
		t.Fatalf("expected disconnected after failed reconnect, got %s", snap.State)
	}
}

func TestInboundEventsReachRecentWindow(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.Connected{AccountID: "555", DisplayName: "Alpha"})
	}
	h := newHarness(t, dialer, Options{})
	ctx := context.Background()

	if _, err := h.orch.CreateSession(ctx, "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	client := dialer.client(0)
	client.emit(transport.MessageReceived{Payload: map[string]any{"text": "hi"}})
	client.emit(transport.StatusUpdate{MessageID: "m1", Status: 1})
	client.emit(transport.StatusUpdate{MessageID: "m1", Status: 2})
	client.emit(transport.StatusUpdate{MessageID: "m1", Status: 3})
	client.emit(transport.StatusUpdate{MessageID: "m1", Status: 9}) // unmapped, dropped

	for _, eventType := range []string{
		dispatch.EventSessionConnected,
		dispatch.EventMessageReceived,
		dispatch.EventMessageSent,
		dispatch.EventMessageDelivered,
		dispatch.EventMessageRead,
	} {
		env := waitForEventType(t, h.ring, eventType)
		if env.Origin != "555" {
			t.Fatalf("%s: expected account origin, got %q", eventType, env.Origin)
		}
	}

	events, err := h.ring.List(ctx)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("unmapped status must produce no event; got %d events", len(events))
	}
}

func TestStreamCloseSynthesizesDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.Connected{AccountID: "555"})
	}
	h := newHarness(t, dialer, Options{})

	if _, err := h.orch.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForState(t, h.orch, "s1", domain.StateConnected)

	// Transport dies without an explicit disconnect event.
	_ = dialer.client(0).Disconnect()

	snap := waitForState(t, h.orch, "s1", domain.StateDisconnected)
	if snap.Credential != "" || snap.CredentialExpiresAt != nil {
		t.Fatalf("disconnected session must not carry a credential: %+v", snap)
	}
	env := waitForEventType(t, h.ring, dispatch.EventSessionDisconnected)
	if env.SessionID != "s1" {
		t.Fatalf("unexpected disconnect envelope: %+v", env)
	}

	// The session stays known for inspection; only delete removes it.
	if _, err := h.orch.GetSession(context.Background(), "s1"); err != nil {
		t.Fatalf("disconnected session must remain visible: %v", err)
	}
}

func TestCredentialAndExpiryMoveTogether(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.CredentialIssued{Token: "tok-0"})
	}
	h := newHarness(t, dialer, Options{CredentialTTL: time.Hour})

	if _, err := h.orch.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	client := dialer.client(0)

	stop := make(chan struct{})
	violations := make(chan string, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap, err := h.orch.GetSession(context.Background(), "s1")
			if err != nil {
				return
			}
			if (snap.Credential != "") != (snap.CredentialExpiresAt != nil) {
				violations <- fmt.Sprintf("credential %q with expiry %v", snap.Credential, snap.CredentialExpiresAt)
				return
			}
			if snap.Credential != "" && snap.State != domain.StateCredentialWaiting {
				violations <- fmt.Sprintf("credential present in state %s", snap.State)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		switch rng.Intn(4) {
		case 0:
			client.emit(transport.CredentialIssued{Token: fmt.Sprintf("tok-%d", i)})
		case 1:
			client.emit(transport.Connected{AccountID: "555", DisplayName: "Alpha"})
		case 2:
			client.emit(transport.StatusUpdate{MessageID: "m1", Status: rng.Intn(5)})
		case 3:
			client.emit(transport.MessageReceived{Payload: i})
		}
	}

	// Let the event loop drain, then check for observed violations.
	time.Sleep(100 * time.Millisecond)
	close(stop)
	select {
	case v := <-violations:
		t.Fatal(v)
	default:
	}
}

func TestShutdownClosesAllHandles(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onDial = func(c *fakeClient, _ []byte) {
		c.emit(transport.CredentialIssued{Token: "tok-1"})
	}
	h := newHarness(t, dialer, Options{CredentialTTL: time.Hour})
	ctx := context.Background()

	if _, err := h.orch.CreateSession(ctx, "s1"); err != nil {
		t.Fatalf("create s1: %v", err)
	}
	if _, err := h.orch.CreateSession(ctx, "s2"); err != nil {
		t.Fatalf("create s2: %v", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h.orch.Shutdown(sctx)

	for i := 0; i < dialer.dialCount(); i++ {
		if !dialer.client(i).isClosed() {
			t.Fatalf("client %d still open after shutdown", i)
		}
	}
	// Durable state survives shutdown.
	records, err := h.store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected metadata intact after shutdown, got %d records", len(records))
	}
}
