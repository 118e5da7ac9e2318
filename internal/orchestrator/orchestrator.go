// Package orchestrator drives each session through its lifecycle: it owns the
// transport handle, consumes the per-session event stream, keeps the registry
// and metadata store consistent, and fans events out to the dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwire/session-gateway/internal/dispatch"
	"github.com/chatwire/session-gateway/internal/domain"
	"github.com/chatwire/session-gateway/internal/observability"
	"github.com/chatwire/session-gateway/internal/store"
	"github.com/chatwire/session-gateway/internal/transport"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Options carries the lifecycle bounds. Zero values fall back to the
// documented defaults.
type Options struct {
	CreateTimeout  time.Duration
	RefreshTimeout time.Duration
	CredentialTTL  time.Duration
	// RefreshStrict surfaces ErrTimeout to readers when a credential refresh
	// exceeds its bound; otherwise the stale snapshot is returned and the
	// next read retries.
	RefreshStrict bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.CreateTimeout <= 0 {
		out.CreateTimeout = 30 * time.Second
	}
	if out.RefreshTimeout <= 0 {
		out.RefreshTimeout = 15 * time.Second
	}
	if out.CredentialTTL <= 0 {
		out.CredentialTTL = 60 * time.Second
	}
	return out
}

type sessionRuntime struct {
	client transport.Client
	gen    uint64
}

// Orchestrator is the single in-process authority over session lifecycles.
type Orchestrator struct {
	registry   *Registry
	store      store.MetadataStore
	dialer     transport.Dialer
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	opts       Options

	refresh singleflight.Group

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime
	// gens is monotonic per session id. Events carry the generation of the
	// handle that produced them; events from a superseded handle are dropped,
	// which is what makes handle replacement race-free.
	gens map[string]uint64
}

func New(registry *Registry, st store.MetadataStore, dialer transport.Dialer, dispatcher *dispatch.Dispatcher, logger *slog.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		store:      st,
		dialer:     dialer,
		dispatcher: dispatcher,
		logger:     logger,
		opts:       opts.withDefaults(),
		runtimes:   make(map[string]*sessionRuntime),
		gens:       make(map[string]uint64),
	}
}

// CreateSession admits a new session and blocks until a credential is
// available, the session connects directly, or the creation bound elapses.
// On timeout or early disconnect the partial session is fully torn down.
func (o *Orchestrator) CreateSession(ctx context.Context, id string) (domain.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	if err := o.registry.Create(domain.Session{ID: id, State: domain.StateInitializing, CreatedAt: now}); err != nil {
		return domain.Session{}, err
	}
	if _, err := o.registry.Update(id, func(s *domain.Session) {
		s.State = domain.StateConnecting
	}); err != nil {
		return domain.Session{}, err
	}
	if err := o.persistMetadata(ctx, id); err != nil {
		o.logger.Warn("persist metadata on create failed", "session_id", id, "error", err)
	}

	if err := o.startClient(ctx, id, nil); err != nil {
		o.teardownSession(context.WithoutCancel(ctx), id)
		return domain.Session{}, domain.NewTransportError(id, "connect", err)
	}

	wctx, cancel := context.WithTimeout(ctx, o.opts.CreateTimeout)
	defer cancel()
	snap, err := o.registry.WaitFor(wctx, id, attemptSettled)
	if err != nil {
		o.teardownSession(context.WithoutCancel(ctx), id)
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Session{}, fmt.Errorf("create session %s: %w", id, domain.ErrTimeout)
		}
		return domain.Session{}, err
	}
	if snap.State == domain.StateDisconnected {
		o.teardownSession(context.WithoutCancel(ctx), id)
		return domain.Session{}, domain.NewTransportError(id, "connect", errors.New("disconnected before authentication"))
	}
	return snap, nil
}

// attemptSettled is the wait predicate shared by creation and refresh: a
// credential is available, or the attempt reached a terminal state.
func attemptSettled(s domain.Session) bool {
	return s.Credential != "" || s.State == domain.StateConnected || s.State == domain.StateDisconnected
}

// GetSession returns the session, refreshing its credential first when the
// session is credential-waiting and the credential has expired. Concurrent
// reads of the same expired credential share a single regeneration.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (domain.Session, error) {
	snap, err := o.registry.Get(id)
	if err != nil {
		return domain.Session{}, err
	}
	if !snap.CredentialExpired(time.Now()) {
		return snap, nil
	}

	v, err, _ := o.refresh.Do(id, func() (any, error) {
		return o.refreshCredential(id)
	})
	if err != nil {
		return domain.Session{}, err
	}
	return v.(domain.Session), nil
}

// refreshCredential replaces the transport handle and waits for the new one
// to settle. Runs at most once per session id at a time via singleflight; the
// refresh deliberately runs on its own clock so a caller hanging up does not
// abort the shared attempt.
func (o *Orchestrator) refreshCredential(id string) (domain.Session, error) {
	snap, err := o.registry.Get(id)
	if err != nil {
		return domain.Session{}, err
	}
	// Both guards re-checked inside the single-flight region: a concurrent
	// flight may already have refreshed, or the transport may have connected.
	if !snap.CredentialExpired(time.Now()) {
		return snap, nil
	}

	ctx := context.Background()
	o.stopClient(id)
	if _, err := o.registry.Update(id, func(s *domain.Session) {
		s.State = domain.StateConnecting
		s.Credential = ""
		s.CredentialExpiresAt = nil
	}); err != nil {
		return domain.Session{}, err
	}

	if err := o.startClient(ctx, id, nil); err != nil {
		o.setDisconnected(id, "credential refresh dial failed")
		return domain.Session{}, domain.NewTransportError(id, "connect", err)
	}

	wctx, cancel := context.WithTimeout(ctx, o.opts.RefreshTimeout)
	defer cancel()
	refreshed, err := o.registry.WaitFor(wctx, id, attemptSettled)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if o.opts.RefreshStrict {
				return domain.Session{}, fmt.Errorf("refresh credential for session %s: %w", id, domain.ErrTimeout)
			}
			// Lenient mode: return best-known state; a later read retries.
			return refreshed, nil
		}
		return domain.Session{}, err
	}
	return refreshed, nil
}

// ListSessions returns snapshots of all known sessions.
func (o *Orchestrator) ListSessions() []domain.Session {
	return o.registry.List()
}

// DeleteSession removes the session from the registry and purges its durable
// state, from any state.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if _, err := o.registry.Get(id); err != nil {
		return err
	}
	o.teardownSession(ctx, id)
	return nil
}

// SendMessage relays one outbound message over the session's live connection.
func (o *Orchestrator) SendMessage(ctx context.Context, id string, message any) (string, error) {
	snap, err := o.registry.Get(id)
	if err != nil {
		return "", err
	}
	if snap.State != domain.StateConnected {
		return "", fmt.Errorf("send on session %s in state %s: %w", id, snap.State, domain.ErrNotConnected)
	}
	client := o.clientFor(id)
	if client == nil {
		return "", fmt.Errorf("send on session %s: %w", id, domain.ErrNotConnected)
	}
	messageID, err := client.Send(ctx, message)
	if err != nil {
		return "", domain.NewTransportError(id, "send", err)
	}
	return messageID, nil
}

// Recover readmits every persisted session that still has credential material
// and schedules an independent reconnection attempt for each. Records without
// material are orphans from sessions that never authenticated and are purged.
func (o *Orchestrator) Recover(ctx context.Context) error {
	records, err := o.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list metadata records: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, record := range records {
		exists, err := o.store.CredentialMaterialExists(ctx, record.ID)
		if err != nil {
			o.logger.Error("credential material check failed", "session_id", record.ID, "error", err)
			continue
		}
		if !exists {
			o.logger.Info("purging orphaned metadata record", "session_id", record.ID)
			if err := o.store.Remove(ctx, record.ID); err != nil {
				o.logger.Error("purge orphaned record failed", "session_id", record.ID, "error", err)
			}
			continue
		}

		sess := domain.Session{
			ID:          record.ID,
			State:       domain.StateDisconnected,
			AccountID:   record.AccountID,
			DisplayName: record.DisplayName,
			CreatedAt:   record.CreatedAt,
			ConnectedAt: record.ConnectedAt,
		}
		if err := o.registry.Create(sess); err != nil {
			o.logger.Error("readmit session failed", "session_id", record.ID, "error", err)
			continue
		}
		id := record.ID
		g.Go(func() error {
			// Reconnection failures are per-session and never abort startup.
			if err := o.reconnect(gctx, id); err != nil {
				o.logger.Error("session reconnection failed", "session_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) reconnect(ctx context.Context, id string) error {
	material, err := o.store.LoadCredentialMaterial(ctx, id)
	if err != nil {
		return fmt.Errorf("load credential material: %w", err)
	}
	if _, err := o.registry.Update(id, func(s *domain.Session) {
		s.State = domain.StateConnecting
	}); err != nil {
		return err
	}
	if err := o.startClient(ctx, id, material); err != nil {
		o.setDisconnected(id, "reconnect dial failed")
		return err
	}
	return nil
}

// Shutdown tears down all transport handles and waits for in-flight event
// deliveries to drain. Durable state is left intact for the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, sess := range o.registry.List() {
		o.stopClient(sess.ID)
	}
	done := make(chan struct{})
	go func() {
		o.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown deadline reached before dispatch drain")
	}
}

// startClient dials a new transport handle for the session and starts its
// event loop. Any previous handle must already be stopped.
func (o *Orchestrator) startClient(ctx context.Context, id string, material []byte) error {
	client, err := o.dialer.Dial(ctx, id, material)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.gens[id]++
	gen := o.gens[id]
	o.runtimes[id] = &sessionRuntime{client: client, gen: gen}
	o.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		o.removeRuntimeIfCurrent(id, gen)
		return err
	}
	go o.runSession(id, gen, client)
	return nil
}

// stopClient tears down the current transport handle, invalidating any of its
// events still in flight.
func (o *Orchestrator) stopClient(id string) {
	o.mu.Lock()
	rt := o.runtimes[id]
	delete(o.runtimes, id)
	o.gens[id]++
	o.mu.Unlock()
	if rt != nil {
		if err := rt.client.Disconnect(); err != nil {
			o.logger.Warn("transport disconnect failed", "session_id", id, "error", err)
		}
	}
}

func (o *Orchestrator) removeRuntimeIfCurrent(id string, gen uint64) {
	o.mu.Lock()
	rt := o.runtimes[id]
	if rt == nil || rt.gen != gen {
		o.mu.Unlock()
		return
	}
	delete(o.runtimes, id)
	o.gens[id]++
	o.mu.Unlock()
	if err := rt.client.Disconnect(); err != nil {
		o.logger.Warn("transport disconnect failed", "session_id", id, "error", err)
	}
}

func (o *Orchestrator) currentGen(id string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gens[id]
}

func (o *Orchestrator) clientFor(id string) transport.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rt, ok := o.runtimes[id]; ok {
		return rt.client
	}
	return nil
}

func (o *Orchestrator) runSession(id string, gen uint64, client transport.Client) {
	for ev := range client.Events() {
		o.apply(id, gen, ev)
	}
	// Stream closed. If this handle is still current the transport died
	// without an explicit disconnect event.
	if o.currentGen(id) == gen {
		o.apply(id, gen, transport.Disconnected{Reason: "event stream closed"})
	}
}

// apply folds one transport event into registry, store and dispatcher state.
// It runs on the session's event-loop goroutine, so per-session application
// order matches transport emission order.
func (o *Orchestrator) apply(id string, gen uint64, ev transport.Event) {
	if o.currentGen(id) != gen {
		return
	}
	ctx := context.Background()

	switch ev := ev.(type) {
	case transport.CredentialIssued:
		observability.RecordTransportEvent("credential_issued")
		if _, err := o.registry.Update(id, func(s *domain.Session) {
			if s.State == domain.StateConnected {
				return
			}
			expires := time.Now().UTC().Add(o.opts.CredentialTTL)
			s.State = domain.StateCredentialWaiting
			s.Credential = ev.Token
			s.CredentialExpiresAt = &expires
		}); err != nil {
			o.logger.Warn("credential event for unknown session", "session_id", id)
		}

	case transport.Connected:
		observability.RecordTransportEvent("connected")
		snap, err := o.registry.Update(id, func(s *domain.Session) {
			s.State = domain.StateConnected
			s.AccountID = ev.AccountID
			s.DisplayName = ev.DisplayName
			s.Credential = ""
			s.CredentialExpiresAt = nil
			if s.ConnectedAt == nil {
				now := time.Now().UTC()
				s.ConnectedAt = &now
			}
		})
		if err != nil {
			o.logger.Warn("connected event for unknown session", "session_id", id)
			return
		}
		if len(ev.Material) > 0 {
			if err := o.store.SaveCredentialMaterial(ctx, id, ev.Material); err != nil {
				o.logger.Error("persist credential material failed", "session_id", id, "error", err)
			}
		}
		if err := o.persistMetadata(ctx, id); err != nil {
			o.logger.Error("persist metadata failed", "session_id", id, "error", err)
		}
		o.dispatcher.Dispatch(ctx, dispatch.Envelope{
			SessionID: id,
			Origin:    snap.Origin(),
			EventType: dispatch.EventSessionConnected,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]string{"account_id": ev.AccountID, "display_name": ev.DisplayName},
		})

	case transport.Disconnected:
		observability.RecordTransportEvent("disconnected")
		var prior domain.SessionState
		snap, err := o.registry.Update(id, func(s *domain.Session) {
			prior = s.State
			s.State = domain.StateDisconnected
			s.Credential = ""
			s.CredentialExpiresAt = nil
		})
		if err != nil {
			return
		}
		o.removeRuntimeIfCurrent(id, gen)
		if prior == domain.StateDisconnected {
			return
		}
		if err := o.persistMetadata(ctx, id); err != nil {
			o.logger.Error("persist metadata failed", "session_id", id, "error", err)
		}
		o.dispatcher.Dispatch(ctx, dispatch.Envelope{
			SessionID: id,
			Origin:    snap.Origin(),
			EventType: dispatch.EventSessionDisconnected,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]string{"reason": ev.Reason},
		})

	case transport.MessageReceived:
		observability.RecordTransportEvent("message_received")
		snap, err := o.registry.Get(id)
		if err != nil {
			return
		}
		o.dispatcher.Dispatch(ctx, dispatch.Envelope{
			SessionID: id,
			Origin:    snap.Origin(),
			EventType: dispatch.EventMessageReceived,
			Timestamp: time.Now().UTC(),
			Payload:   ev.Payload,
		})

	case transport.StatusUpdate:
		observability.RecordTransportEvent("status_update")
		eventType, ok := dispatch.StatusEventType(ev.Status)
		if !ok {
			o.logger.Debug("unmapped message status code", "session_id", id, "status", ev.Status)
			return
		}
		snap, err := o.registry.Get(id)
		if err != nil {
			return
		}
		o.dispatcher.Dispatch(ctx, dispatch.Envelope{
			SessionID: id,
			Origin:    snap.Origin(),
			EventType: eventType,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"message_id": ev.MessageID, "status": ev.Status},
		})
	}
}

func (o *Orchestrator) setDisconnected(id, reason string) {
	if _, err := o.registry.Update(id, func(s *domain.Session) {
		s.State = domain.StateDisconnected
		s.Credential = ""
		s.CredentialExpiresAt = nil
	}); err != nil {
		return
	}
	o.logger.Info("session disconnected", "session_id", id, "reason", reason)
}

// persistMetadata writes the durable record for the session's current state.
func (o *Orchestrator) persistMetadata(ctx context.Context, id string) error {
	snap, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	record := &domain.MetadataRecord{
		ID:          snap.ID,
		AccountID:   snap.AccountID,
		DisplayName: snap.DisplayName,
		CreatedAt:   snap.CreatedAt,
		ConnectedAt: snap.ConnectedAt,
	}
	if snap.State == domain.StateDisconnected {
		now := time.Now().UTC()
		record.LastDisconnectedAt = &now
	}
	return o.store.Save(ctx, record)
}

// teardownSession removes every trace of the session: transport handle,
// registry entry, metadata record and persisted credential material.
func (o *Orchestrator) teardownSession(ctx context.Context, id string) {
	o.stopClient(id)
	o.registry.Remove(id)
	if err := o.store.Remove(ctx, id); err != nil {
		o.logger.Error("remove metadata record failed", "session_id", id, "error", err)
	}
	if err := o.store.DeleteCredentialMaterial(ctx, id); err != nil {
		o.logger.Error("delete credential material failed", "session_id", id, "error", err)
	}
}
