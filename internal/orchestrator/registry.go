package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/chatwire/session-gateway/internal/domain"
	"github.com/chatwire/session-gateway/internal/observability"
)

type entry struct {
	mu      sync.Mutex
	sess    domain.Session
	changed chan struct{}
}

// Registry is the in-memory authority for all known sessions. Mutations to a
// single session are linearized through its entry lock; every mutation wakes
// all waiters watching that session.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create admits a new session. A live entry with the same id is rejected.
func (r *Registry) Create(sess domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[sess.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.entries[sess.ID] = &entry{sess: sess, changed: make(chan struct{})}
	return nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (domain.Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return domain.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, nil
}

// List returns snapshots of all sessions ordered by creation time.
func (r *Registry) List() []domain.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.sess)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update applies fn to the session under its entry lock and returns the
// resulting snapshot. Waiters are woken after every update.
func (r *Registry) Update(id string, fn func(*domain.Session)) (domain.Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return domain.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	before := e.sess.State
	fn(&e.sess)
	if e.sess.State != before {
		observability.RecordSessionTransition(string(before), string(e.sess.State))
	}
	close(e.changed)
	e.changed = make(chan struct{})
	return e.sess, nil
}

// Remove deletes the session and wakes its waiters. Reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	close(e.changed)
	e.changed = make(chan struct{})
	e.mu.Unlock()
	return true
}

// WaitFor blocks until pred holds for the session, the session is removed, or
// ctx expires. On ctx expiry the last observed snapshot is returned along
// with the ctx error.
func (r *Registry) WaitFor(ctx context.Context, id string, pred func(domain.Session) bool) (domain.Session, error) {
	var last domain.Session
	for {
		e, err := r.entry(id)
		if err != nil {
			return last, err
		}
		e.mu.Lock()
		snap := e.sess
		ch := e.changed
		e.mu.Unlock()
		last = snap
		if pred(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ch:
		}
	}
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}
