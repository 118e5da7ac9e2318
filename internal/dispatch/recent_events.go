package dispatch

import (
	"context"
	"sync"
)

// RecentEventsStore keeps a bounded window of the most recent event envelopes
// for inspection, independent of external delivery outcome.
type RecentEventsStore interface {
	Add(ctx context.Context, env Envelope) error
	List(ctx context.Context) ([]Envelope, error)
}

// InMemoryRecentEventsStore is a fixed-capacity ring, newest first on List.
type InMemoryRecentEventsStore struct {
	mu       sync.Mutex
	capacity int
	events   []Envelope
	next     int
	full     bool
}

func NewInMemoryRecentEventsStore(capacity int) *InMemoryRecentEventsStore {
	if capacity < 1 {
		capacity = 1
	}
	return &InMemoryRecentEventsStore{
		capacity: capacity,
		events:   make([]Envelope, capacity),
	}
}

func (s *InMemoryRecentEventsStore) Add(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[s.next] = env
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
	return nil
}

func (s *InMemoryRecentEventsStore) List(_ context.Context) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := s.next
	if s.full {
		size = s.capacity
	}
	out := make([]Envelope, 0, size)
	for i := 1; i <= size; i++ {
		idx := (s.next - i + s.capacity) % s.capacity
		out = append(out, s.events[idx])
	}
	return out, nil
}
