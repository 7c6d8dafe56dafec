package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/storage"
)

// Store is an in-memory implementation of MessageStore
type Store struct {
	mu     sync.RWMutex
	events []*domain.NodeEvent
	ids    map[string]struct{}
	closed bool
}

var _ storage.MessageStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{ids: make(map[string]struct{})}
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.NodeEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		return fmt.Errorf("event without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if _, exists := s.ids[event.ID]; exists {
		return fmt.Errorf("event %s already exists", event.ID)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	s.ids[event.ID] = struct{}{}

	// Keep the log ordered by time; events mostly arrive in order.
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].CreatedAt.After(cp.CreatedAt) })
	s.events = append(s.events, nil)
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = &cp
	return nil
}

func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]*domain.NodeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	var matched []*domain.NodeEvent
	for _, e := range s.events {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}

	start := filter.Offset
	if start >= len(matched) {
		return []*domain.NodeEvent{}, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return copyEvents(matched[start:end]), nil
}

func (s *Store) GetEventsByRequest(ctx context.Context, id domain.RequestID) ([]*domain.NodeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	out := []*domain.NodeEvent{}
	if id.IsEmpty() {
		return out, nil
	}
	for _, e := range s.events {
		if e.RequestID == id {
			out = append(out, e)
		}
	}
	return copyEvents(out), nil
}

func copyEvents(in []*domain.NodeEvent) []*domain.NodeEvent {
	out := make([]*domain.NodeEvent, len(in))
	for i, e := range in {
		cp := *e
		out[i] = &cp
	}
	return out
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
