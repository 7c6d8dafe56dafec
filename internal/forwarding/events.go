package forwarding

import (
	"context"
	"sync"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
)

// ReceivedFunc observes a request after it was parsed.
type ReceivedFunc func(ctx context.Context, in *ports.FilterInput) error

// FilteredFunc observes the final decision for a request.
type FilteredFunc func(ctx context.Context, d *Decision) error

// SentFunc observes the write of a forwarded request.
type SentFunc func(ctx context.Context, d *Decision, result domain.SentMessageResult) error

type subscription[T any] struct {
	id int
	fn T
}

// subscribers is an ordered list that can be changed while it is read.
type subscribers[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription[T]
}

func (s *subscribers[T]) add(fn T) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *subscribers[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// snapshot returns the current subscribers in subscription order.
func (s *subscribers[T]) snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.fn
	}
	return out
}

func (s *subscribers[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Events holds the subscribers of one pipeline.
type Events struct {
	received subscribers[ReceivedFunc]
	filters  subscribers[ports.Filter]
	filtered subscribers[FilteredFunc]
	sent     subscribers[SentFunc]
}

// OnRequestReceived subscribes fn and returns its unsubscribe function.
func (e *Events) OnRequestReceived(fn ReceivedFunc) func() { return e.received.add(fn) }

// OnRequestFilter adds a filter to the end of the chain.
func (e *Events) OnRequestFilter(f ports.Filter) func() { return e.filters.add(f) }

func (e *Events) OnRequestFiltered(fn FilteredFunc) func() { return e.filtered.add(fn) }

func (e *Events) OnRequestSent(fn SentFunc) func() { return e.sent.add(fn) }

// FilterCount returns the number of filters in the chain.
func (e *Events) FilterCount() int { return e.filters.len() }
