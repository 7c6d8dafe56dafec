package ports

import (
	"context"
	"time"

	"github.com/ocppnet/overlay/internal/core/domain"
)

// MessageStore keeps the node message log.
// Implementations: SQLite (default), memory.
type MessageStore interface {
	// AppendEvent records one event.
	AppendEvent(ctx context.Context, event *domain.NodeEvent) error

	// ListEvents returns events matching the filter, oldest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]*domain.NodeEvent, error)

	// GetEventsByRequest returns every event recorded for a request id.
	GetEventsByRequest(ctx context.Context, id domain.RequestID) ([]*domain.NodeEvent, error)

	// Close closes the storage connection
	Close() error
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	RequestID domain.RequestID
	Kind      domain.NodeEventKind
	Action    string
	Since     time.Time
	Limit     int
	Offset    int
}

// Matches reports whether event passes the filter, ignoring paging.
func (f EventFilter) Matches(event *domain.NodeEvent) bool {
	if f.RequestID != "" && event.RequestID != f.RequestID {
		return false
	}
	if f.Kind != "" && event.Kind != f.Kind {
		return false
	}
	if f.Action != "" && event.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && event.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
