// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store ports.MessageStore
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.MessageStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("message store required")
	}
	return &Publisher{store: store}, nil
}

// Publish appends the event to the message log.
func (p *Publisher) Publish(ctx context.Context, event *domain.NodeEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	return p.store.AppendEvent(ctx, event)
}

// Close is a no-op; the store is owned by the caller.
func (p *Publisher) Close() error {
	return nil
}

var _ ports.EventPublisher = (*Publisher)(nil)
