package ports

import (
	"context"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default), static.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// EventPublisher publishes node message events.
// Implementations: direct storage (default), NATS.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.NodeEvent) error
	Close() error
}
