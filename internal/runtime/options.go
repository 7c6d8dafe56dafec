package runtime

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocppnet/overlay/internal/adapters/config/file"
	"github.com/ocppnet/overlay/internal/adapters/config/static"
	"github.com/ocppnet/overlay/internal/adapters/events/direct"
	natsevents "github.com/ocppnet/overlay/internal/adapters/events/nats"
	"github.com/ocppnet/overlay/internal/adapters/storage/sqlite"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/ocpp"
	"github.com/ocppnet/overlay/internal/pkg/config"
	"github.com/ocppnet/overlay/internal/storage/memory"
)

// Option is a functional option for configuring a Node.
type Option func(*Node) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(n *Node) error {
		provider, err := file.NewProvider(path, n.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		n.config = provider
		return nil
	}
}

// WithConfig uses a configuration built in code. It is never reloaded.
func WithConfig(cfg *config.Config) Option {
	return func(n *Node) error {
		n.config = static.NewProvider(cfg)
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(n *Node) error {
		n.config = provider
		return nil
	}
}

// WithSQLite keeps the message log in SQLite (default for single-instance deployments).
func WithSQLite(path string) Option {
	return func(n *Node) error {
		store, err := sqlite.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		n.store = store
		return nil
	}
}

// WithMemoryStore keeps the message log in memory.
func WithMemoryStore() Option {
	return func(n *Node) error {
		n.store = memory.New()
		return nil
	}
}

// WithMessageStore sets a custom message store.
func WithMessageStore(store ports.MessageStore) Option {
	return func(n *Node) error {
		n.store = store
		return nil
	}
}

// WithDirectEvents writes events directly to storage (default).
// No separate event bus, events are written synchronously to storage.
func WithDirectEvents() Option {
	return func(n *Node) error {
		if n.store == nil {
			return fmt.Errorf("message store must be set before event publisher")
		}
		publisher, err := direct.NewPublisher(n.store)
		if err != nil {
			return fmt.Errorf("create direct event publisher: %w", err)
		}
		n.events = publisher
		return nil
	}
}

// WithNATSEvents publishes events to NATS under subject.
func WithNATSEvents(url, subject string) Option {
	return func(n *Node) error {
		publisher, err := natsevents.Connect(natsevents.Config{URL: url, Subject: subject, Logger: n.logger})
		if err != nil {
			return fmt.Errorf("create nats event publisher: %w", err)
		}
		n.events = publisher
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(n *Node) error {
		n.events = publisher
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) error {
		n.logger = logger
		return nil
	}
}

// WithSignaturePolicy overrides the policy built from signing config.
func WithSignaturePolicy(policy ports.SignaturePolicy) Option {
	return func(n *Node) error {
		n.policy = policy
		return nil
	}
}

// WithFilter adds a forwarding filter ahead of the configured ones.
func WithFilter(filter ports.Filter) Option {
	return func(n *Node) error {
		if filter == nil {
			return fmt.Errorf("filter is nil")
		}
		n.filters = append(n.filters, filter)
		return nil
	}
}

// WithRegistry sets the operation registry, ocpp.DefaultRegistry otherwise.
func WithRegistry(registry *ocpp.Registry) Option {
	return func(n *Node) error {
		n.registry = registry
		return nil
	}
}

// WithClock drives request timeouts from c.
func WithClock(c clock.Clock) Option {
	return func(n *Node) error {
		n.clock = c
		return nil
	}
}

// WithPrometheusRegistry registers node metrics with reg and serves them
// from /metrics.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(n *Node) error {
		n.promRegistry = reg
		return nil
	}
}

// WithListener serves HTTP on ln instead of listening on server.port.
func WithListener(ln net.Listener) Option {
	return func(n *Node) error {
		n.listener = ln
		return nil
	}
}
