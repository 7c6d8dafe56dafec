// Package nats publishes node events to a NATS subject so several nodes
// can feed one message log.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
)

// DefaultSubject is the subject prefix when none is configured.
const DefaultSubject = "ocpp.events"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Config configures the publisher.
type Config struct {
	URL     string
	Subject string
	Name    string
	Logger  *slog.Logger
}

// Publisher implements ports.EventPublisher on NATS core publish.
// Events go to <subject>.<node id>.<kind>.
type Publisher struct {
	conn    Conn
	subject string
	logger  *slog.Logger
}

// Connect dials the NATS server and returns a publisher on it.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "ocpp-node"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return New(nc, cfg.Subject, logger), nil
}

// New wraps an established connection.
func New(conn Conn, subject string, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, subject: strings.TrimSuffix(subject, "."), logger: logger}
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(event *domain.NodeEvent) string {
	node := sanitizeToken(string(event.NodeID))
	kind := sanitizeToken(string(event.Kind))
	return p.subject + "." + node + "." + kind
}

// Publish encodes the event as JSON and publishes it.
func (p *Publisher) Publish(ctx context.Context, event *domain.NodeEvent) error {
	if event == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	if err := p.conn.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

// sanitizeToken keeps subject tokens free of separators and wildcards.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

var _ ports.EventPublisher = (*Publisher)(nil)
