// Package node implements a networking node of an OCPP overlay network. A
// node answers requests addressed to it, forwards the others toward their
// destination and correlates the responses of both.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/correlation"
	"github.com/ocppnet/overlay/internal/forwarding"
	"github.com/ocppnet/overlay/internal/metrics"
	"github.com/ocppnet/overlay/internal/ocpp"
)

// HandlerFunc answers a request addressed to this node. A returned error is
// sent back as a CALLERROR.
type HandlerFunc func(ctx context.Context, req ocpp.Request) (ocpp.Response, error)

// MessageHandlerFunc consumes a SEND addressed to this node.
type MessageHandlerFunc func(ctx context.Context, msg ocpp.Message) error

// Node is one participant of the overlay network.
type Node struct {
	id       domain.NetworkingNodeID
	registry *ocpp.Registry
	routes   *RoutingTable
	engine   *correlation.Engine
	pipeline *forwarding.Pipeline

	policy    ports.SignaturePolicy
	publisher ports.EventPublisher
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	format          domain.SerializationFormat
	requestTimeout  time.Duration
	defaultDecision forwarding.Kind
	filters         []ports.Filter
	dedup           *duplicateDetector
	dupWindow       time.Duration
	dupSize         int

	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	msgHandlers map[string]MessageHandlerFunc
}

// Option configures a Node.
type Option func(*Node)

func WithRegistry(r *ocpp.Registry) Option {
	return func(n *Node) { n.registry = r }
}

func WithSignaturePolicy(p ports.SignaturePolicy) Option {
	return func(n *Node) { n.policy = p }
}

// WithEventPublisher receives a NodeEvent for every step of every exchange.
func WithEventPublisher(p ports.EventPublisher) Option {
	return func(n *Node) { n.publisher = p }
}

func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(n *Node) { n.tracer = t }
}

// WithSerializationFormat sets the format of requests this node originates.
func WithSerializationFormat(f domain.SerializationFormat) Option {
	return func(n *Node) { n.format = f }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(n *Node) { n.requestTimeout = d }
}

func WithDefaultDecision(k forwarding.Kind) Option {
	return func(n *Node) { n.defaultDecision = k }
}

// WithFilters appends forwarding filters after the built-in loop filter.
func WithFilters(filters ...ports.Filter) Option {
	return func(n *Node) { n.filters = append(n.filters, filters...) }
}

// WithDuplicateDetection remembers up to size request identities for ttl.
func WithDuplicateDetection(ttl time.Duration, size int) Option {
	return func(n *Node) {
		n.dupWindow = ttl
		n.dupSize = size
	}
}

func New(id domain.NetworkingNodeID, opts ...Option) (*Node, error) {
	if id.IsEmpty() {
		return nil, fmt.Errorf("node id: %w", domain.ErrInvalidFormat)
	}
	n := &Node{
		id:              id,
		clock:           clock.New(),
		logger:          slog.Default(),
		format:          domain.DefaultSerializationFormat,
		requestTimeout:  domain.DefaultRequestTimeout,
		defaultDecision: forwarding.Forward,
		dupWindow:       time.Minute,
		dupSize:         4096,
		handlers:        make(map[string]HandlerFunc),
		msgHandlers:     make(map[string]MessageHandlerFunc),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.registry == nil {
		n.registry = ocpp.DefaultRegistry()
	}
	n.registry.SetClock(n.clock)
	n.logger = n.logger.With(slog.String("node", id.String()))
	n.routes = NewRoutingTable(id)

	engineOpts := []correlation.Option{
		correlation.WithNodeID(id),
		correlation.WithClock(n.clock),
		correlation.WithLogger(n.logger),
		correlation.WithMetrics(n.metrics),
		correlation.WithDefaultTimeout(n.requestTimeout),
	}
	if n.policy != nil {
		engineOpts = append(engineOpts, correlation.WithSignaturePolicy(n.policy))
	}
	if n.tracer != nil {
		engineOpts = append(engineOpts, correlation.WithTracer(n.tracer))
	}
	n.engine = correlation.New(engineOpts...)

	n.pipeline = forwarding.New(id, n.registry,
		forwarding.WithClock(n.clock),
		forwarding.WithLogger(n.logger),
		forwarding.WithMetrics(n.metrics),
		forwarding.WithDefaultDecision(n.defaultDecision))
	for _, f := range n.filters {
		n.pipeline.OnRequestFilter(f)
	}
	n.subscribeEvents()

	if n.dupWindow > 0 && n.dupSize > 0 {
		n.dedup = newDuplicateDetector(n.dupSize, n.dupWindow)
	}
	return n, nil
}

func (n *Node) ID() domain.NetworkingNodeID        { return n.id }
func (n *Node) Registry() *ocpp.Registry           { return n.registry }
func (n *Node) Routes() *RoutingTable              { return n.routes }
func (n *Node) Engine() *correlation.Engine        { return n.engine }
func (n *Node) Pipeline() *forwarding.Pipeline     { return n.pipeline }
func (n *Node) Logger() *slog.Logger               { return n.logger }
func (n *Node) Format() domain.SerializationFormat { return n.format }

// HandleFunc registers the local handler of action.
func (n *Node) HandleFunc(action string, h HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[action] = h
}

// HandleMessage registers the local consumer of SEND messages for action.
func (n *Node) HandleMessage(action string, h MessageHandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgHandlers[action] = h
}

func (n *Node) handler(action string) (HandlerFunc, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[action]
	return h, ok
}

func (n *Node) messageHandler(action string) (MessageHandlerFunc, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.msgHandlers[action]
	return h, ok
}

// AddConnection makes conn the direct link to its remote node.
func (n *Node) AddConnection(conn ports.Connection) {
	info := conn.Info()
	if old := n.routes.Add(conn); old != nil && old.Info().ID != info.ID {
		n.logger.Info("replacing connection",
			slog.String("remote", info.RemoteNodeID.String()),
			slog.String("old", old.Info().ID))
		if err := old.Close(); err != nil {
			n.logger.Debug("closing replaced connection",
				slog.String("connection_id", old.Info().ID),
				slog.String("error", err.Error()))
		}
	}
	n.metrics.ConnectionOpened()
	n.logger.Info("connection added",
		slog.String("connection_id", info.ID),
		slog.String("remote", info.RemoteNodeID.String()),
		slog.Bool("plain", info.Plain))
}

func (n *Node) RemoveConnection(conn ports.Connection) {
	if n.routes.Remove(conn) {
		n.metrics.ConnectionClosed()
		n.logger.Info("connection removed",
			slog.String("connection_id", conn.Info().ID),
			slog.String("remote", conn.Info().RemoteNodeID.String()))
	}
}

// Close cancels pending exchanges and closes every connection.
func (n *Node) Close() error {
	n.engine.Close()
	var result *multierror.Error
	for _, c := range n.routes.Connections() {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", c.Info().ID, err))
		}
		n.routes.Remove(c)
	}
	return result.ErrorOrNil()
}

// publish hands ev to the event publisher. Failures are logged only.
func (n *Node) publish(ctx context.Context, ev *domain.NodeEvent) {
	if n.publisher == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.NodeID = n.id
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = n.clock.Now().UTC()
	}
	if err := n.publisher.Publish(ctx, ev); err != nil {
		n.logger.Warn("failed to publish node event",
			slog.String("kind", string(ev.Kind)),
			slog.String("request_id", ev.RequestID.String()),
			slog.String("error", err.Error()))
	}
}

// subscribeEvents turns pipeline notifications into node events.
func (n *Node) subscribeEvents() {
	n.pipeline.OnRequestReceived(func(ctx context.Context, in *ports.FilterInput) error {
		env := in.Request.Envelope()
		n.publish(ctx, &domain.NodeEvent{
			Kind:            domain.EventReceived,
			ConnectionID:    in.Connection.ID,
			RequestID:       env.RequestID(),
			EventTrackingID: env.EventTrackingID(),
			Action:          env.Action(),
			Payload:         in.Frame.Payload,
		})
		return nil
	})
	n.pipeline.OnRequestFiltered(func(ctx context.Context, d *forwarding.Decision) error {
		ev := &domain.NodeEvent{
			Kind:         domain.EventFiltered,
			ConnectionID: d.Connection.ID,
			RequestID:    d.RequestID(),
			Action:       d.Action(),
			Decision:     string(d.Kind),
			Detail:       d.Filter,
		}
		if d.Request != nil {
			ev.EventTrackingID = d.Request.Envelope().EventTrackingID()
		}
		if d.Kind == forwarding.Reject {
			ev.Kind = domain.EventRejected
			ev.Detail = d.RejectMessage
			if d.RejectResponse != nil {
				ev.ResultCode = d.RejectResponse.Envelope().Result().Code
			}
		}
		n.publish(ctx, ev)
		return nil
	})
	n.pipeline.OnRequestSent(func(ctx context.Context, d *forwarding.Decision, res domain.SentMessageResult) error {
		ev := &domain.NodeEvent{
			Kind:         domain.EventSent,
			ConnectionID: d.Connection.ID,
			RequestID:    d.RequestID(),
			Action:       d.Action(),
			Decision:     string(d.Kind),
			Detail:       res.State.String(),
			CreatedAt:    res.Timestamp,
		}
		if d.Request != nil {
			ev.EventTrackingID = d.Request.Envelope().EventTrackingID()
		}
		n.publish(ctx, ev)
		return nil
	})
}
