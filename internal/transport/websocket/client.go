package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
)

// ClientConfig describes an outgoing link, typically to the upstream node.
type ClientConfig struct {
	// URL of the remote endpoint. The local node id is appended as the last
	// path segment.
	URL    string
	Self   domain.NetworkingNodeID
	Remote domain.NetworkingNodeID

	Handler  ports.InboundHandler
	Listener ports.ConnectionListener
	Logger   *slog.Logger

	Plain  bool
	Format domain.SerializationFormat
	Header http.Header

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// MaxElapsedTime bounds a single reconnect attempt series; zero retries
	// until the context ends.
	MaxElapsedTime time.Duration
}

// Client keeps an outgoing link up, reconnecting with exponential backoff.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn *Conn
	wg   sync.WaitGroup
}

// NewClient validates cfg and returns an idle Client. Call Run to connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket client: url is required")
	}
	if cfg.Self.IsEmpty() || cfg.Remote.IsEmpty() {
		return nil, errors.New("websocket client: self and remote node ids are required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("websocket client: handler is required")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     Subprotocols,
		},
		logger: logger.With(slog.String("component", "websocket_client"), slog.String("remote", cfg.Remote.String())),
	}, nil
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/" + c.cfg.Self.String()
}

// Dial opens one link without retrying. Nothing is read from it until Serve
// runs.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.endpoint(), c.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.endpoint(), err)
	}
	return newConn(ws, ports.ConnectionInfo{
		ID:           "ws:" + uuid.NewString(),
		RemoteNodeID: c.cfg.Remote,
		RemoteAddr:   ws.RemoteAddr().String(),
		Plain:        c.cfg.Plain,
		Format:       c.cfg.Format,
	}, c.logger), nil
}

// Current returns the live link, or nil while disconnected.
func (c *Client) Current() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Run connects and serves the link until ctx ends, reconnecting whenever
// it drops. It returns ctx.Err() or the error of an exhausted backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		var conn *Conn
		op := func() error {
			var err error
			conn, err = c.Dial(ctx)
			if err != nil {
				c.logger.Debug("connect failed", slog.String("error", err.Error()))
			}
			return err
		}
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = c.cfg.MaxElapsedTime
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connect to %s: %w", c.cfg.Remote, err)
		}

		c.logger.Info("link established",
			slog.String("connection", conn.info.ID),
			slog.String("subprotocol", conn.Subprotocol()))
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		if c.cfg.Listener != nil {
			c.cfg.Listener.AddConnection(conn)
		}

		c.Serve(ctx, conn)

		if c.cfg.Listener != nil {
			c.cfg.Listener.RemoveConnection(conn)
		}
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("link lost, reconnecting", slog.String("connection", conn.info.ID))
	}
}

// Serve reads frames from a dialed link and hands them to the configured
// handler until the link drops. The link is closed when ctx ends.
func (c *Client) Serve(ctx context.Context, conn *Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	conn.serve(ctx, c.cfg.Handler, c.cfg.PingInterval)
}

// Start runs the client in the background.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("websocket client stopped", slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until a background Run returned.
func (c *Client) Wait() { c.wg.Wait() }
