// Package websocket carries OCPP-J frames over WebSocket links. JSON frames
// travel as text messages and CBOR frames as binary messages.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
)

// Subprotocols offered and accepted during the handshake, most preferred first.
var Subprotocols = []string{"ocpp2.1", "ocpp2.0.1"}

// ErrClosed is reported by Send after the link went away.
var ErrClosed = errors.New("websocket link closed")

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxMessageSize      = 1 << 20
)

// Conn wraps one WebSocket connection as a ports.Connection.
type Conn struct {
	info   ports.ConnectionInfo
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	inflight  sync.WaitGroup
}

func newConn(ws *websocket.Conn, info ports.ConnectionInfo, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	ws.SetReadLimit(maxMessageSize)
	return &Conn{
		info:         info,
		ws:           ws,
		logger:       logger.With(slog.String("connection", info.ID), slog.String("remote", info.RemoteNodeID.String())),
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
	}
}

func (c *Conn) Info() ports.ConnectionInfo { return c.info }

// Subprotocol is the protocol agreed during the handshake.
func (c *Conn) Subprotocol() string { return c.ws.Subprotocol() }

// Done is closed once the read loop stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes one frame. Writes are serialized; gorilla allows a single writer.
func (c *Conn) Send(ctx context.Context, data []byte, format domain.SerializationFormat) domain.SendRequestState {
	if c.closed.Load() {
		return domain.NoConnection(ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return domain.SendFailure(err)
	}
	msgType := websocket.TextMessage
	if format == domain.FormatBinary {
		msgType = websocket.BinaryMessage
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return domain.SendFailure(err)
	}
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || c.closed.Load() {
			return domain.NoConnection(err)
		}
		return domain.SendFailure(fmt.Errorf("write frame: %w", err))
	}
	return domain.Sent()
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a normal closure and tears the link down.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// serve reads frames until the connection fails and hands each one to
// handler on its own goroutine. Frames that arrive while a slow handler
// runs are not held back.
func (c *Conn) serve(ctx context.Context, handler ports.InboundHandler, pingInterval time.Duration) {
	defer close(c.done)
	defer c.inflight.Wait()

	if pingInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go c.keepalive(pingInterval, stop)
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			c.closed.Store(true)
			_ = c.ws.Close()
			return
		}
		format := domain.FormatJSON
		if msgType == websocket.BinaryMessage {
			format = domain.FormatBinary
		}
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			handler.HandleInbound(ctx, c, data, format)
		}()
	}
}

func (c *Conn) keepalive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

var _ ports.Connection = (*Conn)(nil)
