// Package memory connects nodes in-process. It is used by tests and by
// embedded setups that run several nodes in one binary.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
)

// ErrClosed is reported by Send on a closed link.
var ErrClosed = errors.New("memory link closed")

// Conn is one end of an in-memory link.
type Conn struct {
	info    ports.ConnectionInfo
	peer    *Conn
	handler ports.InboundHandler

	closed   atomic.Bool
	dropping atomic.Bool
	wg       sync.WaitGroup
	sent     atomic.Int64
}

type pipeConfig struct {
	plain  bool
	format domain.SerializationFormat
}

// PipeOption configures both ends of a link.
type PipeOption func(*pipeConfig)

// Plain makes the link carry frames without routing information.
func Plain() PipeOption {
	return func(c *pipeConfig) { c.plain = true }
}

// Format forces the serialization format of the link.
func Format(f domain.SerializationFormat) PipeOption {
	return func(c *pipeConfig) { c.format = f }
}

// Pipe links node a to node b. Frames sent on the first Conn are handed to
// hb and frames sent on the second to ha.
func Pipe(a, b domain.NetworkingNodeID, ha, hb ports.InboundHandler, opts ...PipeOption) (*Conn, *Conn) {
	var cfg pipeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ca := &Conn{
		info: ports.ConnectionInfo{
			ID:           fmt.Sprintf("mem:%s->%s", a, b),
			RemoteNodeID: b,
			RemoteAddr:   "memory",
			Plain:        cfg.plain,
			Format:       cfg.format,
		},
		handler: ha,
	}
	cb := &Conn{
		info: ports.ConnectionInfo{
			ID:           fmt.Sprintf("mem:%s->%s", b, a),
			RemoteNodeID: a,
			RemoteAddr:   "memory",
			Plain:        cfg.plain,
			Format:       cfg.format,
		},
		handler: hb,
	}
	ca.peer, cb.peer = cb, ca
	return ca, cb
}

func (c *Conn) Info() ports.ConnectionInfo { return c.info }

// Send hands a copy of data to the peer's handler on its own goroutine.
func (c *Conn) Send(ctx context.Context, data []byte, format domain.SerializationFormat) domain.SendRequestState {
	if c.closed.Load() || c.peer.closed.Load() {
		return domain.NoConnection(ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return domain.SendFailure(err)
	}
	c.sent.Add(1)
	if c.dropping.Load() {
		return domain.Sent()
	}
	buf := append([]byte(nil), data...)
	peer := c.peer
	peer.wg.Add(1)
	go func() {
		defer peer.wg.Done()
		peer.handler.HandleInbound(context.Background(), peer, buf, format)
	}()
	return domain.Sent()
}

// SetDropping makes Send report success without delivering anything.
func (c *Conn) SetDropping(drop bool) { c.dropping.Store(drop) }

// Sent counts the frames written on this end, dropped ones included.
func (c *Conn) Sent() int64 { return c.sent.Load() }

// Close closes both ends and waits for deliveries in flight on this end.
func (c *Conn) Close() error {
	c.closed.Store(true)
	c.peer.closed.Store(true)
	c.wg.Wait()
	return nil
}

// Wait blocks until every frame delivered to this end was handled.
func (c *Conn) Wait() { c.wg.Wait() }

var _ ports.Connection = (*Conn)(nil)
