package ports

import (
	"context"

	"github.com/ocppnet/overlay/internal/core/domain"
)

// ConnectionInfo describes a link to a directly connected peer.
type ConnectionInfo struct {
	ID           string
	RemoteNodeID domain.NetworkingNodeID
	RemoteAddr   string
	// Plain links carry frames without destination and network path.
	Plain bool
	// Format overrides the serialization format of frames sent on the link.
	Format domain.SerializationFormat
}

// Connection is a transport link. Send must be safe for concurrent use.
type Connection interface {
	Info() ConnectionInfo
	Send(ctx context.Context, data []byte, format domain.SerializationFormat) domain.SendRequestState
	Close() error
}

// InboundHandler receives every frame read from a connection.
type InboundHandler interface {
	HandleInbound(ctx context.Context, conn Connection, data []byte, format domain.SerializationFormat)
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, conn Connection, data []byte, format domain.SerializationFormat)

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, conn Connection, data []byte, format domain.SerializationFormat) {
	f(ctx, conn, data, format)
}

// ConnectionListener is told when links come and go.
type ConnectionListener interface {
	AddConnection(conn Connection)
	RemoveConnection(conn Connection)
}
