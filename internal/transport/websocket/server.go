package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
)

// ServerConfig configures the accepting side of links.
type ServerConfig struct {
	Handler  ports.InboundHandler
	Listener ports.ConnectionListener
	Logger   *slog.Logger

	// Plain marks accepted links as carrying frames without routing.
	Plain bool
	// Format forces the serialization format on accepted links.
	Format domain.SerializationFormat

	PingInterval    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Server upgrades HTTP requests to OCPP links. The remote node id is taken
// from the chi URL parameter "nodeID" or else the last path segment.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
	ctx   context.Context
	stop  context.CancelFunc
}

// NewServer returns a Server. Handler is required.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			Subprotocols:    Subprotocols,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.With(slog.String("component", "websocket_server")),
		conns:  make(map[string]*Conn),
		ctx:    ctx,
		stop:   cancel,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "nodeID")
	if raw == "" {
		raw = path.Base(r.URL.Path)
	}
	remote, err := domain.ParseNetworkingNodeID(raw)
	if err != nil || raw == "/" || raw == "." {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("remote", remote.String()),
			slog.String("error", err.Error()))
		return
	}

	conn := newConn(ws, ports.ConnectionInfo{
		ID:           "ws:" + uuid.NewString(),
		RemoteNodeID: remote,
		RemoteAddr:   r.RemoteAddr,
		Plain:        s.cfg.Plain,
		Format:       s.cfg.Format,
	}, s.logger)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn.info.ID] = conn
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("link accepted",
		slog.String("remote", remote.String()),
		slog.String("connection", conn.info.ID),
		slog.String("subprotocol", ws.Subprotocol()))
	if s.cfg.Listener != nil {
		s.cfg.Listener.AddConnection(conn)
	}

	go func() {
		defer s.wg.Done()
		conn.serve(s.ctx, s.cfg.Handler, s.cfg.PingInterval)
		if s.cfg.Listener != nil {
			s.cfg.Listener.RemoveConnection(conn)
		}
		s.mu.Lock()
		delete(s.conns, conn.info.ID)
		s.mu.Unlock()
		s.logger.Info("link closed",
			slog.String("remote", remote.String()),
			slog.String("connection", conn.info.ID))
	}()
}

// Connections returns the currently accepted links.
func (s *Server) Connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close closes every accepted link and waits for their read loops.
func (s *Server) Close() error {
	s.mu.Lock()
	s.stop()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return nil
}
