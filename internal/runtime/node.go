// Package runtime provides the Node struct and lifecycle management for a
// networking node: configuration, message log, event publishing, links to
// peers and the admin API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ocppnet/overlay/internal/adapters/events/direct"
	natsevents "github.com/ocppnet/overlay/internal/adapters/events/nats"
	"github.com/ocppnet/overlay/internal/adapters/storage/sqlite"
	"github.com/ocppnet/overlay/internal/api/admin"
	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/forwarding"
	"github.com/ocppnet/overlay/internal/metrics"
	"github.com/ocppnet/overlay/internal/node"
	"github.com/ocppnet/overlay/internal/ocpp"
	"github.com/ocppnet/overlay/internal/pkg/config"
	"github.com/ocppnet/overlay/internal/server"
	"github.com/ocppnet/overlay/internal/storage/memory"
	wstransport "github.com/ocppnet/overlay/internal/transport/websocket"
)

// Node is the main entry point for running a networking node.
// It can be embedded in larger applications or run standalone.
type Node struct {
	// Dependencies (injected via options)
	config       ports.ConfigProvider
	store        ports.MessageStore
	events       ports.EventPublisher
	policy       ports.SignaturePolicy
	filters      []ports.Filter
	registry     *ocpp.Registry
	clock        clock.Clock
	promRegistry *prometheus.Registry
	listener     net.Listener
	logger       *slog.Logger

	// Internal state
	node    *node.Node
	server  *server.Server
	links   *wstransport.Server
	clients []*wstransport.Client
	addr    string
	serveWg sync.WaitGroup

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a Node with the given options. A config provider is required;
// everything else defaults from the configuration at Start.
func New(opts ...Option) (*Node, error) {
	n := &Node{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if n.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}
	if n.registry == nil {
		n.registry = ocpp.DefaultRegistry()
	}
	if n.clock == nil {
		n.clock = clock.New()
	}
	return n, nil
}

// Start loads the configuration, opens links and serves the admin API.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.ctx, n.cancel = context.WithCancel(ctx)

	cfg, err := n.config.Load(n.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := n.initStorage(cfg); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := n.initEvents(cfg); err != nil {
		return fmt.Errorf("init events: %w", err)
	}
	if err := n.initNode(cfg); err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	if err := n.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := n.dialUpstreams(cfg); err != nil {
		return fmt.Errorf("dial upstreams: %w", err)
	}

	// The watcher is armed before Start returns so no edit is missed.
	n.watchConfig()

	n.logger.Info("node started",
		slog.String("node_id", cfg.Node.ID),
		slog.String("addr", n.addr),
		slog.Int("upstreams", len(cfg.Upstreams)),
		slog.Int("filters", n.node.Pipeline().FilterCount()),
	)
	return nil
}

// Shutdown closes links, stops the HTTP server and releases resources.
// Every step runs; their errors are returned together.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.logger.Info("shutting down node")

	if n.cancel != nil {
		n.cancel()
	}

	var result *multierror.Error
	if n.server != nil {
		if err := n.server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if n.links != nil {
		if err := n.links.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close links: %w", err))
		}
	}
	for _, c := range n.clients {
		c.Wait()
	}
	n.serveWg.Wait()
	if n.node != nil {
		if err := n.node.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close node: %w", err))
		}
	}
	if n.events != nil {
		if err := n.events.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close events: %w", err))
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close storage: %w", err))
		}
	}
	if n.config != nil {
		if err := n.config.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close config: %w", err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		n.logger.Error("node shutdown finished with errors", slog.String("error", err.Error()))
		return err
	}
	n.logger.Info("node shutdown complete")
	return nil
}

// Node returns the networking node once started.
func (n *Node) Node() *node.Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.node
}

// Store returns the message log, nil when disabled.
func (n *Node) Store() ports.MessageStore {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.store
}

// Addr is the address the HTTP server listens on.
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.addr
}

func (n *Node) initStorage(cfg *config.Config) error {
	if n.store != nil {
		return nil
	}
	switch strings.ToLower(cfg.Storage.Type) {
	case "", "memory":
		n.store = memory.New()
	case "sqlite":
		path := cfg.Storage.SQLite.Path
		if path == "" {
			path = "./data/ocpp-node.db"
		}
		store, err := sqlite.NewProvider(path)
		if err != nil {
			return err
		}
		n.store = store
	case "none":
		n.logger.Info("message log disabled")
	default:
		return fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
	return nil
}

func (n *Node) initEvents(cfg *config.Config) error {
	if n.events != nil {
		return nil
	}
	switch strings.ToLower(cfg.Events.Type) {
	case "", "direct":
		if n.store == nil {
			n.logger.Info("no message store, events are not recorded")
			return nil
		}
		publisher, err := direct.NewPublisher(n.store)
		if err != nil {
			return err
		}
		n.events = publisher
	case "nats":
		publisher, err := natsevents.Connect(natsevents.Config{
			URL:     cfg.Events.NATS.URL,
			Subject: cfg.Events.NATS.Subject,
			Name:    "ocpp-node-" + cfg.Node.ID,
			Logger:  n.logger,
		})
		if err != nil {
			return err
		}
		n.events = publisher
	case "none":
	default:
		return fmt.Errorf("unknown events type %q", cfg.Events.Type)
	}
	return nil
}

func (n *Node) initNode(cfg *config.Config) error {
	id, err := domain.ParseNetworkingNodeID(cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("node.id: %w", err)
	}
	format, err := domain.ParseSerializationFormat(cfg.Node.SerializationFormat)
	if err != nil {
		return fmt.Errorf("node.serialization_format: %w", err)
	}
	decision, err := decisionFromConfig(cfg.Node.DefaultForwardingDecision)
	if err != nil {
		return err
	}
	timeout, err := cfg.Node.Timeout()
	if err != nil {
		return err
	}
	dupTTL, err := cfg.Node.DuplicateTTL()
	if err != nil {
		return err
	}

	if n.policy == nil {
		if n.policy, err = policyFromConfig(cfg.Signing); err != nil {
			return err
		}
	}
	filters, err := forwarding.NewFiltersFromConfig(cfg.Filters, n.logger)
	if err != nil {
		return err
	}
	filters = append(append([]ports.Filter(nil), n.filters...), filters...)

	if n.promRegistry == nil {
		n.promRegistry = prometheus.NewRegistry()
		n.promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m, err := metrics.New(n.promRegistry)
	if err != nil {
		return err
	}

	opts := []node.Option{
		node.WithRegistry(n.registry),
		node.WithClock(n.clock),
		node.WithLogger(n.logger),
		node.WithMetrics(m),
		node.WithSerializationFormat(format),
		node.WithDefaultDecision(decision),
		node.WithFilters(filters...),
	}
	if timeout > 0 {
		opts = append(opts, node.WithRequestTimeout(timeout))
	}
	if dupTTL > 0 {
		opts = append(opts, node.WithDuplicateDetection(dupTTL, cfg.Node.DuplicateCacheSize))
	}
	if n.policy != nil {
		opts = append(opts, node.WithSignaturePolicy(n.policy))
	}
	if n.events != nil {
		opts = append(opts, node.WithEventPublisher(n.events))
	}

	nd, err := node.New(id, opts...)
	if err != nil {
		return err
	}
	if err := applyRoutes(nd.Routes(), cfg); err != nil {
		return err
	}
	n.node = nd
	return nil
}

// startServer mounts the link endpoint and the admin API and starts serving.
func (n *Node) startServer(cfg *config.Config) error {
	n.server = server.New(cfg.Server.Port, n.logger)
	n.links = wstransport.NewServer(wstransport.ServerConfig{
		Handler:  n.node,
		Listener: n.node,
		Logger:   n.logger,
	})

	path := "/" + strings.Trim(cfg.Server.Path, "/")
	if path == "/" {
		path = ""
	}
	n.server.Router.Get(path+"/{nodeID}", n.links.ServeHTTP)

	admin.NewServer(admin.Config{
		Node:     n.node,
		Store:    n.store,
		Gatherer: n.promRegistry,
		Logger:   n.logger,
	}).Register(n.server.Router)

	ln := n.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return err
		}
	}
	n.addr = ln.Addr().String()

	n.serveWg.Add(1)
	go func() {
		defer n.serveWg.Done()
		if err := n.server.Serve(ln); err != nil {
			n.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	n.logger.Info("links accepted", slog.String("path", path+"/{nodeID}"))
	return nil
}

func (n *Node) dialUpstreams(cfg *config.Config) error {
	for _, up := range cfg.Upstreams {
		remote, err := domain.ParseNetworkingNodeID(up.NodeID)
		if err != nil {
			return fmt.Errorf("upstream %q: %w", up.NodeID, err)
		}
		var format domain.SerializationFormat
		if up.Format != "" {
			if format, err = domain.ParseSerializationFormat(up.Format); err != nil {
				return fmt.Errorf("upstream %s: %w", up.NodeID, err)
			}
		}
		client, err := wstransport.NewClient(wstransport.ClientConfig{
			URL:      up.URL,
			Self:     n.node.ID(),
			Remote:   remote,
			Handler:  n.node,
			Listener: n.node,
			Logger:   n.logger,
			Plain:    up.Plain,
			Format:   format,
		})
		if err != nil {
			return err
		}
		client.Start(n.ctx)
		n.clients = append(n.clients, client)
		n.logger.Info("dialing upstream", slog.String("node_id", up.NodeID), slog.String("url", up.URL))
	}
	return nil
}

// watchConfig arms the config watch; onChange reloads from the provider's
// goroutine. A failing watch is logged and the node keeps running.
func (n *Node) watchConfig() {
	onChange := func(newCfg *config.Config) {
		n.logger.Info("config changed, reloading")
		if err := n.reload(newCfg); err != nil {
			n.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := n.config.Watch(n.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			n.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies the parts of a new configuration that can change while
// running: the default forwarding decision and static routes.
func (n *Node) reload(cfg *config.Config) error {
	n.mu.RLock()
	nd := n.node
	n.mu.RUnlock()
	if nd == nil {
		return fmt.Errorf("node not started")
	}

	decision, err := decisionFromConfig(cfg.Node.DefaultForwardingDecision)
	if err != nil {
		return err
	}
	if err := nd.Pipeline().SetDefaultDecision(decision); err != nil {
		return err
	}
	if err := applyRoutes(nd.Routes(), cfg); err != nil {
		return err
	}

	n.logger.Info("reload complete",
		slog.String("default_decision", string(decision)),
		slog.Int("routes", len(cfg.Routes)),
	)
	return nil
}
