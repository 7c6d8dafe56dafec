package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
)

// ErrNoRoute is returned when no connection leads toward a destination.
var ErrNoRoute = errors.New("no route to destination")

// RouteInfo describes one entry of the routing table.
type RouteInfo struct {
	Destination  domain.NetworkingNodeID `json:"destination"`
	Via          domain.NetworkingNodeID `json:"via,omitempty"`
	ConnectionID string                  `json:"connectionId,omitempty"`
	Default      bool                    `json:"default,omitempty"`
	Connected    bool                    `json:"connected"`
}

// RoutingTable maps node ids to the connections leading to them. Direct
// connections win over static routes, which win over the default upstream.
type RoutingTable struct {
	self domain.NetworkingNodeID

	mu       sync.RWMutex
	conns    map[domain.NetworkingNodeID]ports.Connection
	routes   map[domain.NetworkingNodeID]domain.NetworkingNodeID
	upstream domain.NetworkingNodeID
}

func NewRoutingTable(self domain.NetworkingNodeID) *RoutingTable {
	return &RoutingTable{
		self:   self,
		conns:  make(map[domain.NetworkingNodeID]ports.Connection),
		routes: make(map[domain.NetworkingNodeID]domain.NetworkingNodeID),
	}
}

// Add registers conn as the direct link to its remote node. An older link
// to the same node is replaced and returned.
func (t *RoutingTable) Add(conn ports.Connection) ports.Connection {
	id := conn.Info().RemoteNodeID
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.conns[id]
	t.conns[id] = conn
	return old
}

// Remove forgets conn unless it was already replaced by a newer link.
func (t *RoutingTable) Remove(conn ports.Connection) bool {
	id := conn.Info().RemoteNodeID
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.conns[id]; ok && cur.Info().ID == conn.Info().ID {
		delete(t.conns, id)
		return true
	}
	return false
}

// AddRoute sends traffic for dest through the direct neighbour via.
func (t *RoutingTable) AddRoute(dest, via domain.NetworkingNodeID) error {
	if dest.IsEmpty() || via.IsEmpty() {
		return fmt.Errorf("route %q via %q: %w", dest, via, domain.ErrInvalidFormat)
	}
	if dest == via {
		return fmt.Errorf("route %s points to itself", dest)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[dest] = via
	return nil
}

// SetDefault sets the neighbour used for every unknown destination.
func (t *RoutingTable) SetDefault(via domain.NetworkingNodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upstream = via
}

// Connection returns the direct link to id.
func (t *RoutingTable) Connection(id domain.NetworkingNodeID) (ports.Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

// Lookup picks the connection for the next hop of dest.
func (t *RoutingTable) Lookup(dest domain.SourceRouting) (ports.Connection, error) {
	if dest.IsZero() {
		return nil, domain.ErrEmptySourceRouting
	}
	next := dest.NextAfter(t.self)
	if next == t.self {
		next = dest.Last()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.conns[next]; ok {
		return c, nil
	}
	if via, ok := t.routes[next]; ok {
		if c, ok := t.conns[via]; ok {
			return c, nil
		}
	}
	if !t.upstream.IsEmpty() && t.upstream != next {
		if c, ok := t.conns[t.upstream]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrNoRoute, next)
}

// Routes lists connections and static routes for the admin API.
func (t *RoutingTable) Routes() []RouteInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RouteInfo, 0, len(t.conns)+len(t.routes)+1)
	for id, c := range t.conns {
		out = append(out, RouteInfo{Destination: id, ConnectionID: c.Info().ID, Connected: true})
	}
	for dest, via := range t.routes {
		c, ok := t.conns[via]
		ri := RouteInfo{Destination: dest, Via: via, Connected: ok}
		if ok {
			ri.ConnectionID = c.Info().ID
		}
		out = append(out, ri)
	}
	if !t.upstream.IsEmpty() {
		_, ok := t.conns[t.upstream]
		out = append(out, RouteInfo{Destination: "*", Via: t.upstream, Default: true, Connected: ok})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination == out[j].Destination {
			return out[i].Via < out[j].Via
		}
		return out[i].Destination < out[j].Destination
	})
	return out
}

// Connections returns every direct link.
func (t *RoutingTable) Connections() []ports.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ports.Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}
