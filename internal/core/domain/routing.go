package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptySourceRouting is returned when a SourceRouting would have no hops.
var ErrEmptySourceRouting = errors.New("source routing needs at least one hop")

// NetworkPath is the path a message has physically traversed, origin first.
// It is append-only: Append returns a new path and never touches the
// receiver, so copies held by other goroutines stay valid.
type NetworkPath struct {
	hops []NetworkingNodeID
}

// EmptyNetworkPath is the "not yet routed" path.
var EmptyNetworkPath = NetworkPath{}

func NewNetworkPath(hops ...NetworkingNodeID) NetworkPath {
	if len(hops) == 0 {
		return NetworkPath{}
	}
	out := make([]NetworkingNodeID, len(hops))
	copy(out, hops)
	return NetworkPath{hops: out}
}

// Append returns a copy of the path with hop added at the end.
func (p NetworkPath) Append(hop NetworkingNodeID) NetworkPath {
	out := make([]NetworkingNodeID, len(p.hops), len(p.hops)+1)
	copy(out, p.hops)
	return NetworkPath{hops: append(out, hop)}
}

// Source is the origin of the message, or empty for an unrouted path.
func (p NetworkPath) Source() NetworkingNodeID {
	if len(p.hops) == 0 {
		return ""
	}
	return p.hops[0]
}

// Last is the most recent hop, i.e. the current holder of the message.
func (p NetworkPath) Last() NetworkingNodeID {
	if len(p.hops) == 0 {
		return ""
	}
	return p.hops[len(p.hops)-1]
}

func (p NetworkPath) Len() int      { return len(p.hops) }
func (p NetworkPath) IsEmpty() bool { return len(p.hops) == 0 }

func (p NetworkPath) Hops() []NetworkingNodeID {
	out := make([]NetworkingNodeID, len(p.hops))
	copy(out, p.hops)
	return out
}

// Contains reports whether id already appears on the path.
func (p NetworkPath) Contains(id NetworkingNodeID) bool {
	for _, h := range p.hops {
		if h == id {
			return true
		}
	}
	return false
}

func (p NetworkPath) Equal(other NetworkPath) bool {
	return equalHops(p.hops, other.hops)
}

func (p NetworkPath) String() string {
	return joinHops(p.hops, " -> ")
}

func (p NetworkPath) MarshalJSON() ([]byte, error) {
	return marshalHops(p.hops)
}

func (p *NetworkPath) UnmarshalJSON(data []byte) error {
	hops, err := unmarshalHops(data)
	if err != nil {
		return fmt.Errorf("network path: %w", err)
	}
	p.hops = hops
	return nil
}

// SourceRouting is the intended path toward a destination. Last is always the
// final destination; earlier hops are explicit intermediaries.
type SourceRouting struct {
	hops []NetworkingNodeID
}

// SourceRoutingTo sends directly to id.
func SourceRoutingTo(id NetworkingNodeID) SourceRouting {
	return SourceRouting{hops: []NetworkingNodeID{id}}
}

func NewSourceRouting(hops ...NetworkingNodeID) (SourceRouting, error) {
	if len(hops) == 0 {
		return SourceRouting{}, ErrEmptySourceRouting
	}
	for _, h := range hops {
		if h.IsEmpty() {
			return SourceRouting{}, fmt.Errorf("source routing: %w", ErrInvalidFormat)
		}
	}
	out := make([]NetworkingNodeID, len(hops))
	copy(out, hops)
	return SourceRouting{hops: out}, nil
}

// SourceRoutingVia routes through the given intermediaries to final.
func SourceRoutingVia(final NetworkingNodeID, via ...NetworkingNodeID) SourceRouting {
	out := make([]NetworkingNodeID, 0, len(via)+1)
	out = append(out, via...)
	return SourceRouting{hops: append(out, final)}
}

// Append returns a copy with id added as the new final destination.
func (r SourceRouting) Append(id NetworkingNodeID) SourceRouting {
	out := make([]NetworkingNodeID, len(r.hops), len(r.hops)+1)
	copy(out, r.hops)
	return SourceRouting{hops: append(out, id)}
}

// Last is the final destination.
func (r SourceRouting) Last() NetworkingNodeID {
	if len(r.hops) == 0 {
		return ""
	}
	return r.hops[len(r.hops)-1]
}

// Next is the first hop.
func (r SourceRouting) Next() NetworkingNodeID {
	if len(r.hops) == 0 {
		return ""
	}
	return r.hops[0]
}

// NextAfter returns the hop following self. When self is not part of the
// route the first hop is returned.
func (r SourceRouting) NextAfter(self NetworkingNodeID) NetworkingNodeID {
	for i, h := range r.hops {
		if h == self && i+1 < len(r.hops) {
			return r.hops[i+1]
		}
	}
	return r.Next()
}

func (r SourceRouting) Len() int     { return len(r.hops) }
func (r SourceRouting) IsZero() bool { return len(r.hops) == 0 }

func (r SourceRouting) Hops() []NetworkingNodeID {
	out := make([]NetworkingNodeID, len(r.hops))
	copy(out, r.hops)
	return out
}

func (r SourceRouting) Equal(other SourceRouting) bool {
	return equalHops(r.hops, other.hops)
}

func (r SourceRouting) String() string {
	return joinHops(r.hops, " => ")
}

func (r SourceRouting) MarshalJSON() ([]byte, error) {
	return marshalHops(r.hops)
}

func (r *SourceRouting) UnmarshalJSON(data []byte) error {
	hops, err := unmarshalHops(data)
	if err != nil {
		return fmt.Errorf("source routing: %w", err)
	}
	if len(hops) == 0 {
		return ErrEmptySourceRouting
	}
	r.hops = hops
	return nil
}

func equalHops(a, b []NetworkingNodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinHops(hops []NetworkingNodeID, sep string) string {
	parts := make([]string, len(hops))
	for i, h := range hops {
		parts[i] = string(h)
	}
	return strings.Join(parts, sep)
}

func marshalHops(hops []NetworkingNodeID) ([]byte, error) {
	if hops == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(hops)
}

func unmarshalHops(data []byte) ([]NetworkingNodeID, error) {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	hops := make([]NetworkingNodeID, len(raw))
	for i, s := range raw {
		id, err := ParseNetworkingNodeID(s)
		if err != nil {
			return nil, err
		}
		hops[i] = id
	}
	return hops, nil
}
