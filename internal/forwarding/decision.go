package forwarding

import (
	"context"
	"fmt"
	"time"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/ocpp"
)

// Kind is what happens to a request in transit.
type Kind string

const (
	Forward Kind = "FORWARD"
	Reject  Kind = "REJECT"
	Replace Kind = "REPLACE"
)

// ParseKind accepts the config spellings as well.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "forward", "FORWARD", "allow":
		return Forward, nil
	case "reject", "REJECT", "deny":
		return Reject, nil
	}
	return "", fmt.Errorf("unknown forwarding decision %q", s)
}

// Decision is the outcome of running a request through the pipeline.
type Decision struct {
	Kind       Kind
	Connection ports.ConnectionInfo
	ReceivedAt time.Time

	// Frame is the inbound CALL.
	Frame     *ocpp.Frame
	Operation ocpp.Operation
	// Request is nil when the frame could not be parsed.
	Request ocpp.Request
	// Filter names the filter that decided; empty for the default decision.
	Filter string

	// Replacement, set for REPLACE.
	NewRequest ocpp.Request
	NewFrame   *ocpp.Frame
	NewBytes   []byte

	// Set for REJECT. RejectResponse is nil only for parse failures.
	RejectResponse ocpp.Response
	RejectFrame    *ocpp.Frame
	RejectMessage  string
	RejectDetails  map[string]any

	// SentMessageLogger is set for FORWARD and REPLACE. The node calls it once
	// the outgoing bytes were written.
	SentMessageLogger func(ctx context.Context, result domain.SentMessageResult)
}

// OutgoingFrame returns the frame to put on the wire for FORWARD and
// REPLACE, with self appended to its network path.
func (d *Decision) OutgoingFrame(self domain.NetworkingNodeID) *ocpp.Frame {
	var src *ocpp.Frame
	switch d.Kind {
	case Forward:
		src = d.Frame
	case Replace:
		src = d.NewFrame
	default:
		return nil
	}
	out := src.Clone()
	out.Plain = false
	out.NetworkPath = src.NetworkPath.Append(self)
	return out
}

// RejectBytes serializes the reply sent back for a REJECT in the format the
// request arrived in.
func (d *Decision) RejectBytes() ([]byte, error) {
	if d.Kind != Reject || d.RejectFrame == nil {
		return nil, fmt.Errorf("decision %s has no reject frame", d.Kind)
	}
	format := d.RejectFrame.Format
	if d.Frame != nil && d.Frame.Format != "" {
		format = d.Frame.Format
	}
	return d.RejectFrame.Marshal(format)
}

// RequestID of the inbound frame.
func (d *Decision) RequestID() domain.RequestID {
	if d.Frame == nil {
		return ""
	}
	return d.Frame.RequestID
}

// Action of the inbound frame.
func (d *Decision) Action() string {
	if d.Frame == nil {
		return ""
	}
	return d.Frame.Action
}

func (d *Decision) String() string {
	switch d.Kind {
	case Reject:
		return fmt.Sprintf("%s %s [%s]: %s", d.Kind, d.Action(), d.RequestID(), d.RejectMessage)
	case Replace:
		return fmt.Sprintf("%s %s [%s] by %s", d.Kind, d.Action(), d.RequestID(), d.Filter)
	default:
		return fmt.Sprintf("%s %s [%s]", d.Kind, d.Action(), d.RequestID())
	}
}
