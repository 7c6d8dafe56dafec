// Package ports defines the core interfaces of the node.
// This file contains the forwarding filter interfaces.
package ports

import (
	"context"
	"time"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/ocpp"
)

// FilterAction is the opinion of a filter about a request in transit.
type FilterAction string

const (
	// FilterForward lets the request continue toward its destination.
	FilterForward FilterAction = "forward"
	// FilterReject answers the request locally and does not forward it.
	FilterReject FilterAction = "reject"
	// FilterReplace forwards a different request instead.
	FilterReplace FilterAction = "replace"
)

// FilterInput is what a filter sees for one request.
type FilterInput struct {
	// Timestamp is when the request was received.
	Timestamp time.Time
	// Connection the request arrived on.
	Connection ConnectionInfo
	// Frame is the decoded wire frame.
	Frame *ocpp.Frame
	// Operation describes the action of the request.
	Operation ocpp.Operation
	// Request is the parsed request.
	Request ocpp.Request
}

// FilterResult is returned by a filter that has an opinion. A nil result
// means the filter abstains.
type FilterResult struct {
	Action FilterAction
	// Replacement is the request forwarded instead (only for FilterReplace).
	Replacement ocpp.Request
	// RejectResponse is sent back to the sender (only for FilterReject).
	// When empty a Filtered response is built.
	RejectResponse ocpp.Response
	// Reason explains a rejection.
	Reason  string
	Details map[string]any
}

// Filter inspects requests passing through the node.
type Filter interface {
	// Name returns the unique identifier for this filter.
	Name() string
	// Filter returns the filter's opinion, or nil to abstain.
	Filter(ctx context.Context, in *FilterInput) (*FilterResult, error)
}

// SignaturePolicy signs outgoing and verifies incoming messages over their
// exact serialized bytes.
type SignaturePolicy interface {
	SignRequest(req ocpp.Request, serialized []byte, format domain.SerializationFormat) ([]domain.Signature, error)
	SignResponse(resp ocpp.Response, serialized []byte, format domain.SerializationFormat) ([]domain.Signature, error)
	VerifyRequest(req ocpp.Request, serialized []byte, format domain.SerializationFormat) (bool, error)
	VerifyResponse(resp ocpp.Response, serialized []byte, format domain.SerializationFormat) (bool, error)
}
