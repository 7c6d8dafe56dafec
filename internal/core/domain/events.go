package domain

import (
	"encoding/json"
	"time"
)

// NodeEventKind names a step in the life of a message passing a node.
type NodeEventKind string

const (
	EventReceived NodeEventKind = "received"
	EventFiltered NodeEventKind = "filtered"
	EventSent     NodeEventKind = "sent"
	EventResponse NodeEventKind = "response"
	EventTimeout  NodeEventKind = "timeout"
	EventRejected NodeEventKind = "rejected"
)

// NodeEvent is one entry of the node message log.
type NodeEvent struct {
	ID              string           `json:"id"`
	Kind            NodeEventKind    `json:"kind"`
	NodeID          NetworkingNodeID `json:"nodeId"`
	ConnectionID    string           `json:"connectionId,omitempty"`
	RequestID       RequestID        `json:"requestId,omitempty"`
	EventTrackingID EventTrackingID  `json:"eventTrackingId,omitempty"`
	Action          string           `json:"action,omitempty"`
	Decision        string           `json:"decision,omitempty"`
	ResultCode      ResultCode       `json:"resultCode,omitempty"`
	Detail          string           `json:"detail,omitempty"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}
