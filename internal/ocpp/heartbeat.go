package ocpp

import (
	"encoding/json"
	"time"

	"github.com/ocppnet/overlay/internal/core/domain"
)

const ActionHeartbeat = "Heartbeat"

type HeartbeatRequest struct {
	domain.RequestEnvelope
}

func NewHeartbeatRequest(dest domain.SourceRouting, opts ...domain.RequestOption) *HeartbeatRequest {
	return &HeartbeatRequest{RequestEnvelope: domain.NewRequestEnvelope(dest, ActionHeartbeat, opts...)}
}

func (r *HeartbeatRequest) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(requestExtensions(&r.RequestEnvelope))
}

func (r *HeartbeatRequest) Equal(other *HeartbeatRequest) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.RequestEnvelope.Equal(&other.RequestEnvelope)
}

func (r *HeartbeatRequest) String() string { return r.RequestEnvelope.String() }

type HeartbeatResponse struct {
	domain.ResponseEnvelope
	CurrentTime time.Time
}

func NewHeartbeatResponse(req *HeartbeatRequest, currentTime time.Time, opts ...domain.ResponseOption) *HeartbeatResponse {
	return &HeartbeatResponse{
		ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, domain.OKResult(), opts...),
		CurrentTime:      currentTime,
	}
}

// HeartbeatResponseFromResult leaves CurrentTime zero.
func HeartbeatResponseFromResult(req *HeartbeatRequest, result domain.Result, opts ...domain.ResponseOption) *HeartbeatResponse {
	return &HeartbeatResponse{ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, result, opts...)}
}

type heartbeatResponseJSON struct {
	CurrentTime time.Time `json:"currentTime"`
	payloadExtensions
}

func (r *HeartbeatResponse) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(heartbeatResponseJSON{
		CurrentTime:       r.CurrentTime,
		payloadExtensions: responseExtensions(&r.ResponseEnvelope),
	})
}

func (r *HeartbeatResponse) Equal(other *HeartbeatResponse) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ResponseEnvelope.Equal(&other.ResponseEnvelope) && r.CurrentTime.Equal(other.CurrentTime)
}

func (r *HeartbeatResponse) String() string {
	return r.Describe(r.CurrentTime.Format(time.RFC3339))
}

var Heartbeat Operation = &OperationFuncs[*HeartbeatRequest, *HeartbeatResponse]{
	Name: ActionHeartbeat,
	DecodeRequest: func(payload json.RawMessage, hdr RequestHeader) (*HeartbeatRequest, error) {
		var ext payloadExtensions
		if err := decodePayload(ActionHeartbeat, payload, &ext); err != nil {
			return nil, err
		}
		return NewHeartbeatRequest(hdr.Destination, hdr.options(ext)...), nil
	},
	DecodeResponse: func(payload json.RawMessage, req *HeartbeatRequest, hdr ResponseHeader) (*HeartbeatResponse, error) {
		var w heartbeatResponseJSON
		if err := decodePayload(ActionHeartbeat, payload, &w); err != nil {
			return nil, err
		}
		if w.CurrentTime.IsZero() {
			return nil, missing(ActionHeartbeat, "currentTime")
		}
		return NewHeartbeatResponse(req, w.CurrentTime, hdr.options(w.payloadExtensions)...), nil
	},
	FromResult: func(req *HeartbeatRequest, result domain.Result) *HeartbeatResponse {
		return HeartbeatResponseFromResult(req, result)
	},
}
