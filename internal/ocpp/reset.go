package ocpp

import (
	"encoding/json"
	"fmt"

	"github.com/ocppnet/overlay/internal/core/domain"
)

const ActionReset = "Reset"

type ResetType string

const (
	ResetImmediate ResetType = "Immediate"
	ResetOnIdle    ResetType = "OnIdle"
)

type ResetStatus string

const (
	ResetAccepted  ResetStatus = "Accepted"
	ResetRejected  ResetStatus = "Rejected"
	ResetScheduled ResetStatus = "Scheduled"
)

type ResetRequest struct {
	domain.RequestEnvelope
	Type   ResetType
	EVSEID *int
}

func NewResetRequest(dest domain.SourceRouting, typ ResetType, evseID *int, opts ...domain.RequestOption) *ResetRequest {
	return &ResetRequest{
		RequestEnvelope: domain.NewRequestEnvelope(dest, ActionReset, opts...),
		Type:            typ,
		EVSEID:          evseID,
	}
}

type resetRequestJSON struct {
	Type   ResetType `json:"type"`
	EVSEID *int      `json:"evseId,omitempty"`
	payloadExtensions
}

func (r *ResetRequest) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(resetRequestJSON{
		Type:              r.Type,
		EVSEID:            r.EVSEID,
		payloadExtensions: requestExtensions(&r.RequestEnvelope),
	})
}

func (r *ResetRequest) Equal(other *ResetRequest) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.RequestEnvelope.Equal(&other.RequestEnvelope) &&
		r.Type == other.Type &&
		equalIntPtr(r.EVSEID, other.EVSEID)
}

func (r *ResetRequest) String() string {
	return fmt.Sprintf("%s: %s", r.RequestEnvelope.String(), r.Type)
}

type ResetResponse struct {
	domain.ResponseEnvelope
	Status     ResetStatus
	StatusInfo *StatusInfo
}

func NewResetResponse(req *ResetRequest, status ResetStatus, opts ...domain.ResponseOption) *ResetResponse {
	return &ResetResponse{
		ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, domain.OKResult(), opts...),
		Status:           status,
	}
}

func ResetResponseFromResult(req *ResetRequest, result domain.Result, opts ...domain.ResponseOption) *ResetResponse {
	return &ResetResponse{
		ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, result, opts...),
		Status:           ResetRejected,
		StatusInfo:       statusInfoFromResult(result),
	}
}

type resetResponseJSON struct {
	Status     ResetStatus `json:"status"`
	StatusInfo *StatusInfo `json:"statusInfo,omitempty"`
	payloadExtensions
}

func (r *ResetResponse) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(resetResponseJSON{
		Status:            r.Status,
		StatusInfo:        r.StatusInfo,
		payloadExtensions: responseExtensions(&r.ResponseEnvelope),
	})
}

func (r *ResetResponse) Equal(other *ResetResponse) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ResponseEnvelope.Equal(&other.ResponseEnvelope) &&
		r.Status == other.Status &&
		equalStatusInfo(r.StatusInfo, other.StatusInfo)
}

func (r *ResetResponse) String() string {
	return r.Describe(string(r.Status))
}

var Reset Operation = &OperationFuncs[*ResetRequest, *ResetResponse]{
	Name: ActionReset,
	DecodeRequest: func(payload json.RawMessage, hdr RequestHeader) (*ResetRequest, error) {
		var w resetRequestJSON
		if err := decodePayload(ActionReset, payload, &w); err != nil {
			return nil, err
		}
		switch w.Type {
		case ResetImmediate, ResetOnIdle:
		case "":
			return nil, missing(ActionReset, "type")
		default:
			return nil, &PayloadError{Action: ActionReset, Err: fmt.Errorf("unknown type %q", w.Type)}
		}
		return NewResetRequest(hdr.Destination, w.Type, w.EVSEID, hdr.options(w.payloadExtensions)...), nil
	},
	DecodeResponse: func(payload json.RawMessage, req *ResetRequest, hdr ResponseHeader) (*ResetResponse, error) {
		var w resetResponseJSON
		if err := decodePayload(ActionReset, payload, &w); err != nil {
			return nil, err
		}
		if w.Status == "" {
			return nil, missing(ActionReset, "status")
		}
		resp := NewResetResponse(req, w.Status, hdr.options(w.payloadExtensions)...)
		resp.StatusInfo = w.StatusInfo
		return resp, nil
	},
	FromResult: func(req *ResetRequest, result domain.Result) *ResetResponse {
		return ResetResponseFromResult(req, result)
	},
}
