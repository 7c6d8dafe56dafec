package ocpp

import (
	"encoding/json"
	"fmt"

	"github.com/ocppnet/overlay/internal/core/domain"
)

const ActionChangeAvailability = "ChangeAvailability"

type OperationalStatus string

const (
	Operative   OperationalStatus = "Operative"
	Inoperative OperationalStatus = "Inoperative"
)

type ChangeAvailabilityStatus string

const (
	ChangeAvailabilityAccepted  ChangeAvailabilityStatus = "Accepted"
	ChangeAvailabilityRejected  ChangeAvailabilityStatus = "Rejected"
	ChangeAvailabilityScheduled ChangeAvailabilityStatus = "Scheduled"
)

// EVSE addresses an EVSE and optionally one of its connectors.
type EVSE struct {
	ID          int  `json:"id"`
	ConnectorID *int `json:"connectorId,omitempty"`
}

func equalEVSE(a, b *EVSE) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && equalIntPtr(a.ConnectorID, b.ConnectorID)
}

type ChangeAvailabilityRequest struct {
	domain.RequestEnvelope
	OperationalStatus OperationalStatus
	EVSE              *EVSE
}

func NewChangeAvailabilityRequest(dest domain.SourceRouting, status OperationalStatus, evse *EVSE, opts ...domain.RequestOption) *ChangeAvailabilityRequest {
	return &ChangeAvailabilityRequest{
		RequestEnvelope:   domain.NewRequestEnvelope(dest, ActionChangeAvailability, opts...),
		OperationalStatus: status,
		EVSE:              evse,
	}
}

type changeAvailabilityRequestJSON struct {
	OperationalStatus OperationalStatus `json:"operationalStatus"`
	EVSE              *EVSE             `json:"evse,omitempty"`
	payloadExtensions
}

func (r *ChangeAvailabilityRequest) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(changeAvailabilityRequestJSON{
		OperationalStatus: r.OperationalStatus,
		EVSE:              r.EVSE,
		payloadExtensions: requestExtensions(&r.RequestEnvelope),
	})
}

func (r *ChangeAvailabilityRequest) Equal(other *ChangeAvailabilityRequest) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.RequestEnvelope.Equal(&other.RequestEnvelope) &&
		r.OperationalStatus == other.OperationalStatus &&
		equalEVSE(r.EVSE, other.EVSE)
}

func (r *ChangeAvailabilityRequest) String() string {
	return fmt.Sprintf("%s: %s", r.RequestEnvelope.String(), r.OperationalStatus)
}

type ChangeAvailabilityResponse struct {
	domain.ResponseEnvelope
	Status     ChangeAvailabilityStatus
	StatusInfo *StatusInfo
}

// NewChangeAvailabilityResponse is the success shape: Result is OK.
func NewChangeAvailabilityResponse(req *ChangeAvailabilityRequest, status ChangeAvailabilityStatus, opts ...domain.ResponseOption) *ChangeAvailabilityResponse {
	return &ChangeAvailabilityResponse{
		ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, domain.OKResult(), opts...),
		Status:           status,
	}
}

// ChangeAvailabilityResponseFromResult is the failure shape: Status is Rejected.
func ChangeAvailabilityResponseFromResult(req *ChangeAvailabilityRequest, result domain.Result, opts ...domain.ResponseOption) *ChangeAvailabilityResponse {
	return &ChangeAvailabilityResponse{
		ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, result, opts...),
		Status:           ChangeAvailabilityRejected,
		StatusInfo:       statusInfoFromResult(result),
	}
}

type changeAvailabilityResponseJSON struct {
	Status     ChangeAvailabilityStatus `json:"status"`
	StatusInfo *StatusInfo              `json:"statusInfo,omitempty"`
	payloadExtensions
}

func (r *ChangeAvailabilityResponse) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(changeAvailabilityResponseJSON{
		Status:            r.Status,
		StatusInfo:        r.StatusInfo,
		payloadExtensions: responseExtensions(&r.ResponseEnvelope),
	})
}

func (r *ChangeAvailabilityResponse) Equal(other *ChangeAvailabilityResponse) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ResponseEnvelope.Equal(&other.ResponseEnvelope) &&
		r.Status == other.Status &&
		equalStatusInfo(r.StatusInfo, other.StatusInfo)
}

func (r *ChangeAvailabilityResponse) String() string {
	return r.Describe(string(r.Status))
}

// ChangeAvailability is the operation descriptor.
var ChangeAvailability Operation = &OperationFuncs[*ChangeAvailabilityRequest, *ChangeAvailabilityResponse]{
	Name: ActionChangeAvailability,
	DecodeRequest: func(payload json.RawMessage, hdr RequestHeader) (*ChangeAvailabilityRequest, error) {
		var w changeAvailabilityRequestJSON
		if err := decodePayload(ActionChangeAvailability, payload, &w); err != nil {
			return nil, err
		}
		switch w.OperationalStatus {
		case Operative, Inoperative:
		case "":
			return nil, missing(ActionChangeAvailability, "operationalStatus")
		default:
			return nil, &PayloadError{Action: ActionChangeAvailability, Err: fmt.Errorf("unknown operationalStatus %q", w.OperationalStatus)}
		}
		return NewChangeAvailabilityRequest(hdr.Destination, w.OperationalStatus, w.EVSE, hdr.options(w.payloadExtensions)...), nil
	},
	DecodeResponse: func(payload json.RawMessage, req *ChangeAvailabilityRequest, hdr ResponseHeader) (*ChangeAvailabilityResponse, error) {
		var w changeAvailabilityResponseJSON
		if err := decodePayload(ActionChangeAvailability, payload, &w); err != nil {
			return nil, err
		}
		switch w.Status {
		case ChangeAvailabilityAccepted, ChangeAvailabilityRejected, ChangeAvailabilityScheduled:
		case "":
			return nil, missing(ActionChangeAvailability, "status")
		default:
			return nil, &PayloadError{Action: ActionChangeAvailability, Err: fmt.Errorf("unknown status %q", w.Status)}
		}
		resp := NewChangeAvailabilityResponse(req, w.Status, hdr.options(w.payloadExtensions)...)
		resp.StatusInfo = w.StatusInfo
		return resp, nil
	},
	FromResult: func(req *ChangeAvailabilityRequest, result domain.Result) *ChangeAvailabilityResponse {
		return ChangeAvailabilityResponseFromResult(req, result)
	},
}
