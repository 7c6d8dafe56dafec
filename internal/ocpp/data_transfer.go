package ocpp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ocppnet/overlay/internal/core/domain"
)

const ActionDataTransfer = "DataTransfer"

type DataTransferStatus string

const (
	DataTransferAccepted         DataTransferStatus = "Accepted"
	DataTransferRejected         DataTransferStatus = "Rejected"
	DataTransferUnknownMessageID DataTransferStatus = "UnknownMessageId"
	DataTransferUnknownVendorID  DataTransferStatus = "UnknownVendorId"
)

// DataTransferRequest carries vendor specific data. Data is kept as raw
// JSON.
type DataTransferRequest struct {
	domain.RequestEnvelope
	VendorID  string
	MessageID string
	Data      json.RawMessage
}

func NewDataTransferRequest(dest domain.SourceRouting, vendorID, messageID string, data json.RawMessage, opts ...domain.RequestOption) *DataTransferRequest {
	return &DataTransferRequest{
		RequestEnvelope: domain.NewRequestEnvelope(dest, ActionDataTransfer, opts...),
		VendorID:        vendorID,
		MessageID:       messageID,
		Data:            data,
	}
}

type dataTransferJSON struct {
	VendorID  string          `json:"vendorId"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	payloadExtensions
}

func (r *DataTransferRequest) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(dataTransferJSON{
		VendorID:          r.VendorID,
		MessageID:         r.MessageID,
		Data:              r.Data,
		payloadExtensions: requestExtensions(&r.RequestEnvelope),
	})
}

func (r *DataTransferRequest) Equal(other *DataTransferRequest) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.RequestEnvelope.Equal(&other.RequestEnvelope) &&
		r.VendorID == other.VendorID &&
		r.MessageID == other.MessageID &&
		bytes.Equal(r.Data, other.Data)
}

func (r *DataTransferRequest) String() string {
	return fmt.Sprintf("%s: %s/%s", r.RequestEnvelope.String(), r.VendorID, r.MessageID)
}

type DataTransferResponse struct {
	domain.ResponseEnvelope
	Status     DataTransferStatus
	Data       json.RawMessage
	StatusInfo *StatusInfo
}

func NewDataTransferResponse(req *DataTransferRequest, status DataTransferStatus, data json.RawMessage, opts ...domain.ResponseOption) *DataTransferResponse {
	return &DataTransferResponse{
		ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, domain.OKResult(), opts...),
		Status:           status,
		Data:             data,
	}
}

func DataTransferResponseFromResult(req *DataTransferRequest, result domain.Result, opts ...domain.ResponseOption) *DataTransferResponse {
	return &DataTransferResponse{
		ResponseEnvelope: domain.NewResponseEnvelope(&req.RequestEnvelope, result, opts...),
		Status:           DataTransferRejected,
		StatusInfo:       statusInfoFromResult(result),
	}
}

type dataTransferResponseJSON struct {
	Status     DataTransferStatus `json:"status"`
	Data       json.RawMessage    `json:"data,omitempty"`
	StatusInfo *StatusInfo        `json:"statusInfo,omitempty"`
	payloadExtensions
}

func (r *DataTransferResponse) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(dataTransferResponseJSON{
		Status:            r.Status,
		Data:              r.Data,
		StatusInfo:        r.StatusInfo,
		payloadExtensions: responseExtensions(&r.ResponseEnvelope),
	})
}

func (r *DataTransferResponse) Equal(other *DataTransferResponse) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ResponseEnvelope.Equal(&other.ResponseEnvelope) &&
		r.Status == other.Status &&
		bytes.Equal(r.Data, other.Data) &&
		equalStatusInfo(r.StatusInfo, other.StatusInfo)
}

func (r *DataTransferResponse) String() string {
	return r.Describe(string(r.Status))
}

var DataTransfer Operation = &OperationFuncs[*DataTransferRequest, *DataTransferResponse]{
	Name: ActionDataTransfer,
	DecodeRequest: func(payload json.RawMessage, hdr RequestHeader) (*DataTransferRequest, error) {
		var w dataTransferJSON
		if err := decodePayload(ActionDataTransfer, payload, &w); err != nil {
			return nil, err
		}
		if w.VendorID == "" {
			return nil, missing(ActionDataTransfer, "vendorId")
		}
		return NewDataTransferRequest(hdr.Destination, w.VendorID, w.MessageID, w.Data, hdr.options(w.payloadExtensions)...), nil
	},
	DecodeResponse: func(payload json.RawMessage, req *DataTransferRequest, hdr ResponseHeader) (*DataTransferResponse, error) {
		var w dataTransferResponseJSON
		if err := decodePayload(ActionDataTransfer, payload, &w); err != nil {
			return nil, err
		}
		if w.Status == "" {
			return nil, missing(ActionDataTransfer, "status")
		}
		resp := NewDataTransferResponse(req, w.Status, w.Data, hdr.options(w.payloadExtensions)...)
		resp.StatusInfo = w.StatusInfo
		return resp, nil
	},
	FromResult: func(req *DataTransferRequest, result domain.Result) *DataTransferResponse {
		return DataTransferResponseFromResult(req, result)
	},
}

// DataTransferMessage is the fire-and-forget variant of DataTransfer sent
// as a SEND frame.
type DataTransferMessage struct {
	domain.MessageEnvelope
	VendorID        string
	VendorMessageID string
	Data            json.RawMessage
}

func NewDataTransferMessage(dest domain.SourceRouting, vendorID, messageID string, data json.RawMessage, opts ...domain.RequestOption) *DataTransferMessage {
	return &DataTransferMessage{
		MessageEnvelope: domain.NewMessageEnvelope(dest, ActionDataTransfer, opts...),
		VendorID:        vendorID,
		VendorMessageID: messageID,
		Data:            data,
	}
}

func (m *DataTransferMessage) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(dataTransferJSON{
		VendorID:          m.VendorID,
		MessageID:         m.VendorMessageID,
		Data:              m.Data,
		payloadExtensions: messageExtensions(&m.MessageEnvelope),
	})
}

func (m *DataTransferMessage) Equal(other *DataTransferMessage) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.MessageEnvelope.Equal(&other.MessageEnvelope) &&
		m.VendorID == other.VendorID &&
		m.VendorMessageID == other.VendorMessageID &&
		bytes.Equal(m.Data, other.Data)
}

func (m *DataTransferMessage) String() string {
	return fmt.Sprintf("%s: %s/%s", m.MessageEnvelope.String(), m.VendorID, m.VendorMessageID)
}

var DataTransferSend MessageOperation = &MessageFuncs[*DataTransferMessage]{
	Name: ActionDataTransfer,
	DecodeMessage: func(payload json.RawMessage, hdr RequestHeader) (*DataTransferMessage, error) {
		var w dataTransferJSON
		if err := decodePayload(ActionDataTransfer, payload, &w); err != nil {
			return nil, err
		}
		if w.VendorID == "" {
			return nil, missing(ActionDataTransfer, "vendorId")
		}
		return NewDataTransferMessage(hdr.Destination, w.VendorID, w.MessageID, w.Data, hdr.options(w.payloadExtensions)...), nil
	},
}
