package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocppnet/overlay/internal/core/domain"
)

// Request is implemented by every concrete request type. The envelope comes
// from the embedded domain.RequestEnvelope.
type Request interface {
	Envelope() *domain.RequestEnvelope
	MarshalPayload() (json.RawMessage, error)
	String() string
}

// Response is implemented by every concrete response type.
type Response interface {
	Envelope() *domain.ResponseEnvelope
	MarshalPayload() (json.RawMessage, error)
	String() string
}

// Message is a fire-and-forget SEND.
type Message interface {
	Envelope() *domain.MessageEnvelope
	MarshalPayload() (json.RawMessage, error)
	String() string
}

// RequestHeader is the frame level information handed to a request decoder.
type RequestHeader struct {
	Destination domain.SourceRouting
	NetworkPath domain.NetworkPath
	RequestID   domain.RequestID
	Format      domain.SerializationFormat
	Timestamp   time.Time
	Timeout     time.Duration
	Context     context.Context
	Clock       domain.Clock
}

// HeaderFromFrame builds the request header of a CALL or SEND frame. The
// timeout stays zero; the frame does not carry one.
func HeaderFromFrame(f *Frame) RequestHeader {
	return RequestHeader{
		Destination: f.Destination,
		NetworkPath: f.NetworkPath,
		RequestID:   f.RequestID,
		Format:      f.Format,
	}
}

func (h RequestHeader) options(ext payloadExtensions) []domain.RequestOption {
	opts := []domain.RequestOption{
		domain.WithRequestID(h.RequestID),
		domain.WithNetworkPath(h.NetworkPath),
		domain.WithSerializationFormat(h.Format),
		domain.WithRequestTimestamp(h.Timestamp),
		domain.WithRequestTimeout(h.Timeout),
	}
	if h.Context != nil {
		opts = append(opts, domain.WithContext(h.Context))
	}
	if h.Clock != nil {
		opts = append(opts, domain.WithClock(h.Clock))
	}
	if ext.CustomData != nil {
		opts = append(opts, domain.WithCustomData(ext.CustomData))
	}
	if len(ext.Signatures) > 0 {
		opts = append(opts, domain.WithSignatures(ext.Signatures...))
	}
	return opts
}

// ResponseHeader is the frame level information handed to a response decoder.
type ResponseHeader struct {
	Destination domain.SourceRouting
	NetworkPath domain.NetworkPath
	Format      domain.SerializationFormat
	Timestamp   time.Time
}

func ResponseHeaderFromFrame(f *Frame) ResponseHeader {
	return ResponseHeader{
		Destination: f.Destination,
		NetworkPath: f.NetworkPath,
		Format:      f.Format,
	}
}

func (h ResponseHeader) options(ext payloadExtensions) []domain.ResponseOption {
	opts := []domain.ResponseOption{
		domain.WithResponseDestination(h.Destination),
		domain.WithResponseNetworkPath(h.NetworkPath),
		domain.WithResponseFormat(h.Format),
		domain.WithResponseTimestamp(h.Timestamp),
	}
	if ext.CustomData != nil {
		opts = append(opts, domain.WithResponseCustomData(ext.CustomData))
	}
	if len(ext.Signatures) > 0 {
		opts = append(opts, domain.WithResponseSignatures(ext.Signatures...))
	}
	return opts
}

// payloadExtensions are the members every OCPP payload may carry besides its
// own fields.
type payloadExtensions struct {
	CustomData domain.CustomData  `json:"customData,omitempty"`
	Signatures []domain.Signature `json:"signatures,omitempty"`
}

func requestExtensions(e *domain.RequestEnvelope) payloadExtensions {
	return payloadExtensions{CustomData: e.CustomData(), Signatures: e.Signatures}
}

func responseExtensions(e *domain.ResponseEnvelope) payloadExtensions {
	return payloadExtensions{CustomData: e.CustomData(), Signatures: e.Signatures}
}

func messageExtensions(e *domain.MessageEnvelope) payloadExtensions {
	return payloadExtensions{CustomData: e.CustomData(), Signatures: e.Signatures}
}

// PayloadError reports a payload that does not match the schema of its
// action.
type PayloadError struct {
	Action string
	Err    error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s payload: %v", e.Action, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

func decodePayload(action string, payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payloadOrEmpty(payload), v); err != nil {
		return &PayloadError{Action: action, Err: err}
	}
	return nil
}

func missing(action, field string) error {
	return &PayloadError{Action: action, Err: fmt.Errorf("%s is required", field)}
}

// StatusInfo gives details about a status returned in a response.
type StatusInfo struct {
	ReasonCode     string `json:"reasonCode"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
}

func statusInfoFromResult(r domain.Result) *StatusInfo {
	if r.IsOK() {
		return nil
	}
	return &StatusInfo{ReasonCode: string(r.Code), AdditionalInfo: r.Description}
}

func equalStatusInfo(a, b *StatusInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
