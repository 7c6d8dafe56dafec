package ocpp

import (
	"fmt"

	"github.com/ocppnet/overlay/internal/core/domain"
)

// RequestFrame builds the CALL frame of req.
func RequestFrame(req Request) (*Frame, error) {
	env := req.Envelope()
	payload, err := req.MarshalPayload()
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", env.Action(), err)
	}
	return &Frame{
		Type:        TypeCall,
		Destination: env.Destination(),
		NetworkPath: env.NetworkPath(),
		RequestID:   env.RequestID(),
		Action:      env.Action(),
		Payload:     payload,
		Format:      env.SerializationFormat(),
	}, nil
}

// ResponseFrame builds the CALLRESULT frame of resp regardless of its result.
func ResponseFrame(resp Response) (*Frame, error) {
	env := resp.Envelope()
	payload, err := resp.MarshalPayload()
	if err != nil {
		return nil, fmt.Errorf("marshal %s response: %w", env.Action(), err)
	}
	return &Frame{
		Type:        TypeCallResult,
		Destination: env.Destination(),
		NetworkPath: env.NetworkPath(),
		RequestID:   env.RequestID(),
		Payload:     payload,
		Format:      env.SerializationFormat(),
	}, nil
}

// ErrorFrame builds a CALLERROR frame answering the request identified by id.
func ErrorFrame(id domain.RequestID, dest domain.SourceRouting, path domain.NetworkPath, code domain.OCPPErrorCode, description string, details map[string]any) *Frame {
	return &Frame{
		Type:             TypeCallError,
		Destination:      dest,
		NetworkPath:      path,
		RequestID:        id,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     details,
	}
}

// ReplyFrame picks the wire form of a response: CALLRESULT when its result
// is OK, CALLERROR carrying the code of the result otherwise.
func ReplyFrame(resp Response) (*Frame, error) {
	env := resp.Envelope()
	result := env.Result()
	if result.IsOK() {
		return ResponseFrame(resp)
	}
	f := ErrorFrame(env.RequestID(), env.Destination(), env.NetworkPath(),
		domain.ErrorCodeFor(result), result.Description, result.Details)
	f.Format = env.SerializationFormat()
	return f, nil
}

// MessageFrame builds the SEND frame of msg.
func MessageFrame(msg Message) (*Frame, error) {
	env := msg.Envelope()
	payload, err := msg.MarshalPayload()
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", env.Action(), err)
	}
	return &Frame{
		Type:        TypeSend,
		Destination: env.Destination(),
		NetworkPath: env.NetworkPath(),
		RequestID:   env.MessageID(),
		Action:      env.Action(),
		Payload:     payload,
		Format:      env.SerializationFormat(),
	}, nil
}

// RequestToJSON returns the JSON CALL frame of req.
func RequestToJSON(req Request) ([]byte, error) {
	f, err := RequestFrame(req)
	if err != nil {
		return nil, err
	}
	return f.Marshal(domain.FormatJSON)
}

// ResponseToJSON returns the JSON reply frame of resp.
func ResponseToJSON(resp Response) ([]byte, error) {
	f, err := ReplyFrame(resp)
	if err != nil {
		return nil, err
	}
	return f.Marshal(domain.FormatJSON)
}
