package ocpp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ocppnet/overlay/internal/core/domain"
)

// MessageType is the first element of every OCPP-J frame.
type MessageType int

const (
	TypeCall            MessageType = 2
	TypeCallResult      MessageType = 3
	TypeCallError       MessageType = 4
	TypeCallResultError MessageType = 5
	TypeSend            MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case TypeCall:
		return "CALL"
	case TypeCallResult:
		return "CALLRESULT"
	case TypeCallError:
		return "CALLERROR"
	case TypeCallResultError:
		return "CALLRESULTERROR"
	case TypeSend:
		return "SEND"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// IsReply reports whether frames of this type answer an earlier CALL.
func (t MessageType) IsReply() bool {
	return t == TypeCallResult || t == TypeCallError || t == TypeCallResultError
}

// FrameError is returned for bytes that are not a well formed frame.
type FrameError struct {
	Code      domain.OCPPErrorCode
	RequestID domain.RequestID
	Message   string
	Err       error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Result is the FormationViolation result describing the error.
func (e *FrameError) Result() domain.Result {
	return domain.Result{Code: domain.ResultFormationViolation, Description: e.Error(), ErrorCode: e.Code}
}

func frameErr(id domain.RequestID, format string, args ...any) *FrameError {
	return &FrameError{Code: domain.ErrorFormationViolation, RequestID: id, Message: fmt.Sprintf(format, args...)}
}

// Frame is one decoded OCPP-J message. Networking frames carry the
// destination and the traversed path right after the message type; plain
// frames omit both and are used on links to peers that do not speak the
// networking extension.
type Frame struct {
	Type        MessageType
	Plain       bool
	Destination domain.SourceRouting
	NetworkPath domain.NetworkPath
	RequestID   domain.RequestID
	Action      string
	Payload     json.RawMessage

	ErrorCode        domain.OCPPErrorCode
	ErrorDescription string
	ErrorDetails     map[string]any

	Format domain.SerializationFormat
}

// Clone returns a copy that can be modified without touching f.
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Payload != nil {
		c.Payload = append(json.RawMessage(nil), f.Payload...)
	}
	if f.ErrorDetails != nil {
		c.ErrorDetails = make(map[string]any, len(f.ErrorDetails))
		for k, v := range f.ErrorDetails {
			c.ErrorDetails[k] = v
		}
	}
	return &c
}

// ErrorResult maps CALLERROR and CALLRESULTERROR frames to a Result.
func (f *Frame) ErrorResult() domain.Result {
	return domain.FromRemoteError(f.ErrorCode, f.ErrorDescription, f.ErrorDetails)
}

func (f *Frame) String() string {
	switch f.Type {
	case TypeCall, TypeSend:
		return fmt.Sprintf("%s %s [%s] %s => %s", f.Type, f.Action, f.RequestID, f.NetworkPath, f.Destination)
	case TypeCallError, TypeCallResultError:
		return fmt.Sprintf("%s [%s] %s %s", f.Type, f.RequestID, f.ErrorCode, f.ErrorDescription)
	default:
		return fmt.Sprintf("%s [%s] %s => %s", f.Type, f.RequestID, f.NetworkPath, f.Destination)
	}
}

// ParseFrame decodes raw bytes in the given format.
func ParseFrame(raw []byte, format domain.SerializationFormat) (*Frame, error) {
	elems, err := splitFrame(raw, format)
	if err != nil {
		return nil, err
	}
	if len(elems) < 3 {
		return nil, frameErr("", "frame has %d elements", len(elems))
	}

	var typ int
	if err := json.Unmarshal(elems[0], &typ); err != nil {
		return nil, &FrameError{Code: domain.ErrorFormationViolation, Message: "message type is not a number", Err: err}
	}
	f := &Frame{Type: MessageType(typ), Format: format}

	rest := elems[1:]
	if isArray(rest[0]) {
		if len(rest) < 3 {
			return nil, frameErr("", "networking frame too short")
		}
		if err := f.parseRouting(rest[0], rest[1]); err != nil {
			return nil, err
		}
		rest = rest[2:]
	} else {
		f.Plain = true
	}

	if err := json.Unmarshal(rest[0], (*string)(&f.RequestID)); err != nil || f.RequestID.IsEmpty() {
		return nil, frameErr("", "missing message id")
	}
	rest = rest[1:]

	switch f.Type {
	case TypeCall, TypeSend:
		if len(rest) != 2 {
			return nil, frameErr(f.RequestID, "%s needs action and payload", f.Type)
		}
		if err := json.Unmarshal(rest[0], &f.Action); err != nil || f.Action == "" {
			return nil, frameErr(f.RequestID, "missing action")
		}
		if !isObject(rest[1]) {
			return nil, frameErr(f.RequestID, "payload is not an object")
		}
		f.Payload = rest[1]
		if !f.Plain && f.Destination.IsZero() {
			return nil, frameErr(f.RequestID, "%s without destination", f.Type)
		}
	case TypeCallResult:
		if len(rest) != 1 || !isObject(rest[0]) {
			return nil, frameErr(f.RequestID, "CALLRESULT needs an object payload")
		}
		f.Payload = rest[0]
	case TypeCallError, TypeCallResultError:
		if len(rest) != 3 {
			return nil, frameErr(f.RequestID, "%s needs code, description and details", f.Type)
		}
		var code string
		if err := json.Unmarshal(rest[0], &code); err != nil {
			return nil, frameErr(f.RequestID, "error code is not a string")
		}
		f.ErrorCode = domain.OCPPErrorCode(code)
		if err := json.Unmarshal(rest[1], &f.ErrorDescription); err != nil {
			return nil, frameErr(f.RequestID, "error description is not a string")
		}
		if !isNull(rest[2]) {
			if err := json.Unmarshal(rest[2], &f.ErrorDetails); err != nil {
				return nil, frameErr(f.RequestID, "error details is not an object")
			}
		}
	default:
		return nil, &FrameError{
			Code:      domain.ErrorMessageTypeNotSupported,
			RequestID: f.RequestID,
			Message:   fmt.Sprintf("message type %d", typ),
		}
	}
	return f, nil
}

func (f *Frame) parseRouting(dest, path json.RawMessage) error {
	var destHops, pathHops []string
	if err := json.Unmarshal(dest, &destHops); err != nil {
		return &FrameError{Code: domain.ErrorFormationViolation, Message: "destination", Err: err}
	}
	if err := json.Unmarshal(path, &pathHops); err != nil {
		return &FrameError{Code: domain.ErrorFormationViolation, Message: "network path", Err: err}
	}
	if len(destHops) > 0 {
		hops, err := parseHops(destHops)
		if err != nil {
			return &FrameError{Code: domain.ErrorFormationViolation, Message: "destination", Err: err}
		}
		f.Destination, _ = domain.NewSourceRouting(hops...)
	}
	hops, err := parseHops(pathHops)
	if err != nil {
		return &FrameError{Code: domain.ErrorFormationViolation, Message: "network path", Err: err}
	}
	f.NetworkPath = domain.NewNetworkPath(hops...)
	return nil
}

func parseHops(raw []string) ([]domain.NetworkingNodeID, error) {
	out := make([]domain.NetworkingNodeID, 0, len(raw))
	for _, s := range raw {
		id, err := domain.ParseNetworkingNodeID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// splitFrame returns the top level elements of a frame as JSON documents,
// whatever the wire format.
func splitFrame(raw []byte, format domain.SerializationFormat) ([]json.RawMessage, error) {
	if format == domain.FormatBinary {
		var elems []any
		if err := decodeCBOR(raw, &elems); err != nil {
			return nil, &FrameError{Code: domain.ErrorFormationViolation, Message: "frame is not a CBOR array", Err: err}
		}
		out := make([]json.RawMessage, len(elems))
		for i, e := range elems {
			j, err := valueToJSON(e)
			if err != nil {
				return nil, &FrameError{Code: domain.ErrorFormationViolation, Message: "frame element", Err: err}
			}
			out[i] = j
		}
		return out, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, &FrameError{Code: domain.ErrorFormationViolation, Message: "frame is not a JSON array", Err: err}
	}
	return elems, nil
}

// Marshal encodes the frame in the given format; an empty format uses the
// one the frame was parsed with.
func (f *Frame) Marshal(format domain.SerializationFormat) ([]byte, error) {
	if format == "" {
		format = f.Format
	}
	if format == "" {
		format = domain.DefaultSerializationFormat
	}
	elems, err := f.elements()
	if err != nil {
		return nil, err
	}
	if format == domain.FormatBinary {
		values := make([]any, len(elems))
		for i, e := range elems {
			v, err := jsonToValue(e)
			if err != nil {
				return nil, fmt.Errorf("encode %s element %d: %w", f.Type, i, err)
			}
			values[i] = v
		}
		return encodeCBOR(values)
	}
	return json.Marshal(elems)
}

func (f *Frame) elements() ([]json.RawMessage, error) {
	var elems []json.RawMessage
	add := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		elems = append(elems, b)
		return nil
	}

	if err := add(int(f.Type)); err != nil {
		return nil, err
	}
	if !f.Plain {
		if err := add(f.Destination); err != nil {
			return nil, err
		}
		if err := add(f.NetworkPath); err != nil {
			return nil, err
		}
	}
	if err := add(string(f.RequestID)); err != nil {
		return nil, err
	}

	switch f.Type {
	case TypeCall, TypeSend:
		if err := add(f.Action); err != nil {
			return nil, err
		}
		elems = append(elems, payloadOrEmpty(f.Payload))
	case TypeCallResult:
		elems = append(elems, payloadOrEmpty(f.Payload))
	case TypeCallError, TypeCallResultError:
		details := f.ErrorDetails
		if details == nil {
			details = map[string]any{}
		}
		for _, v := range []any{string(f.ErrorCode), f.ErrorDescription, details} {
			if err := add(v); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.New("cannot marshal " + f.Type.String())
	}
	return elems, nil
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(p)) == 0 {
		return json.RawMessage("{}")
	}
	return p
}

func isArray(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '['
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
