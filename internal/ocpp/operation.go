package ocpp

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ocppnet/overlay/internal/core/domain"
)

// Operation describes one request/response pair. The node and the
// forwarding pipeline only work through this descriptor.
type Operation interface {
	Action() string
	ParseRequest(payload json.RawMessage, hdr RequestHeader) (Request, error)
	ParseResponse(payload json.RawMessage, req Request, hdr ResponseHeader) (Response, error)
	// ResponseFromResult builds the response returned for a failed exchange.
	// Its domain fields stay at safe defaults.
	ResponseFromResult(req Request, result domain.Result) Response
}

// MessageOperation describes a fire-and-forget SEND action.
type MessageOperation interface {
	Action() string
	ParseMessage(payload json.RawMessage, hdr RequestHeader) (Message, error)
}

// OperationFuncs adapts typed decode functions to Operation.
type OperationFuncs[Req Request, Resp Response] struct {
	Name           string
	DecodeRequest  func(payload json.RawMessage, hdr RequestHeader) (Req, error)
	DecodeResponse func(payload json.RawMessage, req Req, hdr ResponseHeader) (Resp, error)
	FromResult     func(req Req, result domain.Result) Resp
}

func (o *OperationFuncs[Req, Resp]) Action() string { return o.Name }

func (o *OperationFuncs[Req, Resp]) ParseRequest(payload json.RawMessage, hdr RequestHeader) (Request, error) {
	req, err := o.DecodeRequest(payload, hdr)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (o *OperationFuncs[Req, Resp]) ParseResponse(payload json.RawMessage, req Request, hdr ResponseHeader) (Response, error) {
	typed, ok := req.(Req)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected request type %T", o.Name, req)
	}
	resp, err := o.DecodeResponse(payload, typed, hdr)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (o *OperationFuncs[Req, Resp]) ResponseFromResult(req Request, result domain.Result) Response {
	typed, ok := req.(Req)
	if !ok {
		return NewGenericResponse(req, result)
	}
	return o.FromResult(typed, result)
}

// MessageFuncs adapts a typed decoder to MessageOperation.
type MessageFuncs[Msg Message] struct {
	Name          string
	DecodeMessage func(payload json.RawMessage, hdr RequestHeader) (Msg, error)
}

func (o *MessageFuncs[Msg]) Action() string { return o.Name }

func (o *MessageFuncs[Msg]) ParseMessage(payload json.RawMessage, hdr RequestHeader) (Message, error) {
	msg, err := o.DecodeMessage(payload, hdr)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Registry maps actions to their descriptors. It is filled at startup.
type Registry struct {
	mu       sync.RWMutex
	ops      map[string]Operation
	messages map[string]MessageOperation
	clock    domain.Clock
}

func NewRegistry() *Registry {
	return &Registry{
		ops:      make(map[string]Operation),
		messages: make(map[string]MessageOperation),
	}
}

// DefaultRegistry returns a new registry holding the built-in operations.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, op := range []Operation{
		ChangeAvailability,
		BootNotification,
		Heartbeat,
		DataTransfer,
		Reset,
	} {
		_ = r.Register(op)
	}
	_ = r.RegisterMessage(DataTransferSend)
	return r
}

func (r *Registry) Register(op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.Action()]; exists {
		return fmt.Errorf("operation %s already registered", op.Action())
	}
	r.ops[op.Action()] = op
	return nil
}

func (r *Registry) RegisterMessage(op MessageOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.messages[op.Action()]; exists {
		return fmt.Errorf("message %s already registered", op.Action())
	}
	r.messages[op.Action()] = op
	return nil
}

func (r *Registry) Lookup(action string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[action]
	return op, ok
}

func (r *Registry) LookupMessage(action string) (MessageOperation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.messages[action]
	return op, ok
}

// SetClock makes decoded requests and messages, and the responses built for
// them, use c for their timestamps.
func (r *Registry) SetClock(c domain.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
}

func (r *Registry) header(f *Frame) RequestHeader {
	hdr := HeaderFromFrame(f)
	r.mu.RLock()
	hdr.Clock = r.clock
	r.mu.RUnlock()
	return hdr
}

// Actions lists the registered request actions in sorted order.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ops))
	for a := range r.ops {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ParseRequestFrame decodes the request carried by a CALL frame.
func (r *Registry) ParseRequestFrame(f *Frame) (Operation, Request, error) {
	if f.Type != TypeCall {
		return nil, nil, frameErr(f.RequestID, "%s is not a request", f.Type)
	}
	op, ok := r.Lookup(f.Action)
	if !ok {
		return nil, nil, &FrameError{
			Code:      domain.ErrorNotImplemented,
			RequestID: f.RequestID,
			Message:   fmt.Sprintf("unknown action %q", f.Action),
		}
	}
	req, err := op.ParseRequest(f.Payload, r.header(f))
	if err != nil {
		return op, nil, err
	}
	return op, req, nil
}

// ParseMessageFrame decodes the message carried by a SEND frame.
func (r *Registry) ParseMessageFrame(f *Frame) (Message, error) {
	if f.Type != TypeSend {
		return nil, frameErr(f.RequestID, "%s is not a message", f.Type)
	}
	op, ok := r.LookupMessage(f.Action)
	if !ok {
		return nil, &FrameError{
			Code:      domain.ErrorNotImplemented,
			RequestID: f.RequestID,
			Message:   fmt.Sprintf("unknown message %q", f.Action),
		}
	}
	return op.ParseMessage(f.Payload, r.header(f))
}

// GenericResponse is used when a typed response cannot be built.
type GenericResponse struct {
	domain.ResponseEnvelope
}

func NewGenericResponse(req Request, result domain.Result) *GenericResponse {
	var env *domain.RequestEnvelope
	if req != nil {
		env = req.Envelope()
	}
	return &GenericResponse{ResponseEnvelope: domain.NewResponseEnvelope(env, result)}
}

func (r *GenericResponse) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(responseExtensions(&r.ResponseEnvelope))
}

func (r *GenericResponse) String() string {
	return r.ResponseEnvelope.String()
}
