package domain

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
	"time"
)

// SerializationFormat selects the wire encoding of a message.
type SerializationFormat string

const (
	FormatJSON   SerializationFormat = "json"
	FormatBinary SerializationFormat = "binary"
)

const (
	// DefaultSerializationFormat applies when neither the message nor the node picks one.
	DefaultSerializationFormat = FormatJSON
	// DefaultRequestTimeout is the node wide timeout of requests that do not
	// set their own.
	DefaultRequestTimeout = 30 * time.Second
)

// Clock reads the current time. clock.Clock from benbjohnson/clock satisfies
// it, so nodes stamp envelopes with the clock they run on.
type Clock interface {
	Now() time.Time
}

func ParseSerializationFormat(s string) (SerializationFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "binary", "cbor":
		return FormatBinary, nil
	default:
		return "", fmt.Errorf("unknown serialization format %q", s)
	}
}

// CustomData is the OCPP vendor extension bag.
type CustomData map[string]any

// VendorID returns the mandatory "vendorId" entry, if present.
func (c CustomData) VendorID() string {
	v, _ := c["vendorId"].(string)
	return v
}

// Equal treats nil and empty bags as equal and deep-compares everything else.
func (c CustomData) Equal(other CustomData) bool {
	if len(c) == 0 && len(other) == 0 {
		return true
	}
	return reflect.DeepEqual(map[string]any(c), map[string]any(other))
}

// RequestEnvelope carries identity, timing and routing of a request. It is
// embedded by value in every concrete request type. Identity fields are
// fixed at construction; the hash is computed once from them.
type RequestEnvelope struct {
	Signable

	destination      SourceRouting
	networkPath      NetworkPath
	action           string
	requestID        RequestID
	requestTimestamp time.Time
	requestTimeout   time.Duration
	eventTrackingID  EventTrackingID
	format           SerializationFormat
	customData       CustomData
	ctx              context.Context
	clock            Clock
	hash             uint64
}

// RequestOption customizes a RequestEnvelope (and a MessageEnvelope).
type RequestOption func(*RequestEnvelope)

func WithRequestID(id RequestID) RequestOption {
	return func(e *RequestEnvelope) { e.requestID = id }
}

func WithRequestTimestamp(t time.Time) RequestOption {
	return func(e *RequestEnvelope) { e.requestTimestamp = t }
}

func WithRequestTimeout(d time.Duration) RequestOption {
	return func(e *RequestEnvelope) { e.requestTimeout = d }
}

func WithEventTrackingID(id EventTrackingID) RequestOption {
	return func(e *RequestEnvelope) { e.eventTrackingID = id }
}

func WithNetworkPath(p NetworkPath) RequestOption {
	return func(e *RequestEnvelope) { e.networkPath = p }
}

func WithSerializationFormat(f SerializationFormat) RequestOption {
	return func(e *RequestEnvelope) { e.format = f }
}

func WithCustomData(c CustomData) RequestOption {
	return func(e *RequestEnvelope) { e.customData = c }
}

func WithSignKeys(keys ...SignInfo) RequestOption {
	return func(e *RequestEnvelope) { e.SignKeys = append(e.SignKeys, keys...) }
}

func WithSignatures(sigs ...Signature) RequestOption {
	return func(e *RequestEnvelope) { e.Signatures = append(e.Signatures, sigs...) }
}

// WithContext attaches the cancellation signal of the request.
func WithContext(ctx context.Context) RequestOption {
	return func(e *RequestEnvelope) { e.ctx = ctx }
}

// WithClock stamps the request, and the responses built for it, with c
// instead of the wall clock.
func WithClock(c Clock) RequestOption {
	return func(e *RequestEnvelope) { e.clock = c }
}

// NewRequestEnvelope builds a request envelope. Missing ids are generated and
// the timestamp defaults to now. A zero timeout is kept: the node that sends
// the request applies its own default.
func NewRequestEnvelope(dest SourceRouting, action string, opts ...RequestOption) RequestEnvelope {
	e := RequestEnvelope{
		destination: dest,
		action:      action,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.requestID.IsEmpty() {
		e.requestID = NewRandomRequestID()
	}
	if e.requestTimestamp.IsZero() {
		e.requestTimestamp = now(e.clock)
	}
	if e.requestTimeout < 0 {
		e.requestTimeout = 0
	}
	if e.eventTrackingID.IsEmpty() {
		e.eventTrackingID = NewRandomEventTrackingID()
	}
	if e.format == "" {
		e.format = DefaultSerializationFormat
	}
	e.hash = combineHash(
		hashString(e.destination.String())*3,
		hashString(e.networkPath.String())*5,
		hashString(e.action)*7,
		hashString(string(e.requestID))*11,
		uint64(e.requestTimestamp.UnixNano())*13,
		uint64(e.requestTimeout)*17,
		hashString(string(e.eventTrackingID))*19,
	)
	return e
}

// Envelope returns the receiver; concrete requests get it through embedding.
func (e *RequestEnvelope) Envelope() *RequestEnvelope { return e }

func (e *RequestEnvelope) Destination() SourceRouting               { return e.destination }
func (e *RequestEnvelope) NetworkPath() NetworkPath                 { return e.networkPath }
func (e *RequestEnvelope) Action() string                           { return e.action }
func (e *RequestEnvelope) RequestID() RequestID                     { return e.requestID }
func (e *RequestEnvelope) RequestTimestamp() time.Time              { return e.requestTimestamp }
func (e *RequestEnvelope) RequestTimeout() time.Duration            { return e.requestTimeout }
func (e *RequestEnvelope) EventTrackingID() EventTrackingID         { return e.eventTrackingID }
func (e *RequestEnvelope) SerializationFormat() SerializationFormat { return e.format }
func (e *RequestEnvelope) CustomData() CustomData                   { return e.customData }
func (e *RequestEnvelope) Hash() uint64                             { return e.hash }

// Context returns the cancellation signal, never nil.
func (e *RequestEnvelope) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// Equal compares identity fields and custom data. Signatures are ignored.
func (e *RequestEnvelope) Equal(other *RequestEnvelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.hash == other.hash &&
		e.destination.Equal(other.destination) &&
		e.networkPath.Equal(other.networkPath) &&
		e.action == other.action &&
		e.requestID == other.requestID &&
		e.requestTimestamp.Equal(other.requestTimestamp) &&
		e.requestTimeout == other.requestTimeout &&
		e.eventTrackingID == other.eventTrackingID &&
		e.format == other.format &&
		e.customData.Equal(other.customData)
}

func (e *RequestEnvelope) String() string {
	return fmt.Sprintf("%s request %s => %s", e.action, e.requestID, e.destination.Last())
}

// ResponseEnvelope is embedded by every concrete response. It references
// the request it answers and carries the Result of the exchange.
type ResponseEnvelope struct {
	Signable

	request           *RequestEnvelope
	result            Result
	responseTimestamp time.Time
	clockSkew         time.Duration
	destination       SourceRouting
	networkPath       NetworkPath
	eventTrackingID   EventTrackingID
	format            SerializationFormat
	customData        CustomData
	clock             Clock
	hash              uint64
}

type ResponseOption func(*ResponseEnvelope)

// WithResponseClock stamps the response with c instead of the wall clock.
func WithResponseClock(c Clock) ResponseOption {
	return func(r *ResponseEnvelope) { r.clock = c }
}

func WithResponseTimestamp(t time.Time) ResponseOption {
	return func(r *ResponseEnvelope) { r.responseTimestamp = t }
}

func WithResponseDestination(dest SourceRouting) ResponseOption {
	return func(r *ResponseEnvelope) { r.destination = dest }
}

func WithResponseNetworkPath(p NetworkPath) ResponseOption {
	return func(r *ResponseEnvelope) { r.networkPath = p }
}

func WithResponseEventTrackingID(id EventTrackingID) ResponseOption {
	return func(r *ResponseEnvelope) { r.eventTrackingID = id }
}

func WithResponseFormat(f SerializationFormat) ResponseOption {
	return func(r *ResponseEnvelope) { r.format = f }
}

func WithResponseCustomData(c CustomData) ResponseOption {
	return func(r *ResponseEnvelope) { r.customData = c }
}

func WithResponseSignatures(sigs ...Signature) ResponseOption {
	return func(r *ResponseEnvelope) { r.Signatures = append(r.Signatures, sigs...) }
}

func WithResponseSignKeys(keys ...SignInfo) ResponseOption {
	return func(r *ResponseEnvelope) { r.SignKeys = append(r.SignKeys, keys...) }
}

// NewResponseEnvelope builds the envelope of a response to req. A response
// timestamp earlier than the request timestamp is clamped to the request
// timestamp and the difference is kept as ClockSkew, so Runtime is never
// negative.
func NewResponseEnvelope(req *RequestEnvelope, result Result, opts ...ResponseOption) ResponseEnvelope {
	r := ResponseEnvelope{
		request: req,
		result:  result,
	}
	for _, opt := range opts {
		opt(&r)
	}
	if r.clock == nil && req != nil {
		r.clock = req.clock
	}
	if r.responseTimestamp.IsZero() {
		r.responseTimestamp = now(r.clock)
	}
	if req != nil {
		if r.responseTimestamp.Before(req.requestTimestamp) {
			r.clockSkew = req.requestTimestamp.Sub(r.responseTimestamp)
			r.responseTimestamp = req.requestTimestamp
		}
		if r.destination.IsZero() && !req.networkPath.IsEmpty() {
			r.destination = SourceRoutingTo(req.networkPath.Source())
		}
		if r.eventTrackingID.IsEmpty() {
			r.eventTrackingID = req.eventTrackingID
		}
		if r.format == "" {
			r.format = req.format
		}
	}
	if r.format == "" {
		r.format = DefaultSerializationFormat
	}
	var reqHash uint64
	if req != nil {
		reqHash = req.hash
	}
	r.hash = combineHash(
		reqHash*3,
		hashString(r.destination.String())*5,
		hashString(r.networkPath.String())*7,
		hashString(string(r.result.Code))*11,
		uint64(r.responseTimestamp.UnixNano())*13,
		hashString(string(r.eventTrackingID))*19,
	)
	return r
}

func (r *ResponseEnvelope) Envelope() *ResponseEnvelope { return r }

func (r *ResponseEnvelope) Request() *RequestEnvelope                { return r.request }
func (r *ResponseEnvelope) Result() Result                           { return r.result }
func (r *ResponseEnvelope) ResponseTimestamp() time.Time             { return r.responseTimestamp }
func (r *ResponseEnvelope) ClockSkew() time.Duration                 { return r.clockSkew }
func (r *ResponseEnvelope) Destination() SourceRouting               { return r.destination }
func (r *ResponseEnvelope) NetworkPath() NetworkPath                 { return r.networkPath }
func (r *ResponseEnvelope) EventTrackingID() EventTrackingID         { return r.eventTrackingID }
func (r *ResponseEnvelope) SerializationFormat() SerializationFormat { return r.format }
func (r *ResponseEnvelope) CustomData() CustomData                   { return r.customData }
func (r *ResponseEnvelope) Hash() uint64                             { return r.hash }

// RequestID is the id of the answered request.
func (r *ResponseEnvelope) RequestID() RequestID {
	if r.request == nil {
		return ""
	}
	return r.request.requestID
}

func (r *ResponseEnvelope) Action() string {
	if r.request == nil {
		return ""
	}
	return r.request.action
}

// Runtime is ResponseTimestamp - RequestTimestamp, never negative.
func (r *ResponseEnvelope) Runtime() time.Duration {
	if r.request == nil {
		return 0
	}
	return r.responseTimestamp.Sub(r.request.requestTimestamp)
}

// Equal compares the referenced request, result, identity fields and custom
// data. Signatures are ignored.
func (r *ResponseEnvelope) Equal(other *ResponseEnvelope) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.hash == other.hash &&
		r.request.Equal(other.request) &&
		r.result.Code == other.result.Code &&
		r.responseTimestamp.Equal(other.responseTimestamp) &&
		r.destination.Equal(other.destination) &&
		r.networkPath.Equal(other.networkPath) &&
		r.eventTrackingID == other.eventTrackingID &&
		r.format == other.format &&
		r.customData.Equal(other.customData)
}

// Describe renders the response for logs together with its domain status.
func (r *ResponseEnvelope) Describe(status string) string {
	if r.result.IsOK() {
		return fmt.Sprintf("%s response %s => %s: %s", r.Action(), r.RequestID(), r.destination.Last(), status)
	}
	return fmt.Sprintf("%s response %s => %s: %s (%s)", r.Action(), r.RequestID(), r.destination.Last(), status, r.result)
}

func (r *ResponseEnvelope) String() string {
	return r.Describe(string(r.result.Code))
}

// MessageEnvelope is the envelope of a fire-and-forget message that never
// gets a response.
type MessageEnvelope struct {
	Signable

	destination     SourceRouting
	networkPath     NetworkPath
	action          string
	messageID       RequestID
	timestamp       time.Time
	eventTrackingID EventTrackingID
	format          SerializationFormat
	customData      CustomData
	ctx             context.Context
	hash            uint64
}

// NewMessageEnvelope accepts the request options; the timeout is ignored.
func NewMessageEnvelope(dest SourceRouting, action string, opts ...RequestOption) MessageEnvelope {
	req := NewRequestEnvelope(dest, action, opts...)
	m := MessageEnvelope{
		Signable:        req.Signable,
		destination:     req.destination,
		networkPath:     req.networkPath,
		action:          req.action,
		messageID:       req.requestID,
		timestamp:       req.requestTimestamp,
		eventTrackingID: req.eventTrackingID,
		format:          req.format,
		customData:      req.customData,
		ctx:             req.ctx,
	}
	m.hash = combineHash(
		hashString(m.destination.String())*3,
		hashString(m.networkPath.String())*5,
		hashString(m.action)*7,
		hashString(string(m.messageID))*11,
		uint64(m.timestamp.UnixNano())*13,
		hashString(string(m.eventTrackingID))*19,
	)
	return m
}

func (m *MessageEnvelope) Envelope() *MessageEnvelope { return m }

func (m *MessageEnvelope) Destination() SourceRouting               { return m.destination }
func (m *MessageEnvelope) NetworkPath() NetworkPath                 { return m.networkPath }
func (m *MessageEnvelope) Action() string                           { return m.action }
func (m *MessageEnvelope) MessageID() RequestID                     { return m.messageID }
func (m *MessageEnvelope) Timestamp() time.Time                     { return m.timestamp }
func (m *MessageEnvelope) EventTrackingID() EventTrackingID         { return m.eventTrackingID }
func (m *MessageEnvelope) SerializationFormat() SerializationFormat { return m.format }
func (m *MessageEnvelope) CustomData() CustomData                   { return m.customData }
func (m *MessageEnvelope) Hash() uint64                             { return m.hash }

func (m *MessageEnvelope) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *MessageEnvelope) Equal(other *MessageEnvelope) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.hash == other.hash &&
		m.destination.Equal(other.destination) &&
		m.networkPath.Equal(other.networkPath) &&
		m.action == other.action &&
		m.messageID == other.messageID &&
		m.timestamp.Equal(other.timestamp) &&
		m.eventTrackingID == other.eventTrackingID &&
		m.format == other.format &&
		m.customData.Equal(other.customData)
}

func (m *MessageEnvelope) String() string {
	return fmt.Sprintf("%s message %s => %s", m.action, m.messageID, m.destination.Last())
}

func now(c Clock) time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// combineHash mixes per-field hashes; callers pre-multiply each field by its
// own prime so that swapping equal values between fields changes the result.
func combineHash(parts ...uint64) uint64 {
	var h uint64 = 1469598103934665603
	for _, p := range parts {
		h ^= p
		h *= 1099511628211
	}
	return h
}
