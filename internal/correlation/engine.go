// Package correlation matches responses to the requests waiting for them.
// Every pending entry is resolved exactly once: by its response, by a
// timeout, by cancellation or by a failed send.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/metrics"
	"github.com/ocppnet/overlay/internal/ocpp"
)

var (
	// ErrDuplicateRequestID is returned when the originator already has a
	// request with the same id pending.
	ErrDuplicateRequestID = errors.New("request id already pending")
	// ErrEngineClosed is returned once Close was called.
	ErrEngineClosed = errors.New("correlation engine closed")
	// ErrUnmatched is returned by Resolve when nothing waits for the reply.
	ErrUnmatched = errors.New("no pending request")
	// ErrWrongPeer is returned by Resolve when the reply was read from a
	// neighbour other than the one the request was sent to.
	ErrWrongPeer = errors.New("reply from unexpected peer")
)

// Key identifies a pending exchange. Request ids are unique per originating
// node only, so two stations behind the same controller may both use "1".
type Key struct {
	Origin    domain.NetworkingNodeID
	RequestID domain.RequestID
}

func (k Key) String() string {
	return k.Origin.String() + "/" + k.RequestID.String()
}

// ReplyKey is the key a reply frame resolves: replies travel back to the
// originator, so it is their final destination.
func ReplyKey(f *ocpp.Frame) Key {
	return Key{Origin: f.Destination.Last(), RequestID: f.RequestID}
}

// SendFunc writes a registered request to the wire.
type SendFunc func(ctx context.Context, req ocpp.Request) domain.SendRequestState

// RelayFunc receives the reply frame of a forwarded request.
type RelayFunc func(frame *ocpp.Frame, raw []byte)

// ExchangeOption describes where the request of an exchange comes from and
// where it goes.
type ExchangeOption func(*entry)

// From sets the node that originated the request. It defaults to the source
// of the request's network path, or the engine's node id for an unrouted
// request.
func From(origin domain.NetworkingNodeID) ExchangeOption {
	return func(en *entry) { en.key.Origin = origin }
}

// Via pins the exchange to the neighbour the request is sent to. Replies read
// from any other neighbour are refused. Without it replies are accepted from
// anywhere.
func Via(peer domain.NetworkingNodeID) ExchangeOption {
	return func(en *entry) { en.peer = peer }
}

// PendingInfo describes one entry for the admin API.
type PendingInfo struct {
	Origin      domain.NetworkingNodeID `json:"origin"`
	RequestID   domain.RequestID        `json:"requestId"`
	Action      string                  `json:"action"`
	Destination domain.SourceRouting    `json:"destination"`
	Peer        domain.NetworkingNodeID `json:"peer,omitempty"`
	Relay       bool                    `json:"relay"`
	StartedAt   time.Time               `json:"startedAt"`
	Deadline    time.Time               `json:"deadline"`
}

type outcome struct {
	frame  *ocpp.Frame
	raw    []byte
	result domain.Result
}

type entry struct {
	key         Key
	peer        domain.NetworkingNodeID
	action      string
	destination domain.SourceRouting
	started     time.Time
	deadline    time.Time

	// done is buffered so the resolver never blocks.
	done chan outcome

	relay     RelayFunc
	onTimeout func()
	timer     *clock.Timer
}

// Engine tracks requests awaiting a response.
type Engine struct {
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	policy         ports.SignaturePolicy
	defaultTimeout time.Duration
	self           domain.NetworkingNodeID

	mu      sync.Mutex
	pending map[Key]*entry
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithSignaturePolicy makes the engine verify every response it parses.
func WithSignaturePolicy(p ports.SignaturePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithDefaultTimeout applies to requests that carry no timeout of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithNodeID names the node the engine runs on. It is the origin of requests
// that have no network path yet.
func WithNodeID(id domain.NetworkingNodeID) Option {
	return func(e *Engine) { e.self = id }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		clock:          clock.New(),
		logger:         slog.Default(),
		defaultTimeout: domain.DefaultRequestTimeout,
		pending:        make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/ocppnet/overlay/internal/correlation")
	}
	return e
}

func (e *Engine) timeoutFor(req ocpp.Request) time.Duration {
	if d := req.Envelope().RequestTimeout(); d > 0 {
		return d
	}
	return e.defaultTimeout
}

func (e *Engine) newEntry(req ocpp.Request, timeout time.Duration, opts []ExchangeOption) *entry {
	env := req.Envelope()
	now := e.clock.Now()
	en := &entry{
		key:         Key{Origin: env.NetworkPath().Source(), RequestID: env.RequestID()},
		action:      env.Action(),
		destination: env.Destination(),
		started:     now,
		deadline:    now.Add(timeout),
	}
	if en.key.Origin.IsEmpty() {
		en.key.Origin = e.self
	}
	for _, opt := range opts {
		opt(en)
	}
	return en
}

// register inserts the entry unless its key is taken.
func (e *Engine) register(en *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, exists := e.pending[en.key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, en.key.RequestID)
	}
	e.pending[en.key] = en
	e.metrics.PendingInc()
	if en.relay != nil {
		e.metrics.RelayStarted()
	}
	return nil
}

// take removes the entry for k. Only the caller that gets ok == true may
// resolve it.
func (e *Engine) take(k Key, want *entry) (*entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.pending[k]
	if !ok || (want != nil && en != want) {
		return nil, false
	}
	e.remove(en)
	return en, true
}

// remove drops en from the table. e.mu must be held.
func (e *Engine) remove(en *entry) {
	delete(e.pending, en.key)
	e.metrics.PendingDec()
	if en.relay != nil {
		e.metrics.RelayFinished()
	}
	if en.timer != nil {
		en.timer.Stop()
	}
}

// takeReply removes the entry a reply read from peer resolves. A reply read
// from a plain link carries no routing, so its destination was filled in
// with this node; it then matches the single entry with its id sent to peer.
func (e *Engine) takeReply(f *ocpp.Frame, peer domain.NetworkingNodeID) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.pending[ReplyKey(f)]
	if !ok && f.Plain {
		en, ok = e.plainMatch(f.RequestID, peer)
	}
	if !ok {
		return nil, ErrUnmatched
	}
	if !en.peer.IsEmpty() && !peer.IsEmpty() && en.peer != peer {
		return nil, fmt.Errorf("%w: %s sent to %s, reply from %s", ErrWrongPeer, en.key, en.peer, peer)
	}
	e.remove(en)
	return en, nil
}

func (e *Engine) plainMatch(id domain.RequestID, peer domain.NetworkingNodeID) (*entry, bool) {
	var found *entry
	for k, en := range e.pending {
		if k.RequestID != id || en.peer != peer {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = en
	}
	return found, found != nil
}

// SendAndWait registers req, hands it to send and blocks until the exchange
// is resolved. The returned Response is never nil; failures are carried in
// its Result with the domain fields left at their defaults.
func (e *Engine) SendAndWait(ctx context.Context, req ocpp.Request, op ocpp.Operation, send SendFunc, opts ...ExchangeOption) ocpp.Response {
	env := req.Envelope()
	ctx, span := e.tracer.Start(ctx, "ocpp.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ocpp.action", env.Action()),
			attribute.String("ocpp.request_id", env.RequestID().String()),
			attribute.String("ocpp.destination", env.Destination().String()),
		))
	defer span.End()

	timeout := e.timeoutFor(req)
	en := e.newEntry(req, timeout, opts)
	en.done = make(chan outcome, 1)
	if err := e.register(en); err != nil {
		e.logger.Warn("request not registered",
			slog.String("request_id", en.key.RequestID.String()),
			slog.String("error", err.Error()))
		return e.finish(span, req, op, en, domain.FromException(err))
	}
	timer := e.clock.Timer(timeout)
	defer timer.Stop()

	if state := send(ctx, req); !state.OK() {
		if _, ok := e.take(en.key, en); ok {
			return e.finish(span, req, op, en, domain.FromSendRequestState(state))
		}
		// A reply raced the failed send report; it wins.
		return e.complete(span, req, op, en, <-en.done)
	}

	reqDone := env.Context().Done()
	select {
	case out := <-en.done:
		return e.complete(span, req, op, en, out)
	case <-timer.C:
		return e.abandon(span, req, op, en, domain.TimeoutResult(timeout))
	case <-ctx.Done():
		return e.abandon(span, req, op, en, domain.CancelledResult(ctx.Err()))
	case <-reqDone:
		return e.abandon(span, req, op, en, domain.CancelledResult(env.Context().Err()))
	}
}

// abandon resolves the entry locally unless a resolver took it first.
func (e *Engine) abandon(span trace.Span, req ocpp.Request, op ocpp.Operation, en *entry, result domain.Result) ocpp.Response {
	if _, ok := e.take(en.key, en); ok {
		if result.Code == domain.ResultTimeout {
			e.logger.Info("request timed out",
				slog.String("request_id", en.key.RequestID.String()),
				slog.String("action", en.action))
		}
		return e.finish(span, req, op, en, result)
	}
	return e.complete(span, req, op, en, <-en.done)
}

// complete turns a delivered outcome into the caller's response.
func (e *Engine) complete(span trace.Span, req ocpp.Request, op ocpp.Operation, en *entry, out outcome) ocpp.Response {
	if out.frame == nil {
		return e.finish(span, req, op, en, out.result)
	}
	if out.frame.Type != ocpp.TypeCallResult {
		return e.finish(span, req, op, en, out.frame.ErrorResult())
	}
	hdr := ocpp.ResponseHeaderFromFrame(out.frame)
	hdr.Timestamp = e.clock.Now()
	resp, err := op.ParseResponse(out.frame.Payload, req, hdr)
	if err != nil {
		e.logger.Warn("response payload rejected",
			slog.String("request_id", en.key.RequestID.String()),
			slog.String("error", err.Error()))
		return e.finish(span, req, op, en, domain.FormationViolation(err.Error()))
	}
	if e.policy != nil {
		ok, verr := e.policy.VerifyResponse(resp, out.raw, out.frame.Format)
		if verr != nil || !ok {
			return e.finish(span, req, op, en, domain.SignatureErrorResult(verr))
		}
	}
	e.record(span, en, domain.OKResult())
	return resp
}

func (e *Engine) finish(span trace.Span, req ocpp.Request, op ocpp.Operation, en *entry, result domain.Result) ocpp.Response {
	e.record(span, en, result)
	if op == nil {
		return ocpp.NewGenericResponse(req, result)
	}
	return op.ResponseFromResult(req, result)
}

func (e *Engine) record(span trace.Span, en *entry, result domain.Result) {
	e.metrics.RecordResolved(en.action, string(result.Code), e.clock.Since(en.started))
	span.SetAttributes(attribute.String("ocpp.result", string(result.Code)))
	if !result.IsOK() {
		span.SetStatus(codes.Error, result.String())
	}
}

// Relay registers a request forwarded on behalf of another node. fn runs
// once with its reply; onTimeout runs instead when no reply arrives in time.
// It returns the key the entry was registered under.
func (e *Engine) Relay(req ocpp.Request, fn RelayFunc, onTimeout func(), opts ...ExchangeOption) (Key, error) {
	timeout := e.timeoutFor(req)
	en := e.newEntry(req, timeout, opts)
	en.relay = fn
	en.onTimeout = onTimeout
	if err := e.register(en); err != nil {
		return en.key, err
	}
	e.mu.Lock()
	en.timer = e.clock.AfterFunc(timeout, func() {
		if _, ok := e.take(en.key, en); !ok {
			return
		}
		e.metrics.RecordResolved(en.action, string(domain.ResultTimeout), timeout)
		e.logger.Info("relayed request timed out",
			slog.String("origin", en.key.Origin.String()),
			slog.String("request_id", en.key.RequestID.String()),
			slog.String("action", en.action))
		if en.onTimeout != nil {
			en.onTimeout()
		}
	})
	e.mu.Unlock()
	return en.key, nil
}

// Resolve delivers a reply frame read from the neighbour peer to the entry
// it answers. The frame is dropped with ErrUnmatched when nothing waits for
// it, e.g. a late response, and with ErrWrongPeer when the request went to
// another neighbour.
func (e *Engine) Resolve(frame *ocpp.Frame, raw []byte, peer domain.NetworkingNodeID) error {
	if !frame.Type.IsReply() {
		return ErrUnmatched
	}
	en, err := e.takeReply(frame, peer)
	if errors.Is(err, ErrWrongPeer) {
		e.logger.Warn("refusing reply from unexpected peer",
			slog.String("request_id", frame.RequestID.String()),
			slog.String("peer", peer.String()),
			slog.String("error", err.Error()))
		return err
	}
	if err != nil {
		e.metrics.LateResponse()
		e.logger.Debug("dropping unmatched response",
			slog.String("request_id", frame.RequestID.String()),
			slog.String("type", frame.Type.String()))
		return err
	}
	e.deliver(en, frame, raw)
	return nil
}

func (e *Engine) deliver(en *entry, frame *ocpp.Frame, raw []byte) {
	if en.relay != nil {
		result := domain.OKResult()
		if frame.Type != ocpp.TypeCallResult {
			result = frame.ErrorResult()
		}
		e.metrics.RecordResolved(en.action, string(result.Code), e.clock.Since(en.started))
		en.relay(frame, raw)
		return
	}
	en.done <- outcome{frame: frame, raw: raw}
}

// ResolveError resolves k with a locally built CALLERROR.
func (e *Engine) ResolveError(k Key, code domain.OCPPErrorCode, description string, details map[string]any) bool {
	en, ok := e.take(k, nil)
	if !ok {
		return false
	}
	f := ocpp.ErrorFrame(k.RequestID, domain.SourceRoutingTo(k.Origin), domain.NetworkPath{}, code, description, details)
	e.deliver(en, f, nil)
	return true
}

// Cancel resolves k as Cancelled. Relay entries are dropped silently.
func (e *Engine) Cancel(k Key, cause error) bool {
	en, ok := e.take(k, nil)
	if !ok {
		return false
	}
	if en.relay == nil {
		en.done <- outcome{result: domain.CancelledResult(cause)}
	}
	return true
}

// Pending lists the outstanding entries ordered by start time.
func (e *Engine) Pending() []PendingInfo {
	e.mu.Lock()
	out := make([]PendingInfo, 0, len(e.pending))
	for _, en := range e.pending {
		out = append(out, PendingInfo{
			Origin:      en.key.Origin,
			RequestID:   en.key.RequestID,
			Action:      en.action,
			Destination: en.destination,
			Peer:        en.peer,
			Relay:       en.relay != nil,
			StartedAt:   en.started,
			Deadline:    en.deadline,
		})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close cancels every pending entry and refuses new ones.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	keys := make([]Key, 0, len(e.pending))
	for k := range e.pending {
		keys = append(keys, k)
	}
	e.mu.Unlock()
	for _, k := range keys {
		e.Cancel(k, ErrEngineClosed)
	}
}
