// Package forwarding decides what happens to requests that pass through a
// node on their way to another destination.
package forwarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/metrics"
	"github.com/ocppnet/overlay/internal/ocpp"
)

// ErrLoop is the rejection reason for a request that already visited this node.
var ErrLoop = errors.New("routing loop")

// Pipeline runs parse, observe, filter and decide for every request in
// transit. Each node owns one pipeline and its subscribers.
type Pipeline struct {
	Events

	self     domain.NetworkingNodeID
	registry *ocpp.Registry
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	defaultDecision atomic.Value // Kind
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithDefaultDecision sets what happens when no filter has an opinion.
func WithDefaultDecision(k Kind) Option {
	return func(p *Pipeline) { p.defaultDecision.Store(k) }
}

// New creates the pipeline of node self. The loop filter is always first.
func New(self domain.NetworkingNodeID, registry *ocpp.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		self:     self,
		registry: registry,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	p.defaultDecision.Store(Forward)
	for _, opt := range opts {
		opt(p)
	}
	p.OnRequestFilter(loopFilter{self: self})
	return p
}

// DefaultDecision returns the decision used when every filter abstains.
func (p *Pipeline) DefaultDecision() Kind {
	return p.defaultDecision.Load().(Kind)
}

// SetDefaultDecision changes the default at runtime. Only FORWARD and
// REJECT are valid defaults.
func (p *Pipeline) SetDefaultDecision(k Kind) error {
	if k != Forward && k != Reject {
		return fmt.Errorf("invalid default forwarding decision %q", k)
	}
	if old := p.DefaultDecision(); old != k {
		p.defaultDecision.Store(k)
		p.logger.Info("default forwarding decision changed",
			slog.String("from", string(old)),
			slog.String("to", string(k)))
	}
	return nil
}

// Forward decides the fate of a CALL frame received on conn that is not
// addressed to this node. The only error is context cancellation.
func (p *Pipeline) Forward(ctx context.Context, conn ports.ConnectionInfo, frame *ocpp.Frame) (*Decision, error) {
	d := &Decision{
		Connection: conn,
		ReceivedAt: p.clock.Now(),
		Frame:      frame,
	}

	// 1. parse
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op, req, err := p.registry.ParseRequestFrame(frame)
	d.Operation = op
	if err != nil {
		p.rejectUnparsed(d, err)
		return p.finish(ctx, d)
	}
	d.Request = req

	in := &ports.FilterInput{
		Timestamp:  d.ReceivedAt,
		Connection: conn,
		Frame:      frame,
		Operation:  op,
		Request:    req,
	}

	// 2. received observers
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.notifyReceived(ctx, in)

	// 3. filters
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.runFilters(ctx, in, d)

	// 4. default decision
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Kind == "" {
		d.Kind = p.DefaultDecision()
	}
	if d.Kind == Reject {
		p.completeReject(d)
	}

	// 5. serialize the replacement
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Kind == Replace {
		if err := p.serializeReplacement(d); err != nil {
			p.logger.Error("replacement request not serializable",
				slog.String("request_id", frame.RequestID.String()),
				slog.String("filter", d.Filter),
				slog.String("error", err.Error()))
			d.Kind = Reject
			d.NewRequest, d.NewFrame, d.NewBytes = nil, nil, nil
			d.RejectResponse = op.ResponseFromResult(req, domain.FromException(err))
			p.completeReject(d)
		}
	}

	return p.finish(ctx, d)
}

// finish runs steps 6 and 7.
func (p *Pipeline) finish(ctx context.Context, d *Decision) (*Decision, error) {
	// 6. filtered observers
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.notifyFiltered(ctx, d)

	// 7. sent logger
	if d.Kind == Forward || d.Kind == Replace {
		d.SentMessageLogger = func(ctx context.Context, result domain.SentMessageResult) {
			p.notifySent(ctx, d, result)
		}
	}

	p.metrics.RecordDecision(d.Action(), string(d.Kind))
	p.logger.Debug("forwarding decision",
		slog.String("request_id", d.RequestID().String()),
		slog.String("action", d.Action()),
		slog.String("decision", string(d.Kind)),
		slog.String("filter", d.Filter))
	return d, nil
}

// rejectUnparsed answers a frame that did not parse with a CALLERROR.
func (p *Pipeline) rejectUnparsed(d *Decision, err error) {
	code := domain.ErrorFormationViolation
	var fe *ocpp.FrameError
	if errors.As(err, &fe) {
		code = fe.Code
	}
	d.Kind = Reject
	d.RejectMessage = err.Error()
	d.RejectFrame = ocpp.ErrorFrame(d.Frame.RequestID,
		domain.SourceRoutingTo(d.Frame.NetworkPath.Source()), domain.NetworkPath{},
		code, err.Error(), nil)
	d.RejectFrame.Format = d.Frame.Format
	d.RejectFrame.Plain = d.Frame.Plain
}

// completeReject fills in the Filtered response when the filter gave none.
func (p *Pipeline) completeReject(d *Decision) {
	if d.RejectResponse == nil {
		result := domain.FilteredResult(d.RejectMessage)
		result.Details = d.RejectDetails
		d.RejectResponse = d.Operation.ResponseFromResult(d.Request, result)
	}
	if d.RejectMessage == "" {
		d.RejectMessage = d.RejectResponse.Envelope().Result().Description
	}
	f, err := ocpp.ReplyFrame(d.RejectResponse)
	if err != nil {
		// Typed responses built from a Result always marshal; fall back to
		// a bare CALLERROR to keep the reply well formed.
		f = ocpp.ErrorFrame(d.Frame.RequestID,
			domain.SourceRoutingTo(d.Frame.NetworkPath.Source()), domain.NetworkPath{},
			domain.ErrorFiltered, d.RejectMessage, d.RejectDetails)
	}
	f.Format = d.Frame.Format
	f.Plain = d.Frame.Plain
	d.RejectFrame = f
}

func (p *Pipeline) serializeReplacement(d *Decision) error {
	f, err := ocpp.RequestFrame(d.NewRequest)
	if err != nil {
		return err
	}
	if f.NetworkPath.IsEmpty() {
		f.NetworkPath = d.Frame.NetworkPath
	}
	if f.RequestID != d.Frame.RequestID {
		return fmt.Errorf("replacement changes request id %s to %s", d.Frame.RequestID, f.RequestID)
	}
	f.Format = d.Frame.Format
	raw, err := f.Marshal(f.Format)
	if err != nil {
		return err
	}
	d.NewFrame = f
	d.NewBytes = raw
	return nil
}

func (p *Pipeline) runFilters(ctx context.Context, in *ports.FilterInput, d *Decision) {
	var decided bool
	for _, f := range p.filters.snapshot() {
		res, err := p.callFilter(ctx, f, in)
		if err != nil {
			p.metrics.FilterError(f.Name())
			p.logger.Warn("filter failed",
				slog.String("filter", f.Name()),
				slog.String("request_id", in.Frame.RequestID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if res == nil || decided {
			continue
		}
		if p.apply(d, f.Name(), res) {
			decided = true
		}
	}
}

// apply copies a filter result into d. It reports false for results that
// cannot be used.
func (p *Pipeline) apply(d *Decision, name string, res *ports.FilterResult) bool {
	switch res.Action {
	case ports.FilterForward:
		d.Kind = Forward
	case ports.FilterReject:
		d.Kind = Reject
		d.RejectResponse = res.RejectResponse
		d.RejectMessage = res.Reason
		d.RejectDetails = res.Details
	case ports.FilterReplace:
		if res.Replacement == nil {
			p.logger.Warn("replace without replacement request ignored", slog.String("filter", name))
			return false
		}
		d.Kind = Replace
		d.NewRequest = res.Replacement
	default:
		p.logger.Warn("unknown filter action ignored",
			slog.String("filter", name),
			slog.String("action", string(res.Action)))
		return false
	}
	d.Filter = name
	return true
}

func (p *Pipeline) callFilter(ctx context.Context, f ports.Filter, in *ports.FilterInput) (res *ports.FilterResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.ObserverPanic()
			p.logger.Error("filter panicked",
				slog.String("filter", f.Name()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res, err = nil, fmt.Errorf("filter %s panicked: %v", f.Name(), r)
		}
	}()
	return f.Filter(ctx, in)
}

// notifyReceived runs every received observer concurrently and waits for all.
func (p *Pipeline) notifyReceived(ctx context.Context, in *ports.FilterInput) {
	fns := p.received.snapshot()
	var wg sync.WaitGroup
	for _, fn := range fns {
		wg.Add(1)
		go func(fn ReceivedFunc) {
			defer wg.Done()
			p.guard("request received", func() error { return fn(ctx, in) })
		}(fn)
	}
	wg.Wait()
}

func (p *Pipeline) notifyFiltered(ctx context.Context, d *Decision) {
	for _, fn := range p.filtered.snapshot() {
		p.guard("request filtered", func() error { return fn(ctx, d) })
	}
}

func (p *Pipeline) notifySent(ctx context.Context, d *Decision, result domain.SentMessageResult) {
	for _, fn := range p.sent.snapshot() {
		p.guard("request sent", func() error { return fn(ctx, d, result) })
	}
}

// guard keeps observer failures away from the pipeline and the other
// observers. The logger is the error sink.
func (p *Pipeline) guard(event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.ObserverPanic()
			p.logger.Error("observer panicked",
				slog.String("event", event),
				slog.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		p.logger.Warn("observer failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

// loopFilter rejects requests whose network path already contains this node.
type loopFilter struct {
	self domain.NetworkingNodeID
}

func (loopFilter) Name() string { return "loop-detection" }

func (f loopFilter) Filter(_ context.Context, in *ports.FilterInput) (*ports.FilterResult, error) {
	if !in.Frame.NetworkPath.Contains(f.self) {
		return nil, nil
	}
	return &ports.FilterResult{
		Action: ports.FilterReject,
		Reason: ErrLoop.Error(),
		Details: map[string]any{
			"networkPath": in.Frame.NetworkPath.String(),
		},
	}, nil
}
