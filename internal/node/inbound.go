package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/correlation"
	"github.com/ocppnet/overlay/internal/forwarding"
	"github.com/ocppnet/overlay/internal/ocpp"
)

// HandleInbound dispatches one frame read from conn.
func (n *Node) HandleInbound(ctx context.Context, conn ports.Connection, data []byte, format domain.SerializationFormat) {
	info := conn.Info()
	f, err := ocpp.ParseFrame(data, format)
	if err != nil {
		n.rejectMalformed(ctx, conn, err)
		return
	}
	n.metrics.FrameIn(f.Type.String())
	if f.Plain {
		n.adoptPlain(f, info)
	}

	switch f.Type {
	case ocpp.TypeCall:
		if n.retransmitted(ctx, conn, f) {
			return
		}
		if f.Destination.Last() == n.id {
			n.handleLocal(ctx, conn, f, data)
			return
		}
		n.forward(ctx, conn, f)
	case ocpp.TypeSend:
		if f.Destination.Last() == n.id {
			n.handleMessage(ctx, f)
			return
		}
		n.forwardMessage(ctx, conn, f)
	default:
		err := n.engine.Resolve(f, data, info.RemoteNodeID)
		if !errors.Is(err, correlation.ErrUnmatched) {
			return
		}
		if !f.Destination.IsZero() && f.Destination.Last() != n.id {
			n.routeReply(ctx, f)
			return
		}
		n.logger.Debug("unmatched reply dropped",
			slog.String("connection_id", info.ID),
			slog.String("frame", f.String()))
	}
}

// retransmitted answers a CALL that repeats an earlier one: a request still
// being served is dropped, an answered one gets the cached reply again.
func (n *Node) retransmitted(ctx context.Context, conn ports.Connection, f *ocpp.Frame) bool {
	verdict, cached := n.dedup.Check(f)
	if verdict == firstSeen {
		return false
	}
	n.metrics.Duplicate()
	attrs := []any{
		slog.String("request_id", f.RequestID.String()),
		slog.String("action", f.Action),
		slog.String("source", f.NetworkPath.Source().String()),
	}
	if verdict == inFlight {
		n.logger.Info("dropping retransmitted request", attrs...)
		return true
	}
	n.logger.Info("answering retransmitted request", attrs...)
	cached.Format = f.Format
	n.sendFrame(ctx, conn, cached)
	return true
}

// adoptPlain fills in the routing information a plain link leaves out.
func (n *Node) adoptPlain(f *ocpp.Frame, info ports.ConnectionInfo) {
	if f.Destination.IsZero() {
		f.Destination = domain.SourceRoutingTo(n.id)
	}
	if f.NetworkPath.IsEmpty() {
		f.NetworkPath = domain.NewNetworkPath(info.RemoteNodeID)
	}
}

// rejectMalformed answers a frame that did not parse when its request id
// could still be read.
func (n *Node) rejectMalformed(ctx context.Context, conn ports.Connection, err error) {
	var fe *ocpp.FrameError
	if !errors.As(err, &fe) || fe.RequestID.IsEmpty() {
		n.logger.Warn("dropping malformed frame",
			slog.String("connection_id", conn.Info().ID),
			slog.String("error", err.Error()))
		return
	}
	reply := ocpp.ErrorFrame(fe.RequestID, domain.SourceRoutingTo(conn.Info().RemoteNodeID),
		domain.NewNetworkPath(n.id), fe.Code, fe.Message, nil)
	n.sendFrame(ctx, conn, reply)
}

// replyError answers the CALL f with a CALLERROR on conn. The request is
// forgotten so a retransmission is tried again.
func (n *Node) replyError(ctx context.Context, conn ports.Connection, f *ocpp.Frame, code domain.OCPPErrorCode, description string, details map[string]any) {
	n.dedup.Forget(f)
	n.sendFrame(ctx, conn, n.errorFrame(f, code, description, details))
}

func (n *Node) errorFrame(f *ocpp.Frame, code domain.OCPPErrorCode, description string, details map[string]any) *ocpp.Frame {
	reply := ocpp.ErrorFrame(f.RequestID, domain.SourceRoutingTo(f.NetworkPath.Source()),
		domain.NewNetworkPath(n.id), code, description, details)
	reply.Format = f.Format
	return reply
}

// handleLocal serves a request addressed to this node.
func (n *Node) handleLocal(ctx context.Context, conn ports.Connection, f *ocpp.Frame, raw []byte) {
	op, req, err := n.registry.ParseRequestFrame(f)
	if err != nil {
		code := domain.ErrorFormationViolation
		var fe *ocpp.FrameError
		if errors.As(err, &fe) {
			code = fe.Code
		}
		reply := n.errorFrame(f, code, err.Error(), nil)
		n.dedup.Complete(f, reply)
		n.sendFrame(ctx, conn, reply)
		return
	}
	env := req.Envelope()
	n.publish(ctx, &domain.NodeEvent{
		Kind:            domain.EventReceived,
		ConnectionID:    conn.Info().ID,
		RequestID:       env.RequestID(),
		EventTrackingID: env.EventTrackingID(),
		Action:          env.Action(),
		Payload:         f.Payload,
	})

	var resp ocpp.Response
	if n.policy != nil {
		if ok, verr := n.policy.VerifyRequest(req, raw, f.Format); verr != nil || !ok {
			resp = op.ResponseFromResult(req, domain.SignatureErrorResult(verr))
		}
	}
	if resp == nil {
		resp = n.serve(ctx, op, req)
	}
	n.reply(ctx, conn, f, resp)
}

// serve runs the local handler. It always returns a response.
func (n *Node) serve(ctx context.Context, op ocpp.Operation, req ocpp.Request) (resp ocpp.Response) {
	action := req.Envelope().Action()
	h, ok := n.handler(action)
	if !ok {
		r := domain.Result{
			Code:        domain.ResultGenericError,
			Description: fmt.Sprintf("no handler for %s", action),
			ErrorCode:   domain.ErrorNotImplemented,
		}
		return op.ResponseFromResult(req, r)
	}

	defer func() {
		if p := recover(); p != nil {
			n.logger.Error("handler panicked",
				slog.String("action", action),
				slog.Any("panic", p))
			resp = op.ResponseFromResult(req, domain.FromException(fmt.Errorf("handler panicked: %v", p)))
		}
	}()

	resp, err := h(ctx, req)
	if err != nil {
		var re *domain.RequestError
		if errors.As(err, &re) {
			return op.ResponseFromResult(req, re.Result())
		}
		return op.ResponseFromResult(req, domain.FromException(err))
	}
	if resp == nil {
		return op.ResponseFromResult(req, domain.FromException(errors.New("handler returned no response")))
	}
	return resp
}

// reply sends resp back toward the sender of f on the link it arrived on.
func (n *Node) reply(ctx context.Context, conn ports.Connection, f *ocpp.Frame, resp ocpp.Response) {
	env := resp.Envelope()
	out, err := ocpp.ReplyFrame(resp)
	if err != nil {
		n.replyError(ctx, conn, f, domain.ErrorInternalError, err.Error(), nil)
		return
	}
	out.NetworkPath = domain.NewNetworkPath(n.id)
	if out.Destination.IsZero() {
		out.Destination = domain.SourceRoutingTo(f.NetworkPath.Source())
	}
	format := n.linkFormat(conn, f.Format)
	out.Plain = conn.Info().Plain

	raw, err := n.encodeSigned(out, format, func(serialized []byte) (bool, error) {
		if n.policy == nil || out.Type != ocpp.TypeCallResult {
			return false, nil
		}
		sigs, err := n.policy.SignResponse(resp, serialized, format)
		if err != nil || len(sigs) == 0 {
			return false, err
		}
		env.AddSignature(sigs...)
		out.Payload, err = resp.MarshalPayload()
		return true, err
	})
	if err != nil {
		n.logger.Error("failed to encode response",
			slog.String("request_id", f.RequestID.String()),
			slog.String("error", err.Error()))
		n.replyError(ctx, conn, f, domain.ErrorInternalError, err.Error(), nil)
		return
	}

	n.dedup.Complete(f, out)
	state := conn.Send(ctx, raw, format)
	n.metrics.FrameOut(out.Type.String(), string(state.Kind))
	result := env.Result()
	n.publish(ctx, &domain.NodeEvent{
		Kind:            domain.EventResponse,
		ConnectionID:    conn.Info().ID,
		RequestID:       f.RequestID,
		EventTrackingID: env.EventTrackingID(),
		Action:          f.Action,
		ResultCode:      result.Code,
		Detail:          state.String(),
	})
}

func (n *Node) handleMessage(ctx context.Context, f *ocpp.Frame) {
	msg, err := n.registry.ParseMessageFrame(f)
	if err != nil {
		n.logger.Warn("dropping message",
			slog.String("action", f.Action),
			slog.String("message_id", f.RequestID.String()),
			slog.String("error", err.Error()))
		return
	}
	h, ok := n.messageHandler(f.Action)
	if !ok {
		n.logger.Debug("no message handler", slog.String("action", f.Action))
		return
	}
	if err := h(ctx, msg); err != nil {
		n.logger.Warn("message handler failed",
			slog.String("action", f.Action),
			slog.String("error", err.Error()))
	}
}

// forward runs a request in transit through the pipeline and acts on the
// decision.
func (n *Node) forward(ctx context.Context, conn ports.Connection, f *ocpp.Frame) {
	d, err := n.pipeline.Forward(ctx, conn.Info(), f)
	if err != nil {
		n.logger.Info("forwarding abandoned",
			slog.String("request_id", f.RequestID.String()),
			slog.String("error", err.Error()))
		n.dedup.Forget(f)
		return
	}

	if d.Kind == forwarding.Reject {
		d.RejectFrame.NetworkPath = domain.NewNetworkPath(n.id)
		n.dedup.Complete(f, d.RejectFrame)
		n.sendFrame(ctx, conn, d.RejectFrame)
		return
	}

	out := d.OutgoingFrame(n.id)
	next, err := n.routes.Lookup(out.Destination)
	if err != nil {
		d.SentMessageLogger(ctx, domain.SentMessageResult{State: domain.NoConnection(err), Timestamp: n.clock.Now()})
		n.replyError(ctx, conn, f, domain.ErrorGenericError, err.Error(), nil)
		return
	}

	req := d.Request
	if d.Kind == forwarding.Replace {
		req = d.NewRequest
	}
	back := conn
	key, err := n.engine.Relay(req, func(reply *ocpp.Frame, _ []byte) {
		n.relayBack(back, f, reply)
	}, func() {
		n.dedup.Forget(f)
		n.publish(context.Background(), &domain.NodeEvent{
			Kind:            domain.EventTimeout,
			ConnectionID:    back.Info().ID,
			RequestID:       f.RequestID,
			EventTrackingID: req.Envelope().EventTrackingID(),
			Action:          f.Action,
			ResultCode:      domain.ResultTimeout,
		})
	}, correlation.From(f.NetworkPath.Source()), correlation.Via(next.Info().RemoteNodeID))
	if err != nil {
		n.replyError(ctx, conn, f, domain.ErrorGenericError, err.Error(), nil)
		return
	}

	out.Format = f.Format
	state := n.sendFrame(ctx, next, out)
	d.SentMessageLogger(ctx, domain.SentMessageResult{State: state, Timestamp: n.clock.Now()})
	if !state.OK() {
		n.engine.Cancel(key, state.Err)
		result := domain.FromSendRequestState(state)
		n.replyError(ctx, conn, f, domain.ErrorCodeFor(result), result.Description, nil)
	}
}

// relayBack sends the reply of a forwarded request to the previous hop. The
// hop may have reconnected since the request came in, so its current link is
// preferred over the one the request arrived on.
func (n *Node) relayBack(conn ports.Connection, request, reply *ocpp.Frame) {
	if cur, ok := n.routes.Connection(conn.Info().RemoteNodeID); ok {
		conn = cur
	}
	out := reply.Clone()
	out.NetworkPath = reply.NetworkPath.Append(n.id)
	if out.Destination.IsZero() {
		out.Destination = domain.SourceRoutingTo(request.NetworkPath.Source())
	}
	out.Format = request.Format
	n.dedup.Complete(request, out)
	n.sendFrame(context.Background(), conn, out)
}

// routeReply forwards a reply nobody here waits for toward its destination.
func (n *Node) routeReply(ctx context.Context, f *ocpp.Frame) {
	conn, err := n.routes.Lookup(f.Destination)
	if err != nil {
		n.logger.Warn("dropping reply without route",
			slog.String("frame", f.String()),
			slog.String("error", err.Error()))
		return
	}
	out := f.Clone()
	out.NetworkPath = f.NetworkPath.Append(n.id)
	n.sendFrame(ctx, conn, out)
}

// forwardMessage passes a SEND on without correlation.
func (n *Node) forwardMessage(ctx context.Context, conn ports.Connection, f *ocpp.Frame) {
	if f.NetworkPath.Contains(n.id) {
		n.logger.Warn("dropping looping message", slog.String("frame", f.String()))
		return
	}
	next, err := n.routes.Lookup(f.Destination)
	if err != nil {
		n.logger.Warn("dropping message without route",
			slog.String("frame", f.String()),
			slog.String("error", err.Error()))
		return
	}
	if next.Info().ID == conn.Info().ID {
		n.logger.Warn("dropping message routed back to its sender", slog.String("frame", f.String()))
		return
	}
	out := f.Clone()
	out.NetworkPath = f.NetworkPath.Append(n.id)
	n.sendFrame(ctx, next, out)
}
