package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/correlation"
	"github.com/ocppnet/overlay/internal/ocpp"
)

// SendRequest originates req and waits for its response. The response is
// never nil; failures are reported through its Result.
func (n *Node) SendRequest(ctx context.Context, req ocpp.Request) ocpp.Response {
	env := req.Envelope()
	op, ok := n.registry.Lookup(env.Action())
	if !ok {
		return ocpp.NewGenericResponse(req, domain.FromException(fmt.Errorf("unknown action %q", env.Action())))
	}

	conn, lookupErr := n.routes.Lookup(env.Destination())
	send := func(ctx context.Context, req ocpp.Request) domain.SendRequestState {
		if lookupErr != nil {
			return domain.NoConnection(lookupErr)
		}
		return n.sendRequest(ctx, conn, req)
	}
	var opts []correlation.ExchangeOption
	if conn != nil {
		opts = append(opts, correlation.Via(conn.Info().RemoteNodeID))
	}
	resp := n.engine.SendAndWait(ctx, req, op, send, opts...)

	result := resp.Envelope().Result()
	kind := domain.EventResponse
	if result.Code == domain.ResultTimeout {
		kind = domain.EventTimeout
	}
	n.publish(ctx, &domain.NodeEvent{
		Kind:            kind,
		RequestID:       env.RequestID(),
		EventTrackingID: env.EventTrackingID(),
		Action:          env.Action(),
		ResultCode:      result.Code,
		Detail:          result.Description,
	})
	return resp
}

// sendRequest writes a locally originated request on conn. Replies are only
// accepted from the neighbour behind conn.
func (n *Node) sendRequest(ctx context.Context, conn ports.Connection, req ocpp.Request) domain.SendRequestState {
	env := req.Envelope()
	f, err := ocpp.RequestFrame(req)
	if err != nil {
		return domain.SendFailure(err)
	}
	if f.NetworkPath.IsEmpty() {
		f.NetworkPath = domain.NewNetworkPath(n.id)
	}
	format := n.linkFormat(conn, env.SerializationFormat())
	f.Plain = conn.Info().Plain

	raw, err := n.encodeSigned(f, format, func(serialized []byte) (bool, error) {
		if n.policy == nil {
			return false, nil
		}
		sigs, err := n.policy.SignRequest(req, serialized, format)
		if err != nil || len(sigs) == 0 {
			return false, err
		}
		env.AddSignature(sigs...)
		f.Payload, err = req.MarshalPayload()
		return true, err
	})
	if err != nil {
		return domain.SendFailure(err)
	}

	state := conn.Send(ctx, raw, format)
	n.metrics.FrameOut(ocpp.TypeCall.String(), string(state.Kind))
	n.publish(ctx, &domain.NodeEvent{
		Kind:            domain.EventSent,
		ConnectionID:    conn.Info().ID,
		RequestID:       env.RequestID(),
		EventTrackingID: env.EventTrackingID(),
		Action:          env.Action(),
		Detail:          state.String(),
		Payload:         f.Payload,
	})
	return state
}

// SendMessage originates a fire-and-forget SEND.
func (n *Node) SendMessage(ctx context.Context, msg ocpp.Message) domain.SendRequestState {
	env := msg.Envelope()
	conn, err := n.routes.Lookup(env.Destination())
	if err != nil {
		return domain.NoConnection(err)
	}
	f, err := ocpp.MessageFrame(msg)
	if err != nil {
		return domain.SendFailure(err)
	}
	if f.NetworkPath.IsEmpty() {
		f.NetworkPath = domain.NewNetworkPath(n.id)
	}
	f.Plain = conn.Info().Plain
	format := n.linkFormat(conn, env.SerializationFormat())
	raw, err := f.Marshal(format)
	if err != nil {
		return domain.SendFailure(err)
	}
	state := conn.Send(ctx, raw, format)
	n.metrics.FrameOut(ocpp.TypeSend.String(), string(state.Kind))
	return state
}

// encodeSigned marshals f, lets sign attach signatures to the payload and
// marshals again when it did.
func (n *Node) encodeSigned(f *ocpp.Frame, format domain.SerializationFormat, sign func([]byte) (bool, error)) ([]byte, error) {
	raw, err := f.Marshal(format)
	if err != nil {
		return nil, err
	}
	signed, err := sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", f.RequestID, err)
	}
	if !signed {
		return raw, nil
	}
	return f.Marshal(format)
}

// linkFormat is the format forced by the link, else preferred, else the
// node default.
func (n *Node) linkFormat(conn ports.Connection, preferred domain.SerializationFormat) domain.SerializationFormat {
	if f := conn.Info().Format; f != "" {
		return f
	}
	if preferred != "" {
		return preferred
	}
	return n.format
}

// sendFrame writes f on conn in the link's format.
func (n *Node) sendFrame(ctx context.Context, conn ports.Connection, f *ocpp.Frame) domain.SendRequestState {
	f.Plain = conn.Info().Plain
	format := n.linkFormat(conn, f.Format)
	raw, err := f.Marshal(format)
	if err != nil {
		n.logger.Error("failed to marshal frame",
			slog.String("frame", f.String()),
			slog.String("error", err.Error()))
		return domain.SendFailure(err)
	}
	state := conn.Send(ctx, raw, format)
	n.metrics.FrameOut(f.Type.String(), string(state.Kind))
	if !state.OK() {
		n.logger.Warn("frame not sent",
			slog.String("connection_id", conn.Info().ID),
			slog.String("frame", f.String()),
			slog.String("state", state.String()))
	}
	return state
}
