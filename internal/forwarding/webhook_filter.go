package forwarding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/ocpp"
	"github.com/ocppnet/overlay/internal/pkg/safehttp"
)

// WebhookFilter asks an external HTTP service for the forwarding decision.
type WebhookFilter struct {
	name    string
	url     string
	timeout time.Duration
	onError ports.FilterAction // forward, reject, or empty to abstain
	retries int
	headers map[string]string
	actions map[string]bool
	client  *http.Client
	logger  *slog.Logger
}

// WebhookFilterConfig configures a webhook filter.
type WebhookFilterConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
	OnError ports.FilterAction // default: reject
	Retries int
	Headers map[string]string
	// Actions limits the filter to these OCPP actions. Empty means all.
	Actions []string
	// BlockPrivate refuses webhook endpoints on loopback or private
	// addresses. Ignored when Client is set.
	BlockPrivate bool
	Client       *http.Client
	Logger       *slog.Logger
}

// WebhookRequest is the body posted to the webhook.
type WebhookRequest struct {
	Filter       string          `json:"filter"`
	Timestamp    time.Time       `json:"timestamp"`
	ConnectionID string          `json:"connectionId"`
	FromNode     string          `json:"fromNode"`
	RequestID    string          `json:"requestId"`
	Action       string          `json:"action"`
	Destination  []string        `json:"destination"`
	NetworkPath  []string        `json:"networkPath"`
	Payload      json.RawMessage `json:"payload"`
}

// WebhookResponse is what the webhook answers. An empty action abstains.
type WebhookResponse struct {
	Action  ports.FilterAction `json:"action"`
	Reason  string             `json:"reason,omitempty"`
	Details map[string]any     `json:"details,omitempty"`
	// Payload replaces the request payload for "replace".
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewWebhookFilter(cfg WebhookFilterConfig) *WebhookFilter {
	onError := cfg.OnError
	if onError == "" {
		onError = ports.FilterReject
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
		if cfg.BlockPrivate {
			client.Transport = safehttp.NewTransport()
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var actions map[string]bool
	if len(cfg.Actions) > 0 {
		actions = make(map[string]bool, len(cfg.Actions))
		for _, a := range cfg.Actions {
			actions[a] = true
		}
	}

	return &WebhookFilter{
		name:    cfg.Name,
		url:     cfg.URL,
		timeout: cfg.Timeout,
		onError: onError,
		retries: cfg.Retries,
		headers: cfg.Headers,
		actions: actions,
		client:  client,
		logger:  logger,
	}
}

func (f *WebhookFilter) Name() string {
	return f.name
}

// Filter posts the request to the webhook.
func (f *WebhookFilter) Filter(ctx context.Context, in *ports.FilterInput) (*ports.FilterResult, error) {
	if f.actions != nil && !f.actions[in.Frame.Action] {
		return nil, nil
	}

	var lastErr error
	attempts := f.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		out, err := f.doRequest(ctx, in)
		if err == nil {
			return f.toResult(out, in)
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return f.handleError(lastErr)
}

func (f *WebhookFilter) doRequest(ctx context.Context, in *ports.FilterInput) (*WebhookResponse, error) {
	body, err := json.Marshal(WebhookRequest{
		Filter:       f.name,
		Timestamp:    in.Timestamp,
		ConnectionID: in.Connection.ID,
		FromNode:     in.Connection.RemoteNodeID.String(),
		RequestID:    in.Frame.RequestID.String(),
		Action:       in.Frame.Action,
		Destination:  hopStrings(in.Frame.Destination.Hops()),
		NetworkPath:  hopStrings(in.Frame.NetworkPath.Hops()),
		Payload:      in.Frame.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal filter input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out WebhookResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal filter output: %w", err)
	}
	switch out.Action {
	case "", ports.FilterForward, ports.FilterReject, ports.FilterReplace:
	default:
		return nil, fmt.Errorf("invalid action from webhook: %s", out.Action)
	}
	return &out, nil
}

func (f *WebhookFilter) toResult(out *WebhookResponse, in *ports.FilterInput) (*ports.FilterResult, error) {
	switch out.Action {
	case "":
		return nil, nil
	case ports.FilterReplace:
		hdr := ocpp.HeaderFromFrame(in.Frame)
		hdr.Timestamp = in.Request.Envelope().RequestTimestamp()
		hdr.Timeout = in.Request.Envelope().RequestTimeout()
		replacement, err := in.Operation.ParseRequest(out.Payload, hdr)
		if err != nil {
			return nil, fmt.Errorf("webhook %s replacement: %w", f.name, err)
		}
		return &ports.FilterResult{Action: ports.FilterReplace, Replacement: replacement, Reason: out.Reason}, nil
	default:
		return &ports.FilterResult{Action: out.Action, Reason: out.Reason, Details: out.Details}, nil
	}
}

func (f *WebhookFilter) handleError(err error) (*ports.FilterResult, error) {
	switch f.onError {
	case ports.FilterForward:
		f.logger.Warn("webhook filter failed open",
			slog.String("filter", f.name),
			slog.String("error", err.Error()))
		return &ports.FilterResult{Action: ports.FilterForward}, nil
	case ports.FilterReject:
		return &ports.FilterResult{
			Action: ports.FilterReject,
			Reason: fmt.Sprintf("webhook error: %v", err),
		}, nil
	default:
		return nil, fmt.Errorf("webhook filter %s failed: %w", f.name, err)
	}
}

func hopStrings(hops []domain.NetworkingNodeID) []string {
	out := make([]string, len(hops))
	for i, h := range hops {
		out[i] = h.String()
	}
	return out
}

var _ ports.Filter = (*WebhookFilter)(nil)
