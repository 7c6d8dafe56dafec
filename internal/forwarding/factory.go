package forwarding

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/pkg/config"
)

// NewFiltersFromConfig builds the configured filters in order.
func NewFiltersFromConfig(cfgs []config.FilterConfig, logger *slog.Logger) ([]ports.Filter, error) {
	filters := make([]ports.Filter, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for _, fc := range cfgs {
		if seen[fc.Name] {
			return nil, fmt.Errorf("filter %s: duplicate name", fc.Name)
		}
		seen[fc.Name] = true

		f, err := newFilterFromConfig(fc, logger)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", fc.Name, err)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func newFilterFromConfig(cfg config.FilterConfig, logger *slog.Logger) (ports.Filter, error) {
	switch cfg.Type {
	case "", "webhook":
	default:
		return nil, fmt.Errorf("unknown filter type %q", cfg.Type)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	timeout := 5 * time.Second
	if cfg.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
		}
	}

	var onError ports.FilterAction
	switch cfg.OnError {
	case "", "deny", "reject":
		onError = ports.FilterReject
	case "allow", "forward":
		onError = ports.FilterForward
	case "abstain":
		onError = "abstain"
	default:
		return nil, fmt.Errorf("invalid on_error %q (must be 'forward', 'reject' or 'abstain')", cfg.OnError)
	}

	return NewWebhookFilter(WebhookFilterConfig{
		Name:         cfg.Name,
		URL:          cfg.URL,
		Timeout:      timeout,
		OnError:      onError,
		Retries:      cfg.Retries,
		Headers:      cfg.Headers,
		Actions:      cfg.Actions,
		BlockPrivate: cfg.BlockPrivate,
		Logger:       logger,
	}), nil
}
