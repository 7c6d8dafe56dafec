// Package static serves a configuration built in code. It never changes.
package static

import (
	"context"
	"fmt"

	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/pkg/config"
)

// Provider implements ports.ConfigProvider over a fixed config.
type Provider struct {
	cfg *config.Config
}

func NewProvider(cfg *config.Config) *Provider {
	return &Provider{cfg: cfg}
}

// Load validates and returns the config.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	if p.cfg == nil {
		return nil, fmt.Errorf("static config is nil")
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	return p.cfg, nil
}

// Watch returns immediately; a static config has no changes to report.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	return nil
}

func (p *Provider) Close() error { return nil }

var _ ports.ConfigProvider = (*Provider)(nil)
