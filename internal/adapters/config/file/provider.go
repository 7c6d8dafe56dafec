// Package file loads the node configuration from a YAML file and reloads it
// when the file changes.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ocppnet/overlay/internal/pkg/config"
)

// settleDelay groups the burst of events a single save produces.
const settleDelay = 100 * time.Millisecond

// Provider implements ports.ConfigProvider. The parent directory is watched
// rather than the file, so atomic replacement (rename over the old file, as
// editors and mounted ConfigMaps do) keeps being observed.
type Provider struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	watcher *fsnotify.Watcher
	current *config.Config
}

func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config path %s: %w", path, err)
	}
	return &Provider{path: abs, logger: logger}, nil
}

// Current returns the last configuration that passed validation.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := p.read()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.current = cfg
	p.mu.Unlock()
	p.logger.Info("config loaded", slog.String("path", p.path), slog.String("node_id", cfg.Node.ID))
	return cfg, nil
}

func (p *Provider) read() (*config.Config, error) {
	cfg, err := config.Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}
	return cfg, nil
}

// Watch calls onChange with every valid configuration that differs from the
// current one. Invalid edits are logged and the previous configuration
// stays in effect. Watching stops with ctx or Close.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	p.mu.Lock()
	if p.watcher != nil {
		p.mu.Unlock()
		watcher.Close()
		return fmt.Errorf("already watching %s", p.path)
	}
	p.watcher = watcher
	p.mu.Unlock()

	p.logger.Info("watching config file for changes", slog.String("path", p.path))
	go p.watch(ctx, watcher, onChange)
	return nil
}

func (p *Provider) watch(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*config.Config)) {
	defer watcher.Close()

	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("config watch stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle.Reset(settleDelay)
			}

		case <-settle.C:
			p.reload(onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

func (p *Provider) reload(onChange func(*config.Config)) {
	cfg, err := p.read()
	if err != nil {
		p.logger.Error("failed to reload config",
			slog.String("error", err.Error()),
			slog.String("path", p.path))
		return
	}

	p.mu.Lock()
	unchanged := reflect.DeepEqual(p.current, cfg)
	p.current = cfg
	p.mu.Unlock()
	if unchanged {
		return
	}

	p.logger.Info("config file changed", slog.String("path", p.path))
	onChange(cfg)
}

// Close stops watching.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}
