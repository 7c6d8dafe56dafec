package static

import (
	"context"
	"testing"

	"github.com/ocppnet/overlay/internal/pkg/config"
)

func TestProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.Config
		wantErr bool
	}{
		{"nil", nil, true},
		{"missing node id", &config.Config{}, true},
		{"valid", &config.Config{Node: config.NodeConfig{ID: "LC"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(tt.cfg)
			got, err := p.Load(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.cfg {
				t.Error("Load returned a different config")
			}
			if err := p.Watch(context.Background(), func(*config.Config) { t.Error("unexpected change") }); err != nil {
				t.Errorf("Watch() = %v", err)
			}
			if err := p.Close(); err != nil {
				t.Errorf("Close() = %v", err)
			}
		})
	}
}
