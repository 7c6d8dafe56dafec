package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %v, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Path != "/ocpp" {
		t.Errorf("path = %q", cfg.Server.Path)
	}
	if cfg.Node.DefaultForwardingDecision != "forward" {
		t.Errorf("decision = %q", cfg.Node.DefaultForwardingDecision)
	}
	d, err := cfg.Node.Timeout()
	if err != nil || d != 30*time.Second {
		t.Errorf("timeout = %s (%v)", d, err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	yaml := `node:
  id: LC1
  request_timeout: 5s
upstreams:
  - node_id: CSMS
    url: ws://csms:8080/ocpp
    default: true
routes:
  - destination: CS9
    via: LC2
signing:
  keys:
    - key_id: lc1
      private_key: ${TEST_SIGNING_SEED}
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_SIGNING_SEED", "abcd")
	t.Setenv("OCPPNODE_SERVER__PORT", "9000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %v, want 9000", cfg.Server.Port)
	}
	if cfg.Node.ID != "LC1" || len(cfg.Upstreams) != 1 || !cfg.Upstreams[0].Default {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Signing.Keys[0].PrivateKey != "abcd" {
		t.Errorf("env var not substituted: %q", cfg.Signing.Keys[0].PrivateKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing id", cfg: Config{}},
		{name: "bad decision", cfg: Config{Node: NodeConfig{ID: "A", DefaultForwardingDecision: "maybe"}}},
		{name: "bad timeout", cfg: Config{Node: NodeConfig{ID: "A", RequestTimeout: "soon"}}},
		{name: "upstream without url", cfg: Config{Node: NodeConfig{ID: "A"}, Upstreams: []UpstreamConfig{{NodeID: "B"}}}},
		{name: "route without via", cfg: Config{Node: NodeConfig{ID: "A"}, Routes: []RouteConfig{{Destination: "B"}}}},
		{name: "filter without url", cfg: Config{Node: NodeConfig{ID: "A"}, Filters: []FilterConfig{{Name: "f"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "embedded", input: "Bearer ${TEST_VAR}", want: "Bearer test-value"},
		{name: "missing var", input: "${NOT_SET_ANYWHERE}", want: ""},
		{name: "no substitution", input: "plain", want: "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
