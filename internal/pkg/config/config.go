package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is read when no explicit config path is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides: OCPPNODE_NODE__ID sets node.id.
const EnvPrefix = "OCPPNODE_"

type Config struct {
	Node      NodeConfig       `koanf:"node"`
	Server    ServerConfig     `koanf:"server"`
	Upstreams []UpstreamConfig `koanf:"upstreams"`
	Routes    []RouteConfig    `koanf:"routes"`
	Signing   SigningConfig    `koanf:"signing"`
	Filters   []FilterConfig   `koanf:"filters"`
	Storage   StorageConfig    `koanf:"storage"`
	Events    EventsConfig     `koanf:"events"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
}

type NodeConfig struct {
	ID                        string `koanf:"id"`
	DefaultForwardingDecision string `koanf:"default_forwarding_decision"` // forward or reject
	RequestTimeout            string `koanf:"request_timeout"`             // Duration string like "30s"
	SerializationFormat       string `koanf:"serialization_format"`        // json or binary
	DuplicateWindow           string `koanf:"duplicate_window"`            // How long request identities are remembered
	DuplicateCacheSize        int    `koanf:"duplicate_cache_size"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Path string `koanf:"path"` // WebSocket mount point, peers connect to <path>/<nodeID>
}

// UpstreamConfig is a peer this node dials.
type UpstreamConfig struct {
	NodeID  string `koanf:"node_id"`
	URL     string `koanf:"url"`
	Default bool   `koanf:"default"` // Route unknown destinations here
	Plain   bool   `koanf:"plain"`   // Peer does not speak the networking extension
	Format  string `koanf:"format"`
}

// RouteConfig reaches Destination through the connected node Via.
type RouteConfig struct {
	Destination string `koanf:"destination"`
	Via         string `koanf:"via"`
}

type SigningConfig struct {
	Keys    []SigningKeyConfig `koanf:"keys"`
	Trusted []TrustedKeyConfig `koanf:"trusted"`
	Require bool               `koanf:"require"`
}

type SigningKeyConfig struct {
	KeyID      string `koanf:"key_id"`
	PrivateKey string `koanf:"private_key"` // Hex encoded Ed25519 seed, ${VAR} is expanded
}

type TrustedKeyConfig struct {
	KeyID     string `koanf:"key_id"`
	PublicKey string `koanf:"public_key"`
}

// FilterConfig configures one forwarding filter.
type FilterConfig struct {
	Name         string            `koanf:"name"`
	Type         string            `koanf:"type"` // webhook
	URL          string            `koanf:"url"`
	Timeout      string            `koanf:"timeout"`
	OnError      string            `koanf:"on_error"` // allow (forward) or deny (reject)
	Retries      int               `koanf:"retries"`
	Headers      map[string]string `koanf:"headers"`
	Actions      []string          `koanf:"actions"`       // Empty means every action
	BlockPrivate bool              `koanf:"block_private"` // Refuse loopback and private webhook hosts
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type EventsConfig struct {
	Type string     `koanf:"type"` // direct, nats, none
	NATS NATSConfig `koanf:"nats"`
}

type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path (DefaultPath when empty), applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":                      8080,
		"server.path":                      "/ocpp",
		"node.default_forwarding_decision": "forward",
		"node.request_timeout":             "30s",
		"node.serialization_format":        "json",
		"node.duplicate_window":            "1m",
		"node.duplicate_cache_size":        4096,
		"storage.type":                     "memory",
		"events.type":                      "direct",
		"events.nats.subject":              "ocpp.events",
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Signing.Keys {
		cfg.Signing.Keys[i].PrivateKey = substituteEnvVars(cfg.Signing.Keys[i].PrivateKey)
	}
	for i := range cfg.Filters {
		for h, v := range cfg.Filters[i].Headers {
			cfg.Filters[i].Headers[h] = substituteEnvVars(v)
		}
	}
	cfg.Events.NATS.URL = substituteEnvVars(cfg.Events.NATS.URL)

	return &cfg, nil
}

// Validate checks the values Load cannot type-check.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.ID) == "" {
		return errors.New("node.id is required")
	}
	switch strings.ToLower(c.Node.DefaultForwardingDecision) {
	case "", "forward", "reject":
	default:
		return fmt.Errorf("node.default_forwarding_decision: unknown value %q", c.Node.DefaultForwardingDecision)
	}
	if _, err := c.Node.Timeout(); err != nil {
		return err
	}
	if _, err := c.Node.DuplicateTTL(); err != nil {
		return err
	}
	for i, u := range c.Upstreams {
		if u.NodeID == "" || u.URL == "" {
			return fmt.Errorf("upstreams[%d]: node_id and url are required", i)
		}
	}
	for i, r := range c.Routes {
		if r.Destination == "" || r.Via == "" {
			return fmt.Errorf("routes[%d]: destination and via are required", i)
		}
	}
	for i, f := range c.Filters {
		if f.URL == "" {
			return fmt.Errorf("filters[%d]: url is required", i)
		}
	}
	return nil
}

// Timeout is the parsed node.request_timeout.
func (n NodeConfig) Timeout() (time.Duration, error) {
	return parseDuration("node.request_timeout", n.RequestTimeout)
}

func (n NodeConfig) DuplicateTTL() (time.Duration, error) {
	return parseDuration("node.duplicate_window", n.DuplicateWindow)
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", key)
	}
	return d, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
