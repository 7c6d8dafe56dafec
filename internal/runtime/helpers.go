package runtime

import (
	"fmt"
	"strings"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/forwarding"
	"github.com/ocppnet/overlay/internal/node"
	"github.com/ocppnet/overlay/internal/pkg/config"
	"github.com/ocppnet/overlay/internal/signature"
)

func decisionFromConfig(s string) (forwarding.Kind, error) {
	if strings.TrimSpace(s) == "" {
		return forwarding.Forward, nil
	}
	k, err := forwarding.ParseKind(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return "", fmt.Errorf("node.default_forwarding_decision: %w", err)
	}
	return k, nil
}

// policyFromConfig builds the Ed25519 policy, or nil when no keys are
// configured and signatures are not required.
func policyFromConfig(cfg config.SigningConfig) (ports.SignaturePolicy, error) {
	if len(cfg.Keys) == 0 && len(cfg.Trusted) == 0 && !cfg.Require {
		return nil, nil
	}
	opts := []signature.Option{signature.WithRequireSignatures(cfg.Require)}
	for i, k := range cfg.Keys {
		if k.KeyID == "" {
			return nil, fmt.Errorf("signing.keys[%d]: key_id is required", i)
		}
		priv, err := signature.ParsePrivateKeyHex(k.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("signing.keys[%d]: %w", i, err)
		}
		opts = append(opts, signature.WithSigningKey(domain.SignInfo{
			KeyID:      k.KeyID,
			PrivateKey: priv,
			Algorithm:  signature.AlgorithmEd25519,
		}))
	}
	for i, k := range cfg.Trusted {
		if k.KeyID == "" {
			return nil, fmt.Errorf("signing.trusted[%d]: key_id is required", i)
		}
		pub, err := signature.ParsePublicKeyHex(k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("signing.trusted[%d]: %w", i, err)
		}
		opts = append(opts, signature.WithTrustedKey(k.KeyID, pub))
	}
	return signature.New(opts...), nil
}

// applyRoutes installs static routes and the default upstream.
func applyRoutes(table *node.RoutingTable, cfg *config.Config) error {
	for i, r := range cfg.Routes {
		dest, err := domain.ParseNetworkingNodeID(r.Destination)
		if err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		via, err := domain.ParseNetworkingNodeID(r.Via)
		if err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		if err := table.AddRoute(dest, via); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	for _, up := range cfg.Upstreams {
		if up.Default {
			id, err := domain.ParseNetworkingNodeID(up.NodeID)
			if err != nil {
				return fmt.Errorf("upstream %q: %w", up.NodeID, err)
			}
			table.SetDefault(id)
		}
	}
	return nil
}
