// Package signature signs and verifies OCPP frames with Ed25519 over a
// SHA3-256 digest of their canonical form.
package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/ocpp"
)

const (
	AlgorithmEd25519 = "Ed25519"
	MethodSHA3       = "SHA3-256"
	EncodingBase64   = "base64"
)

var (
	// ErrSignatureInvalid is wrapped by every verification failure.
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrMissingSignature = errors.New("message is not signed")
)

// Policy holds the node's signing keys and the keys it trusts. It is
// read-only after New and safe for concurrent use.
type Policy struct {
	signers []domain.SignInfo
	trusted map[string]ed25519.PublicKey
	require bool
	now     func() time.Time
}

type Option func(*Policy)

// WithSigningKey signs every outgoing message with info as well. Its public
// key is trusted too.
func WithSigningKey(info domain.SignInfo) Option {
	return func(p *Policy) {
		p.signers = append(p.signers, info)
		if info.PublicKey == nil && info.PrivateKey != nil {
			info.PublicKey = info.PrivateKey.Public().(ed25519.PublicKey)
		}
		if info.PublicKey != nil {
			p.trusted[info.KeyID] = info.PublicKey
		}
	}
}

func WithTrustedKey(keyID string, key ed25519.PublicKey) Option {
	return func(p *Policy) { p.trusted[keyID] = key }
}

// WithRequireSignatures rejects unsigned messages on verification.
func WithRequireSignatures(require bool) Option {
	return func(p *Policy) { p.require = require }
}

func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

func New(opts ...Option) *Policy {
	p := &Policy{
		trusted: make(map[string]ed25519.PublicKey),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Policy) SignRequest(req ocpp.Request, serialized []byte, format domain.SerializationFormat) ([]domain.Signature, error) {
	return p.sign(req.Envelope().SignKeys, serialized, format)
}

func (p *Policy) SignResponse(resp ocpp.Response, serialized []byte, format domain.SerializationFormat) ([]domain.Signature, error) {
	return p.sign(resp.Envelope().SignKeys, serialized, format)
}

func (p *Policy) VerifyRequest(req ocpp.Request, serialized []byte, format domain.SerializationFormat) (bool, error) {
	return p.verify(req.Envelope().Signatures, serialized, format)
}

func (p *Policy) VerifyResponse(resp ocpp.Response, serialized []byte, format domain.SerializationFormat) (bool, error) {
	return p.verify(resp.Envelope().Signatures, serialized, format)
}

func (p *Policy) sign(extra []domain.SignInfo, serialized []byte, format domain.SerializationFormat) ([]domain.Signature, error) {
	keys := make([]domain.SignInfo, 0, len(p.signers)+len(extra))
	keys = append(keys, p.signers...)
	keys = append(keys, extra...)
	if len(keys) == 0 {
		return nil, nil
	}

	digest, err := Digest(serialized, format)
	if err != nil {
		return nil, err
	}
	ts := p.now().UTC()
	sigs := make([]domain.Signature, 0, len(keys))
	for _, k := range keys {
		if len(k.PrivateKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("signing key %s: invalid private key", k.KeyID)
		}
		algorithm := k.Algorithm
		if algorithm == "" {
			algorithm = AlgorithmEd25519
		}
		sigs = append(sigs, domain.Signature{
			KeyID:          k.KeyID,
			Value:          base64.StdEncoding.EncodeToString(ed25519.Sign(k.PrivateKey, digest)),
			Algorithm:      algorithm,
			SigningMethod:  MethodSHA3,
			EncodingMethod: EncodingBase64,
			Name:           k.Name,
			Description:    k.Description,
			Timestamp:      &ts,
		})
	}
	return sigs, nil
}

func (p *Policy) verify(sigs []domain.Signature, serialized []byte, format domain.SerializationFormat) (bool, error) {
	if len(sigs) == 0 {
		if p.require {
			return false, fmt.Errorf("%w: %w", ErrSignatureInvalid, ErrMissingSignature)
		}
		return true, nil
	}
	digest, err := Digest(serialized, format)
	if err != nil {
		return false, err
	}
	for _, s := range sigs {
		key, ok := p.trusted[s.KeyID]
		if !ok {
			return false, fmt.Errorf("%w: %w %q", ErrSignatureInvalid, ErrUnknownKey, s.KeyID)
		}
		raw, err := base64.StdEncoding.DecodeString(s.Value)
		if err != nil {
			return false, fmt.Errorf("%w: key %s: %v", ErrSignatureInvalid, s.KeyID, err)
		}
		if !ed25519.Verify(key, digest, raw) {
			return false, fmt.Errorf("%w: key %s", ErrSignatureInvalid, s.KeyID)
		}
	}
	return true, nil
}

// Digest is the SHA3-256 hash of the canonical form of a frame.
func Digest(serialized []byte, format domain.SerializationFormat) ([]byte, error) {
	canonical, err := Canonicalize(serialized, format)
	if err != nil {
		return nil, err
	}
	sum := sha3.Sum256(canonical)
	return sum[:], nil
}

// Canonicalize parses a frame, drops the payload signatures and the network
// path, and re-encodes the rest as deterministic CBOR. The same message
// yields the same bytes whatever its wire format and whichever hops it took.
func Canonicalize(serialized []byte, format domain.SerializationFormat) ([]byte, error) {
	f, err := ocpp.ParseFrame(serialized, format)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	c := f.Clone()
	c.NetworkPath = domain.EmptyNetworkPath
	if len(c.Payload) > 0 {
		var members map[string]json.RawMessage
		if err := json.Unmarshal(c.Payload, &members); err != nil {
			return nil, fmt.Errorf("canonicalize payload: %w", err)
		}
		delete(members, "signatures")
		if c.Payload, err = json.Marshal(members); err != nil {
			return nil, fmt.Errorf("canonicalize payload: %w", err)
		}
	}
	return c.Marshal(domain.FormatBinary)
}

// NoopPolicy signs nothing and accepts everything.
type NoopPolicy struct{}

func (NoopPolicy) SignRequest(ocpp.Request, []byte, domain.SerializationFormat) ([]domain.Signature, error) {
	return nil, nil
}

func (NoopPolicy) SignResponse(ocpp.Response, []byte, domain.SerializationFormat) ([]domain.Signature, error) {
	return nil, nil
}

func (NoopPolicy) VerifyRequest(ocpp.Request, []byte, domain.SerializationFormat) (bool, error) {
	return true, nil
}

func (NoopPolicy) VerifyResponse(ocpp.Response, []byte, domain.SerializationFormat) (bool, error) {
	return true, nil
}

// ParsePrivateKeyHex accepts a 32 byte seed or a 64 byte private key.
func ParsePrivateKeyHex(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key: unexpected length %d", len(raw))
	}
}

func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key: unexpected length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
