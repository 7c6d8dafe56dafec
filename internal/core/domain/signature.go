package domain

import (
	"crypto/ed25519"
	"time"
)

// Signature is a cryptographic signature attached to a transmitted message.
type Signature struct {
	KeyID          string     `json:"keyId"`
	Value          string     `json:"value"`
	Algorithm      string     `json:"algorithm,omitempty"`
	SigningMethod  string     `json:"signingMethod,omitempty"`
	EncodingMethod string     `json:"encodingMethod,omitempty"`
	Name           string     `json:"name,omitempty"`
	Description    string     `json:"description,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

// SignInfo is signing material. It is only used while building outgoing
// messages and is never serialized.
type SignInfo struct {
	KeyID       string
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	Algorithm   string
	Name        string
	Description string
}

// Signable is embedded by every envelope. Signatures describe the
// transmitted bytes, not the logical message, so they take no part in
// equality or hashing.
type Signable struct {
	Signatures []Signature `json:"-"`
	SignKeys   []SignInfo  `json:"-"`
}

func (s *Signable) AddSignature(sigs ...Signature) {
	s.Signatures = append(s.Signatures, sigs...)
}

func (s *Signable) HasSignatures() bool {
	return len(s.Signatures) > 0
}

// SignableBase gives access to the embedded Signable through interfaces.
func (s *Signable) SignableBase() *Signable {
	return s
}
