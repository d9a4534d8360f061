// Package identity implements the guest's per-boot session identity: an
// Ed25519 signing keypair whose public key is the caller principal every
// registry request is authenticated as, and a separate X25519 keypair
// published during registration so clients can wrap job-scoped symmetric
// keys to this node.
//
// Both keypairs are generated fresh at every boot and are never derived
// from the persistent host seed. The rotation is deliberate: a principal
// that changed hands would be evicted by the registry on the next
// registration, and compromising one boot's keys says nothing about the
// next boot's. The seed-derived host identity (pkg/seed) exists only to
// decrypt the registry-supplied API key and must never be presented as a
// caller identity.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/onecompany/gpt/internal/memzero"
	"github.com/onecompany/gpt/pkg/seed"
)

// Session is one boot's worth of identity material.
type Session struct {
	signingKey ed25519.PrivateKey

	// Principal is the caller identity presented to the registry,
	// derived from the signing public key.
	Principal string

	recipientSecret [32]byte

	// RecipientPublic is the X25519 public key published to the registry
	// at registration, for clients wrapping job-scoped keys to this node.
	RecipientPublic [32]byte
}

// NewSession generates a fresh signing keypair and recipient keypair.
func NewSession() (*Session, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}

	s := &Session{
		signingKey: priv,
		Principal:  EncodePrincipal(pub),
	}

	if _, err := io.ReadFull(rand.Reader, s.recipientSecret[:]); err != nil {
		return nil, fmt.Errorf("identity: generate recipient secret: %w", err)
	}
	s.recipientSecret[0] &= 248
	s.recipientSecret[31] &= 127
	s.recipientSecret[31] |= 64

	recipientPub, err := curve25519.X25519(s.recipientSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive recipient public key: %w", err)
	}
	copy(s.RecipientPublic[:], recipientPub)

	return s, nil
}

// Sign signs message with the session's signing key.
func (s *Session) Sign(message []byte) []byte {
	return ed25519.Sign(s.signingKey, message)
}

// Recipient returns the bech32 "age1..." encoding of the recipient
// public key, the form published to the registry.
func (s *Session) Recipient() (string, error) {
	return seed.EncodePublic(s.RecipientPublic)
}

// Zero scrubs the session's secret material.
func (s *Session) Zero() {
	memzero.Bytes(s.signingKey)
	memzero.Array32(&s.recipientSecret)
}

// EncodePrincipal encodes an Ed25519 public key as a principal string.
func EncodePrincipal(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// PublicKeyFromPrincipal decodes a principal string back into the
// Ed25519 public key it names. The decoding IS the authentication
// binding: a caller can only produce signatures that verify under the
// principal it claims if it holds the matching private key.
func PublicKeyFromPrincipal(principal string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(principal)
	if err != nil {
		return nil, fmt.Errorf("identity: malformed principal: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: principal decodes to %d bytes, expected %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
