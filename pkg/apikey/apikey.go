// Package apikey implements the hybrid X25519 encryption used to deliver
// encrypted_api_key to a node: only the guest that has derived the host
// X25519 identity from its attested host_data (see pkg/seed) can decrypt
// the ciphertext the registry hands back from get_node_config.
//
// The construction is an age-style X25519 recipient stanza (ephemeral
// ECDH, HKDF-SHA256 key derivation, ChaCha20-Poly1305 AEAD) without
// age's STREAM chunking or multi-recipient file framing: the ciphertext
// is only ever produced and consumed by this repository's own binaries
// (an owner's `gpt-host` invocation on one end, a `gpt-node-agent` on
// the other), so the arbitrary-size streaming framing the real age file
// format supports has no caller here.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo domain-separates this construction from any other HKDF use in
// the system, mirroring the domain string age's X25519 recipient stanza
// uses ("age-encryption.org/v1/X25519").
const hkdfInfo = "gpt_host_api_key_encryption_v1"

// EncryptForRecipient encrypts plaintext so that only the holder of the
// X25519 secret key matching recipientPub can recover it. Returns
// ephemeral_public(32) || nonce(12) || ciphertext+tag.
func EncryptForRecipient(recipientPub [32]byte, plaintext []byte) ([]byte, error) {
	var ephSecret [32]byte
	if _, err := io.ReadFull(rand.Reader, ephSecret[:]); err != nil {
		return nil, fmt.Errorf("apikey: generate ephemeral secret: %w", err)
	}
	ephPubBytes, err := curve25519.X25519(ephSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("apikey: derive ephemeral public key: %w", err)
	}
	var ephPub [32]byte
	copy(ephPub[:], ephPubBytes)

	shared, err := curve25519.X25519(ephSecret[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("apikey: ECDH: %w", err)
	}

	key, err := deriveKey(shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("apikey: construct AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("apikey: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(ephPub)+len(nonce)+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptWithIdentity reverses EncryptForRecipient given the matching
// X25519 secret key.
func DecryptWithIdentity(secret [32]byte, ciphertext []byte) ([]byte, error) {
	const headerLen = 32 + chacha20poly1305.NonceSize
	if len(ciphertext) < headerLen {
		return nil, fmt.Errorf("apikey: ciphertext too short (%d bytes)", len(ciphertext))
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	nonce := ciphertext[32:headerLen]
	sealed := ciphertext[headerLen:]

	ownPub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("apikey: derive own public key: %w", err)
	}
	var pub [32]byte
	copy(pub[:], ownPub)

	shared, err := curve25519.X25519(secret[:], ephPub[:])
	if err != nil {
		return nil, fmt.Errorf("apikey: ECDH: %w", err)
	}

	key, err := deriveKey(shared, ephPub, pub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("apikey: construct AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("apikey: decryption failed: identity does not match recipient or ciphertext was tampered with: %w", err)
	}
	return plaintext, nil
}

// deriveKey runs HKDF-SHA256 over the ECDH shared secret, salted with
// both public keys so that distinct (ephemeral, recipient) pairs never
// collide on the same wrap key.
func deriveKey(shared []byte, ephPub, recipientPub [32]byte) ([]byte, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, ephPub[:]...)
	salt = append(salt, recipientPub[:]...)

	r := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("apikey: HKDF expand: %w", err)
	}
	return key, nil
}
