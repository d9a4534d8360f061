// Package seed implements host seed generation/persistence and the
// domain-separated KDF that derives an X25519 host identity from it.
//
// This is a cross-binary contract: the exact same derivation runs in the
// host launcher and inside the guest, and the two MUST agree bit-for-bit
// or the registry-issued API key ciphertext becomes permanently
// undecryptable.
package seed

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/onecompany/gpt/internal/gpterrors"
	"github.com/onecompany/gpt/internal/memzero"
)

const (
	// Length is the host seed size in bytes.
	Length = 24

	// HostDataLength is the size of the host-data block injected into the
	// guest's pre-encrypted memory (node_id LE u64 || 24-byte seed).
	HostDataLength = 32

	// kdfDomainTag domain-separates the KDF from any other SHA-256 use in
	// the system. Must match byte-for-byte between host and guest.
	kdfDomainTag = "gpt_host_age_key_derivation_v1"

	// bech32HRP is the human-readable part for exported public keys.
	bech32HRP = "age"

	defaultConfigDir  = "/etc/gpt_host"
	defaultSeedName   = "host_seed.bin"
	module            = "seed"
	insecurePermsMask = 0o077
)

var errInvalidData = errors.New("seed: invalid bech32 payload")

// Seed is a 24-byte host identity seed.
type Seed [Length]byte

// Zero scrubs the seed in place.
func (s *Seed) Zero() {
	memzero.Array24((*[Length]byte)(s))
}

// DefaultPath returns the default seed file location.
func DefaultPath() string {
	return filepath.Join(defaultConfigDir, defaultSeedName)
}

// ResolvePath returns override if non-empty, else DefaultPath().
func ResolvePath(override string) string {
	if override != "" {
		return override
	}
	return DefaultPath()
}

// GetOrGenerate loads the seed at path if present, otherwise draws 24 bytes
// from the OS CSPRNG and persists them atomically with mode 0600. Matches
// the "init path" semantics: callers that want runtime-only behavior
// (refuse rather than generate) should call Load directly instead.
func GetOrGenerate(path string) (Seed, error) {
	existing, err := Load(path)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Seed{}, err
	}
	return Generate(path)
}

// Generate draws a new random seed and writes it to path with mode 0600.
// Fails if the parent directory cannot be created, or if a file already
// exists at path (O_EXCL): a seed is immutable once created and is
// destroyed only by explicit operator action, never silently overwritten.
func Generate(path string) (Seed, error) {
	var s Seed
	if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
		return Seed{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "generate", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Seed{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "mkdir", err).
			WithContext("dir", dir)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return Seed{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "create", err).
			WithContext("path", path)
	}
	defer f.Close()

	if _, err := f.Write(s[:]); err != nil {
		return Seed{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "write", err)
	}

	return s, nil
}

// Load reads exactly 24 bytes from path. A short read is fatal (corrupted
// seed); a loose permission mode is not an error, and Load discards the
// warning that LoadWithWarning would report.
func Load(path string) (Seed, error) {
	return LoadWithWarning(path, nil)
}

// LoadWithWarning is Load but invokes warnFn(msg) instead of discarding the
// permission warning, so callers can route it through their logger.
func LoadWithWarning(path string, warnFn func(string)) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Seed{}, err
		}
		return Seed{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "open", err).
			WithContext("path", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Seed{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "stat", err)
	}
	if info.Mode().Perm()&insecurePermsMask != 0 && warnFn != nil {
		warnFn(fmt.Sprintf("seed file %s has permissive mode %#o, expected 0600", path, info.Mode().Perm()))
	}

	var s Seed
	n, err := io.ReadFull(f, s[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Seed{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "read", err)
	}
	if n != Length {
		return Seed{}, gpterrors.New(module, gpterrors.CategoryConfiguration,
			fmt.Sprintf("seed file is corrupted: read %d bytes, expected %d", n, Length))
	}

	// Reject trailing data past the expected length: a 25-byte file is
	// just as corrupted as a 23-byte one.
	extra := make([]byte, 1)
	if m, _ := f.Read(extra); m > 0 {
		return Seed{}, gpterrors.New(module, gpterrors.CategoryConfiguration,
			fmt.Sprintf("seed file is corrupted: longer than %d bytes", Length))
	}

	return s, nil
}

// Identity is the derived X25519 keypair.
type Identity struct {
	Secret [32]byte
	Public [32]byte
}

// Zero scrubs the secret half of the identity.
func (id *Identity) Zero() {
	memzero.Array32(&id.Secret)
}

// DeriveIdentity applies KDF(seed) = clamp(SHA-256(domain_tag || seed)) and
// computes the corresponding X25519 public key. The derivation is re-run in
// both host and guest and MUST agree bit-for-bit; the pinned vector in the
// package tests is the contract.
func DeriveIdentity(s Seed) (Identity, error) {
	h := sha256.New()
	h.Write([]byte(kdfDomainTag))
	h.Write(s[:])
	digest := h.Sum(nil)

	var id Identity
	copy(id.Secret[:], digest)
	clamp(&id.Secret)

	pub, err := x25519PublicKey(id.Secret)
	if err != nil {
		memzero.Array32(&id.Secret)
		return Identity{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "derive_public", err)
	}
	id.Public = pub

	return id, nil
}

// clamp applies the Curve25519 scalar clamp: clear bits 0-2 of byte 0,
// clear bit 7 and set bit 6 of byte 31.
func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// EncodePublic bech32-encodes a public key with HRP "age".
func EncodePublic(pub [32]byte) (string, error) {
	return Encode(bech32HRP, pub[:])
}

// DecodePublic parses a bech32 "age1..." recipient string back into its
// 32-byte X25519 public key, the counterpart operator tooling needs when
// encrypting a payload (e.g. an API key) against a node's printed
// identity rather than a live process holding the key in memory.
func DecodePublic(recipient string) ([32]byte, error) {
	var pub [32]byte
	hrp, data, err := Decode(recipient)
	if err != nil {
		return pub, fmt.Errorf("seed: %w", err)
	}
	if hrp != bech32HRP {
		return pub, fmt.Errorf("seed: unexpected bech32 human-readable part %q, expected %q", hrp, bech32HRP)
	}
	if len(data) != 32 {
		return pub, fmt.Errorf("seed: decoded public key has wrong length %d, expected 32", len(data))
	}
	copy(pub[:], data)
	return pub, nil
}

// BuildHostData assembles the 32-byte host-data block: node_id little-endian
// in bytes [0,8) followed by the 24-byte seed in bytes [8,32).
func BuildHostData(nodeID uint64, s Seed) [HostDataLength]byte {
	var block [HostDataLength]byte
	for i := 0; i < 8; i++ {
		block[i] = byte(nodeID >> (8 * uint(i)))
	}
	copy(block[8:], s[:])
	return block
}

// ParseHostData splits a 32-byte host-data block back into its node_id and
// seed components. Round-trips with BuildHostData for any input.
func ParseHostData(block [HostDataLength]byte) (uint64, Seed) {
	var nodeID uint64
	for i := 0; i < 8; i++ {
		nodeID |= uint64(block[i]) << (8 * uint(i))
	}
	var s Seed
	copy(s[:], block[8:])
	return nodeID, s
}
