package attestation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"math/big"
)

const p384ScalarSize = 48

// VerifyReportSignature implements Phase 4: extracts the P-384 public key
// from the endorsement certificate, hashes the first 672 signed bytes of
// the raw report with SHA-384, reverses the little-endian r/s scalars to
// big-endian, and verifies the ECDSA signature over the prehash.
//
// The report signature field stores r and s as 48-byte little-endian
// integers side by side (r at [0:48), s at [48:96)), unlike the
// big-endian convention crypto/ecdsa expects — this mismatch is the one
// place a byte-for-byte port of a textbook P-384 verify would silently
// accept garbage, so the reversal is load-bearing, not cosmetic.
func VerifyReportSignature(report *Report, endorsement *x509.Certificate) error {
	pub, ok := endorsement.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("endorsement certificate key is not ECDSA")
	}
	if pub.Curve != elliptic.P384() {
		return fmt.Errorf("endorsement certificate key is not on P-384")
	}

	digest := sha512.Sum384(report.Raw[:SignedPrefixSize])

	rLE := report.Signature[0:p384ScalarSize]
	sLE := report.Signature[p384ScalarSize : 2*p384ScalarSize]

	r := new(big.Int).SetBytes(reverseBytes(rLE))
	s := new(big.Int).SetBytes(reverseBytes(sLE))

	if !ecdsa.Verify(pub, digest[:], r, s) {
		return fmt.Errorf("attestation report signature does not verify")
	}
	return nil
}

func reverseBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}
