package attestation

import (
	"crypto/x509"
	"fmt"

	"github.com/onecompany/gpt/internal/gpterrors"
)

// TrustedRoots holds the trusted ARK certificates for each supported CPU
// generation. They are supplied by the caller of NewTrustedRoots
// (LoadTrustedRootsFromDir reads them from DER files in a directory);
// no root certificate is compiled into the binary, and no network fetch
// is ever trusted for roots.
type TrustedRoots struct {
	roots map[string]*x509.Certificate
}

// NewTrustedRoots builds a TrustedRoots set from generation-name to
// DER-encoded ARK certificate bytes.
func NewTrustedRoots(arkDER map[string][]byte) (*TrustedRoots, error) {
	roots := make(map[string]*x509.Certificate, len(arkDER))
	for gen, der := range arkDER {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse ARK for %s: %w", gen, err)
		}
		roots[gen] = cert
	}
	return &TrustedRoots{roots: roots}, nil
}

// generationProbeOrder is the fixed order in which built-in root
// generations are attempted during chain verification, independent of
// the KDS probing order: every compiled-in generation is tried until
// one triple fully verifies, and whichever succeeds is remembered for
// policy dispatch.
var generationProbeOrder = []string{GenMilan, GenGenoa, GenTurin}

// Chain is a verified ARK -> ASK -> endorsement-key certificate triple.
type Chain struct {
	Root         *x509.Certificate
	Intermediate *x509.Certificate
	Endorsement  *x509.Certificate
	Generation   string
}

// VerifyChain implements Phase 3: for each built-in root generation, in a
// fixed order, attempt root.verifies(intermediate) && intermediate.verifies(endorsementKey).
// The first triple that fully verifies is accepted.
func VerifyChain(roots *TrustedRoots, ask, endorsement *x509.Certificate) (*Chain, error) {
	for _, gen := range generationProbeOrder {
		root, ok := roots.roots[gen]
		if !ok {
			continue
		}
		if err := root.CheckSignatureFrom(root); err != nil {
			continue
		}
		if err := ask.CheckSignatureFrom(root); err != nil {
			continue
		}
		if err := endorsement.CheckSignatureFrom(ask); err != nil {
			continue
		}
		return &Chain{Root: root, Intermediate: ask, Endorsement: endorsement, Generation: gen}, nil
	}
	return nil, gpterrors.New("attestation", gpterrors.CategoryAttestation,
		"no built-in root generation verifies the presented ASK/endorsement-key chain")
}
