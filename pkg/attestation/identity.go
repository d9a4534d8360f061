package attestation

import (
	"github.com/onecompany/gpt/pkg/seed"
)

// ExtractHostIdentity implements Phase 6: splits the verified report's
// host_data field into node_id and seed, then re-runs the seed KDF to
// derive the host identity the registry's encrypted API key is bound to.
// Callers must call id.Zero() once the identity has been consumed.
func ExtractHostIdentity(report *Report) (nodeID uint64, id seed.Identity, err error) {
	nodeID, s := seed.ParseHostData(report.HostData)
	defer s.Zero()

	id, err = seed.DeriveIdentity(s)
	if err != nil {
		return 0, seed.Identity{}, err
	}
	return nodeID, id, nil
}
