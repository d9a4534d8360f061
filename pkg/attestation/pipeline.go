package attestation

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/onecompany/gpt/internal/gpterrors"
	"github.com/onecompany/gpt/pkg/seed"
)

// ReportSource acquires a raw attestation report from the secure
// processor device, given the 64-byte report_data to embed. Abstracted
// behind an interface so tests can substitute a fixture without a real
// SEV-SNP guest.
type ReportSource interface {
	GetReport(ctx context.Context, reportData [ReportDataSize]byte) ([]byte, error)
}

// Evidence is everything the pipeline produced, handed to the registry
// registration call.
type Evidence struct {
	Report   *Report
	Chain    *Chain
	NodeID   uint64
	Identity seed.Identity
	Warning  string
}

// Pipeline runs Phases 1-6 against a single report acquisition.
type Pipeline struct {
	Source ReportSource
	KDS    *KDSClient
	Roots  *TrustedRoots
	Policy Policy
	Log    zerolog.Logger
}

// Run executes the full attestation pipeline for one (principal,
// timestamp) registration attempt. Any phase failure returns an error
// wrapped with its phase name.
func (p *Pipeline) Run(ctx context.Context, principal string, timestampUnixNano uint64) (*Evidence, error) {
	reportData := BuildReportData(principal, timestampUnixNano)

	raw, err := p.Source.GetReport(ctx, reportData)
	if err != nil {
		return nil, p.wrap("report_acquisition", err)
	}
	report, err := ParseReport(raw)
	if err != nil {
		return nil, p.wrap("report_acquisition", err)
	}

	endorsementDER, generation, err := p.KDS.FetchEndorsement(ctx, report.ChipID, report.ReportedTCB)
	if err != nil {
		return nil, p.wrap("endorsement_fetch", err)
	}
	endorsement, err := x509.ParseCertificate(endorsementDER)
	if err != nil {
		return nil, p.wrap("endorsement_fetch", fmt.Errorf("parse endorsement certificate: %w", err))
	}

	askDER, err := p.KDS.FetchASK(ctx, generation)
	if err != nil {
		return nil, p.wrap("endorsement_fetch", err)
	}
	ask, err := x509.ParseCertificate(askDER)
	if err != nil {
		return nil, p.wrap("endorsement_fetch", fmt.Errorf("parse ASK certificate: %w", err))
	}

	chain, err := VerifyChain(p.Roots, ask, endorsement)
	if err != nil {
		return nil, p.wrap(fmt.Sprintf("chain_verify:%s", generation), err)
	}

	if err := VerifyReportSignature(report, endorsement); err != nil {
		return nil, p.wrap("signature_verify", err)
	}

	if err := CheckContent(report, p.Policy, chain.Generation); err != nil {
		return nil, p.wrap("content_policy", err)
	}
	warning := RAPLWarning(report, p.Policy)
	if warning != "" {
		p.Log.Warn().Msg(warning)
	}

	nodeID, identity, err := ExtractHostIdentity(report)
	if err != nil {
		return nil, p.wrap("host_data_extraction", err)
	}

	return &Evidence{
		Report:   report,
		Chain:    chain,
		NodeID:   nodeID,
		Identity: identity,
		Warning:  warning,
	}, nil
}

func (p *Pipeline) wrap(phase string, err error) error {
	return gpterrors.Wrap("attestation", gpterrors.CategoryAttestation, phase, err)
}
