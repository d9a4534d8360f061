package attestation

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/onecompany/gpt/internal/gpterrors"
)

// GenerationTCBPolicy is the minimum TCB and guest SVN required for a
// single CPU generation.
type GenerationTCBPolicy struct {
	MinTCB      TCBVersion
	MinGuestSVN uint32
}

// Policy is the active AttestationPolicy: minimum report version, a
// per-generation TCB floor, platform-info requirements, and the expected
// measurement length. Mutable only by a manager role at the registry;
// the guest receives it read-only via the setup-requirements endpoint.
type Policy struct {
	MinReportVersion uint32
	PerGeneration    map[string]GenerationTCBPolicy

	RequireSMTDisabled             bool
	RequireTSMEDisabled            bool
	RequireECCEnabled              bool
	RequireRAPLDisabled            bool
	RequireCiphertextHidingEnabled bool

	ExpectedMeasurementLen int
}

// CheckContent implements Phase 5: validates report fields (not the
// registry-side measurement allow-list, which happens separately) and
// the report's internal integrity sanity checks. Every failed check is
// collected and the result is one semicolon-joined error, so a
// registration attempt produces a single log line no matter how many
// checks it failed.
func CheckContent(report *Report, policy Policy, generation string) error {
	var failures []error
	fail := func(format string, args ...any) {
		failures = append(failures, fmt.Errorf(format, args...))
	}

	if report.Version < policy.MinReportVersion {
		fail("report version %d below minimum %d", report.Version, policy.MinReportVersion)
	}
	if len(report.Measurement) != policy.ExpectedMeasurementLen {
		fail("measurement length %d does not match expected %d", len(report.Measurement), policy.ExpectedMeasurementLen)
	}

	genPolicy, ok := policy.PerGeneration[generation]
	if !ok {
		fail("no TCB policy configured for detected generation %q", generation)
	} else {
		if !report.ReportedTCB.MeetsMinimum(genPolicy.MinTCB) {
			fail("reported TCB %+v below minimum %+v for generation %s", report.ReportedTCB, genPolicy.MinTCB, generation)
		}
		if report.GuestSVN < genPolicy.MinGuestSVN {
			fail("guest SVN %d below minimum %d", report.GuestSVN, genPolicy.MinGuestSVN)
		}
	}

	pi := report.PlatformInfo
	if policy.RequireSMTDisabled && pi.SMTEnabled {
		fail("SMT is enabled but policy requires it disabled")
	}
	if policy.RequireTSMEDisabled && pi.TSMEEnabled {
		fail("TSME is enabled but policy requires it disabled")
	}
	if policy.RequireECCEnabled && !pi.ECCEnabled {
		fail("ECC is disabled but policy requires it enabled")
	}
	// RAPL is non-fatal by design: a warning only, surfaced by the caller
	// via RAPLWarning, never as an error.

	if err := checkIntegritySanity(report); err != nil {
		failures = append(failures, err)
	}

	return gpterrors.JoinSemicolon(failures...)
}

// RAPLWarning reports whether the platform has RAPL enabled against a
// policy that asks for it disabled. Non-fatal: callers log it rather
// than rejecting the report.
func RAPLWarning(report *Report, policy Policy) string {
	if policy.RequireRAPLDisabled && !report.PlatformInfo.RAPLDisabled {
		return "platform has RAPL enabled; policy requests it disabled (non-fatal)"
	}
	return ""
}

// MeasurementHex returns the lowercase hex form of the report's
// measurement, as used for allow-list lookups.
func MeasurementHex(report *Report) string {
	return hex.EncodeToString(report.Measurement[:])
}

func checkIntegritySanity(report *Report) error {
	if report.Version == 0 {
		return fmt.Errorf("report version is zero")
	}
	if isAllZero(report.ChipID[:]) {
		return fmt.Errorf("chip ID is all-zero")
	}
	if isAllZero(report.Signature[:]) {
		return fmt.Errorf("signature field is all-zero (default)")
	}
	if isAllZero(report.ReportID[:]) {
		return fmt.Errorf("report ID is all-zero")
	}
	return nil
}

func isAllZero(b []byte) bool {
	return bytes.Equal(b, make([]byte, len(b)))
}
