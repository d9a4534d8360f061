package attestation

import (
	"crypto/sha256"
	"encoding/binary"
)

// BuildReportData constructs the report_data field a guest passes to the
// secure processor when requesting a report: SHA-256(principal ||
// timestamp_le_u64) followed by 32 zero bytes, matching the registry's
// replay check during registration.
func BuildReportData(principal string, timestampUnixNano uint64) [ReportDataSize]byte {
	var out [ReportDataSize]byte

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], timestampUnixNano)

	h := sha256.New()
	h.Write([]byte(principal))
	h.Write(tsBuf[:])
	digest := h.Sum(nil)

	copy(out[:32], digest)
	// out[32:64] stays zero.
	return out
}

// VerifyReportData recomputes the expected report_data for (principal,
// timestamp) and compares it against what the report actually carried.
// Used by the registry during registration to detect replay/tampering.
func VerifyReportData(report *Report, principal string, timestampUnixNano uint64) bool {
	expected := BuildReportData(principal, timestampUnixNano)
	return expected == report.ReportData
}
