package registry

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onecompany/gpt/pkg/attestation"
)

// Fixed protocol byte offsets (public per the attestation wire format,
// mirrored here so registry tests can build a well-formed report without
// reaching into pkg/attestation's unexported internals).
const (
	offVersion     = 0
	offGuestSVN    = 4
	offReportData  = 80
	offMeasurement = 144
	offReportID    = 320
	offReportedTCB = 384
	offChipID      = 416
	offSignature   = attestation.SignedPrefixSize
	scalarSize     = 48
)

type testFixture struct {
	registry *Registry
	store    *MemoryStore
	arkKey   *ecdsa.PrivateKey
	ark      *x509.Certificate
	askKey   *ecdsa.PrivateKey
	ask      *x509.Certificate
	vekKey   *ecdsa.PrivateKey
	vek      *x509.Certificate
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	ark, arkKey := selfSignedCert(t, "ARK-Milan")
	ask, askKey := childCert(t, ark, arkKey, "ASK-Milan")
	vek, vekKey := childCert(t, ask, askKey, "VEK")

	roots, err := attestation.NewTrustedRoots(map[string][]byte{attestation.GenMilan: ark.Raw})
	require.NoError(t, err)

	store := NewMemoryStore()
	require.NoError(t, store.PutPolicy(context.Background(), AttestationPolicy{
		MinReportVersion:       1,
		ExpectedMeasurementLen: attestation.MeasurementSize,
		PerGeneration: map[string]GenerationTCBFloor{
			attestation.GenMilan: {},
		},
	}))

	reg := NewRegistry(store, roots, zerolog.Nop(), nil, time.Minute)
	return &testFixture{registry: reg, store: store, arkKey: arkKey, ark: ark, askKey: askKey, ask: ask, vekKey: vekKey, vek: vek}
}

func selfSignedCert(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func childCert(t *testing.T, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true, // intermediates must be CAs for CheckSignatureFrom
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

func reverseBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

// buildReport constructs a syntactically valid, correctly signed report
// binding principal/timestamp into report_data, with chipIDHex as the
// reported chip ID and a fixed measurement, signed by vekKey.
func buildReport(t *testing.T, vekKey *ecdsa.PrivateKey, principal string, ts time.Time, chipIDHex string) []byte {
	t.Helper()
	raw := make([]byte, attestation.ReportSize)
	binary.LittleEndian.PutUint32(raw[offVersion:], 2)
	binary.LittleEndian.PutUint32(raw[offGuestSVN:], 1)

	rd := attestation.BuildReportData(principal, uint64(ts.UnixNano()))
	copy(raw[offReportData:], rd[:])

	for i := 0; i < attestation.MeasurementSize; i++ {
		raw[offMeasurement+i] = byte(i + 1)
	}
	raw[offReportID] = 0x01

	chipBytes, err := hex.DecodeString(chipIDHex)
	require.NoError(t, err)
	copy(raw[offChipID:], chipBytes)

	digest := sha512.Sum384(raw[:offSignature])
	r, s, err := ecdsa.Sign(rand.Reader, vekKey, digest[:])
	require.NoError(t, err)
	copy(raw[offSignature:offSignature+scalarSize], reverseBytes(leftPad(r.Bytes(), scalarSize)))
	copy(raw[offSignature+scalarSize:offSignature+2*scalarSize], reverseBytes(leftPad(s.Bytes(), scalarSize)))

	return raw
}

func measurementHexOf(raw []byte) string {
	m := raw[offMeasurement : offMeasurement+attestation.MeasurementSize]
	return hex.EncodeToString(m)
}

func chipIDHexFor(label string) string {
	sum := sha256.Sum256([]byte(label))
	padded := make([]byte, attestation.ChipIDSize)
	copy(padded, sum[:])
	copy(padded[32:], sum[:])
	return hex.EncodeToString(padded)
}

func TestRegisterNode_HappyPath(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-1")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 1, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{
		Hex: measurementHexOf(report), Status: MeasurementActive,
	}))

	err := fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 1, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "ssh-ed25519 AAAA",
	})
	require.NoError(t, err)

	node, ok, err := fx.store.GetNode(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, LifecycleActive, node.Lifecycle)
	assert.Equal(t, "alice", node.NodePrincipal)
	assert.Equal(t, attestation.GenMilan, node.DetectedGeneration)

	boundID, ok, err := fx.store.LookupPrincipal(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), boundID)
}

func TestRegisterNode_RejectsDifferentControllerOnActiveNode(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-2")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 2, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(report), Status: MeasurementActive}))

	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 2, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	}))

	laterTs := now.Add(time.Second)
	report2 := buildReport(t, fx.vekKey, "mallory", laterTs, chipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(report2), Status: MeasurementActive}))

	err := fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 2, CallerPrincipal: "mallory", AttestationReport: report2,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: laterTs, PublicKey: "key2",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "currently active with a different controller")
}

func TestRegisterNode_SamePrincipalRestartAccepted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-3")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 3, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(report), Status: MeasurementActive}))

	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 3, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	}))

	restartTs := now.Add(time.Minute)
	report2 := buildReport(t, fx.vekKey, "alice", restartTs, chipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(report2), Status: MeasurementActive}))

	err := fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 3, CallerPrincipal: "alice", AttestationReport: report2,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: restartTs, PublicKey: "key",
	})
	assert.NoError(t, err)
}

func TestRegisterNode_RejectsChipIDMismatch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-4")
	wrongChipHex := chipIDHexFor("node-4-wrong")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 4, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, wrongChipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(report), Status: MeasurementActive}))

	err := fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 4, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chip ID mismatch")
}

func TestRegisterNode_RejectsUnknownMeasurement(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-5")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 5, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	// A measurement exists in the allow-list, but not this report's own.
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: "00112233", Status: MeasurementActive}))

	err := fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 5, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in allowed registry")
}

func TestRegisterNode_RejectsWhenMeasurementListEmpty(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-5b")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 50, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)

	err := fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 50, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active attestation measurements configured")
}

func TestRegisterNode_RejectsStaleTimestamp(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-stale")

	policy, err := fx.store.GetPolicy(ctx)
	require.NoError(t, err)
	policy.MaxAttestationAge = time.Hour
	require.NoError(t, fx.store.PutPolicy(ctx, policy))

	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 60, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", stale, chipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(report), Status: MeasurementActive}))

	err = fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 60, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: stale, PublicKey: "key",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too old")
}

func TestRegisterNode_RejectsTamperedNonce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-6")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 6, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	// Build the report bound to a different principal than the caller claims.
	report := buildReport(t, fx.vekKey, "someone-else", now, chipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(report), Status: MeasurementActive}))

	err := fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 6, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay nonce")
}

// One principal may control at most one node: registering a second node
// from the same caller evicts and scrubs the first session.
func TestRegisterNode_EvictsOldSessionOnPrincipalReuse(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipA, chipB := chipIDHexFor("node-A"), chipIDHexFor("node-B")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 30, ExpectedChipIDHex: chipA, Lifecycle: LifecycleInactive}))
	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 31, ExpectedChipIDHex: chipB, Lifecycle: LifecycleInactive}))

	reportA := buildReport(t, fx.vekKey, "alice", now, chipA)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(reportA), Status: MeasurementActive}))
	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 30, CallerPrincipal: "alice", AttestationReport: reportA,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	}))

	later := now.Add(time.Second)
	reportB := buildReport(t, fx.vekKey, "alice", later, chipB)
	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 31, CallerPrincipal: "alice", AttestationReport: reportB,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: later, PublicKey: "key",
	}))

	oldNode, _, err := fx.store.GetNode(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, LifecycleInactive, oldNode.Lifecycle)
	assert.Empty(t, oldNode.NodePrincipal)
	assert.Empty(t, oldNode.AuthenticatedMeasurement)

	boundID, ok, err := fx.store.LookupPrincipal(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(31), boundID)
}

func TestHeartbeat_ContinuesOnActiveMeasurement(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-7")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 7, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(report), Status: MeasurementActive}))
	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 7, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	}))

	cmd, err := fx.registry.Heartbeat(ctx, "alice", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, CommandContinue, cmd)

	node, _, err := fx.store.GetNode(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, LifecycleActive, node.Lifecycle)
}

func TestHeartbeat_DrainsOnDeprecatedMeasurement(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-8")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 8, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	mHex := measurementHexOf(report)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: mHex, Status: MeasurementActive}))
	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 8, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	}))

	require.NoError(t, fx.registry.UpdateMeasurementStatus(ctx, mHex, MeasurementDeprecated, now))

	cmd, err := fx.registry.Heartbeat(ctx, "alice", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, CommandDrainAndShutdown, cmd)

	node, _, err := fx.store.GetNode(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, LifecycleDraining, node.Lifecycle)
}

// The drain is reversible while it lasts: flipping the measurement back
// to Active recovers a Draining node on its next heartbeat.
func TestHeartbeat_DrainingNodeRecoversWhenMeasurementReactivated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-8b")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 80, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	mHex := measurementHexOf(report)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: mHex, Status: MeasurementActive}))
	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 80, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	}))

	require.NoError(t, fx.registry.UpdateMeasurementStatus(ctx, mHex, MeasurementDeprecated, now))
	cmd, err := fx.registry.Heartbeat(ctx, "alice", now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, CommandDrainAndShutdown, cmd)

	require.NoError(t, fx.registry.UpdateMeasurementStatus(ctx, mHex, MeasurementActive, now))
	cmd, err = fx.registry.Heartbeat(ctx, "alice", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, CommandContinue, cmd)

	node, _, err := fx.store.GetNode(ctx, 80)
	require.NoError(t, err)
	assert.Equal(t, LifecycleActive, node.Lifecycle)
}

func TestHeartbeat_AbortsAndScrubsOnRevokedMeasurement(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-9")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 9, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	mHex := measurementHexOf(report)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: mHex, Status: MeasurementActive}))
	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 9, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	}))

	require.NoError(t, fx.registry.UpdateMeasurementStatus(ctx, mHex, MeasurementRevoked, now))

	cmd, err := fx.registry.Heartbeat(ctx, "alice", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, CommandAbort, cmd)

	node, _, err := fx.store.GetNode(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, LifecycleInactive, node.Lifecycle)
	assert.Empty(t, node.NodePrincipal)

	_, ok, err := fx.store.LookupPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeat_AbortsWhenMeasurementRemoved(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-10")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 10, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	mHex := measurementHexOf(report)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: mHex, Status: MeasurementActive}))
	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 10, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	}))

	require.NoError(t, fx.registry.RemoveMeasurement(ctx, mHex))

	cmd, err := fx.registry.Heartbeat(ctx, "alice", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, CommandAbort, cmd)
}

func TestUnregister_ScrubsAndUnbindsPrincipal(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chipHex := chipIDHexFor("node-11")
	now := time.Now()

	require.NoError(t, fx.store.PutNode(ctx, &Node{NodeID: 11, ExpectedChipIDHex: chipHex, Lifecycle: LifecycleInactive}))
	report := buildReport(t, fx.vekKey, "alice", now, chipHex)
	require.NoError(t, fx.store.PutMeasurement(ctx, &MeasurementEntry{Hex: measurementHexOf(report), Status: MeasurementActive}))
	require.NoError(t, fx.registry.RegisterNode(ctx, RegisterRequest{
		NodeID: 11, CallerPrincipal: "alice", AttestationReport: report,
		ArkDER: fx.ark.Raw, AskDER: fx.ask.Raw, VekDER: fx.vek.Raw,
		Timestamp: now, PublicKey: "key",
	}))

	require.NoError(t, fx.registry.Unregister(ctx, "alice"))

	node, _, err := fx.store.GetNode(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, LifecycleInactive, node.Lifecycle)

	_, ok, err := fx.store.LookupPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunLivenessSweeper_EvictsStaleNode(t *testing.T) {
	fx := newFixture(t)
	fx.registry.livenessTimeout = 10 * time.Millisecond
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, fx.store.PutNode(ctx, &Node{
		NodeID: 12, NodePrincipal: "alice", Lifecycle: LifecycleActive, LastHeartbeat: &past,
	}))
	require.NoError(t, fx.store.IndexPrincipal(ctx, "alice", 12))

	require.NoError(t, fx.registry.sweepOnce(ctx))

	node, _, err := fx.store.GetNode(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, LifecycleInactive, node.Lifecycle)

	_, ok, err := fx.store.LookupPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateNode_AllocatesInactiveNodeOwnedByCaller(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id1, err := fx.registry.CreateNode(ctx, "bob", "alpha.example.com", "gpt-oss-120b", []byte("ciphertext"), "aa")
	require.NoError(t, err)
	id2, err := fx.registry.CreateNode(ctx, "bob", "beta.example.com", "gpt-oss-20b", []byte("ciphertext2"), "bb")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	node, ok, err := fx.store.GetNode(ctx, id1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, LifecycleInactive, node.Lifecycle)
	assert.Equal(t, "bob", node.OwnerPrincipal)
	assert.Equal(t, "alpha.example.com", node.Hostname)

	owned, err := fx.registry.ListNodesByOwner(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	othersOwned, err := fx.registry.ListNodesByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, othersOwned)
}

func TestCreateNode_RejectsAnonymousCaller(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.registry.CreateNode(context.Background(), "", "alpha.example.com", "model", nil, "aa")
	require.Error(t, err)
}

func TestClaimManagerRole_FirstClaimSucceedsSecondRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.registry.ClaimManagerRole(ctx, "alice"))
	isManager, err := fx.registry.IsManager(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, isManager)

	err = fx.registry.ClaimManagerRole(ctx, "bob")
	require.Error(t, err)

	isManager, err = fx.registry.IsManager(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, isManager)
}

func TestAddAndRemoveManager_RequireExistingManager(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.registry.ClaimManagerRole(ctx, "alice"))

	err := fx.registry.AddManager(ctx, "mallory", "mallory")
	require.Error(t, err)

	require.NoError(t, fx.registry.AddManager(ctx, "alice", "bob"))
	isManager, err := fx.registry.IsManager(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, isManager)

	require.NoError(t, fx.registry.RemoveManager(ctx, "alice", "bob"))
	isManager, err = fx.registry.IsManager(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, isManager)
}
