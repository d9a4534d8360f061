package registry

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/onecompany/gpt/internal/gpterrors"
	"github.com/onecompany/gpt/pkg/attestation"
)

// ErrUnauthorized is returned when a caller principal has no bound node.
var ErrUnauthorized = gpterrors.New("registry", gpterrors.CategoryPolicy, "unauthorized: no node bound to this principal")

// ErrNodeNotFound is returned when a node_id has no configuration record.
var ErrNodeNotFound = gpterrors.New("registry", gpterrors.CategoryPolicy, "node not found")

// Metrics are the Prometheus counters/gauges the registry exposes.
type Metrics struct {
	RegistrationsTotal *prometheus.CounterVec
	HeartbeatsTotal    *prometheus.CounterVec
	ActiveNodes        prometheus.Gauge
	LivenessEvictions  prometheus.Counter
}

// NewMetrics registers the registry's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegistrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpt_index_registrations_total",
			Help: "Registration attempts by outcome.",
		}, []string{"outcome"}),
		HeartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpt_index_heartbeats_total",
			Help: "Heartbeats by resulting command.",
		}, []string{"command"}),
		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpt_index_active_nodes",
			Help: "Nodes currently in the Active lifecycle state.",
		}),
		LivenessEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpt_index_liveness_evictions_total",
			Help: "Nodes scrubbed by the liveness sweep for a missed heartbeat deadline.",
		}),
	}
	reg.MustRegister(m.RegistrationsTotal, m.HeartbeatsTotal, m.ActiveNodes, m.LivenessEvictions)
	return m
}

// Registry is the stateful authority for node configuration, attestation
// adjudication, and lifecycle transitions. A single Registry instance
// serializes every write path (register/heartbeat/unregister/evict)
// behind one mutex: the store itself only guards individual map
// accesses, but the adjudication sequence (index lookup, node-state
// check, chain verify, commit) must run as one unit.
type Registry struct {
	store Store
	roots *attestation.TrustedRoots
	log   zerolog.Logger
	mu    sync.Mutex

	metrics         *Metrics
	livenessTimeout time.Duration
}

// NewRegistry constructs a Registry against store, verifying attestation
// chains against roots.
func NewRegistry(store Store, roots *attestation.TrustedRoots, log zerolog.Logger, metrics *Metrics, livenessTimeout time.Duration) *Registry {
	return &Registry{
		store:           store,
		roots:           roots,
		log:             log,
		metrics:         metrics,
		livenessTimeout: livenessTimeout,
	}
}

// RegisterNode implements the registration adjudication: replay window,
// principal-uniqueness eviction, target-state check, measurement-list
// presence, chain/signature verification, nonce recomputation,
// measurement allow-list lookup, chip-ID binding, and finally commit.
func (r *Registry) RegisterNode(ctx context.Context, req RegisterRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.CallerPrincipal == "" {
		return gpterrors.New("registry", gpterrors.CategoryPolicy, "anonymous caller is not permitted to register")
	}
	if req.PublicKey == "" {
		return gpterrors.New("registry", gpterrors.CategoryConfiguration, "node public key is required for registration")
	}

	policy, err := r.store.GetPolicy(ctx)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "policy_fetch", err)
	}

	// Step 1: replay protection on the attestation timestamp. This runs
	// before any state is touched so a stale request cannot evict a live
	// session on its way to being rejected.
	if policy.MaxAttestationAge > 0 {
		age := absDuration(time.Since(req.Timestamp))
		if age > policy.MaxAttestationAge {
			return gpterrors.New("registry", gpterrors.CategoryPolicy,
				fmt.Sprintf("attestation timestamp too old or in future: age %s exceeds maximum %s", age, policy.MaxAttestationAge))
		}
	}

	// Step 2: enforce principal uniqueness. If this principal currently
	// owns a different node, scrub that node's session first so it
	// cannot linger as a zombie.
	if oldID, ok, err := r.store.LookupPrincipal(ctx, req.CallerPrincipal); err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "principal_lookup", err)
	} else if ok && oldID != req.NodeID {
		r.log.Info().Uint64("old_node_id", oldID).Uint64("new_node_id", req.NodeID).
			Str("principal", req.CallerPrincipal).
			Msg("principal already bound to another node; deactivating old session before registering")
		if err := r.deactivateLocked(ctx, oldID); err != nil && !isNotFound(err) {
			return err
		}
	}

	// Step 3: target node must be configured, and either Inactive or
	// already owned by this same principal (a restart).
	node, ok, err := r.store.GetNode(ctx, req.NodeID)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_fetch", err)
	}
	if !ok {
		return ErrNodeNotFound
	}
	canRegister := node.Lifecycle == LifecycleInactive || node.NodePrincipal == req.CallerPrincipal
	if !canRegister {
		return gpterrors.New("registry", gpterrors.CategoryPolicy,
			fmt.Sprintf("node %d is currently active with a different controller", req.NodeID))
	}

	// Step 4: an empty measurement allow-list disables registration
	// outright.
	measurements, err := r.store.ListMeasurements(ctx)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "measurement_list", err)
	}
	if len(measurements) == 0 {
		return gpterrors.New("registry", gpterrors.CategoryPolicy, "no active attestation measurements configured; registration is disabled")
	}

	// Step 5-6: parse certificates and the report, recompute the replay
	// nonce, and verify the chain/signature/content policy.
	report, generation, err := r.verifyEvidence(req, policy)
	if err != nil {
		return err
	}

	// Step 7: the reported measurement must be present and Active.
	reportedHex := attestation.MeasurementHex(report)
	entry, found := findMeasurement(measurements, reportedHex)
	if !found {
		return gpterrors.New("registry", gpterrors.CategoryPolicy,
			fmt.Sprintf("measurement %s not found in allowed registry", reportedHex))
	}
	if entry.Status != MeasurementActive {
		return gpterrors.New("registry", gpterrors.CategoryPolicy,
			fmt.Sprintf("measurement %s is %s; registration rejected", reportedHex, entry.Status))
	}

	// Step 8: hardware binding. The reported chip ID must match the
	// chip ID this node_id was provisioned against.
	reportedChipHex := hex.EncodeToString(report.ChipID[:])
	if !hexEqualFold(reportedChipHex, node.ExpectedChipIDHex) {
		return gpterrors.New("registry", gpterrors.CategoryPolicy,
			"chip ID mismatch between configuration and attestation report")
	}

	// Step 9: commit.
	now := req.Timestamp
	node.NodePrincipal = req.CallerPrincipal
	node.Lifecycle = LifecycleActive
	node.AuthenticatedMeasurement = reportedHex
	node.AttestationVerifiedAt = &now
	node.LastHeartbeat = &now
	node.PublicKey = req.PublicKey
	node.ReportedTCB = &TCBVersion{
		BootLoader: report.ReportedTCB.BootLoader,
		TEE:        report.ReportedTCB.TEE,
		SNP:        report.ReportedTCB.SNP,
		Microcode:  report.ReportedTCB.Microcode,
		FMC:        report.ReportedTCB.FMC,
	}
	node.ReportedChipIDHex = reportedChipHex
	node.ReportedPlatformInfo = &PlatformInfo{
		SMTEnabled:              report.PlatformInfo.SMTEnabled,
		TSMEEnabled:             report.PlatformInfo.TSMEEnabled,
		ECCEnabled:              report.PlatformInfo.ECCEnabled,
		RAPLDisabled:            report.PlatformInfo.RAPLDisabled,
		CiphertextHidingEnabled: report.PlatformInfo.CiphertextHidingEnabled,
	}
	node.DetectedGeneration = generation

	if err := r.store.PutNode(ctx, node); err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_commit", err)
	}
	if err := r.store.IndexPrincipal(ctx, req.CallerPrincipal, req.NodeID); err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "principal_index", err)
	}

	r.log.Info().Uint64("node_id", req.NodeID).Str("principal", req.CallerPrincipal).
		Str("generation", generation).Str("measurement", reportedHex).
		Msg("node registered and activated")
	if r.metrics != nil {
		r.metrics.RegistrationsTotal.WithLabelValues("success").Inc()
	}
	return nil
}

// verifyEvidence recomputes the expected replay nonce and runs the chain,
// signature, and content-policy checks against the certificates and
// report the caller presented.
func (r *Registry) verifyEvidence(req RegisterRequest, policy AttestationPolicy) (*attestation.Report, string, error) {
	// The presented ARK is parsed for well-formedness but never trusted:
	// chain verification below only accepts the built-in roots.
	if _, err := x509.ParseCertificate(req.ArkDER); err != nil {
		return nil, "", gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "ark_parse", err)
	}
	ask, err := x509.ParseCertificate(req.AskDER)
	if err != nil {
		return nil, "", gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "ask_parse", err)
	}
	vek, err := x509.ParseCertificate(req.VekDER)
	if err != nil {
		return nil, "", gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "vek_parse", err)
	}
	report, err := attestation.ParseReport(req.AttestationReport)
	if err != nil {
		return nil, "", gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "report_parse", err)
	}

	expected := attestation.BuildReportData(req.CallerPrincipal, uint64(req.Timestamp.UnixNano()))
	if report.ReportData != expected {
		return nil, "", gpterrors.New("registry", gpterrors.CategoryPolicy, "report_data does not match expected replay nonce for this principal and timestamp")
	}

	chain, err := attestation.VerifyChain(r.roots, ask, vek)
	if err != nil {
		return nil, "", gpterrors.Wrap("registry", gpterrors.CategoryAttestation, "chain_verify", err)
	}
	if err := attestation.VerifyReportSignature(report, vek); err != nil {
		return nil, "", gpterrors.Wrap("registry", gpterrors.CategoryAttestation, "signature_verify", err)
	}

	attPolicy := ToAttestationPolicy(policy)
	if err := attestation.CheckContent(report, attPolicy, chain.Generation); err != nil {
		return nil, "", gpterrors.Wrap("registry", gpterrors.CategoryAttestation, "content_policy", err)
	}
	if w := attestation.RAPLWarning(report, attPolicy); w != "" {
		r.log.Warn().Uint64("node_id", req.NodeID).Msg(w)
	}

	return report, chain.Generation, nil
}

// Heartbeat implements the measurement-status -> command mapping: Active
// measurements continue the node, Deprecated measurements begin a drain,
// and Revoked or now-unknown measurements abort immediately with an
// inline scrub.
func (r *Registry) Heartbeat(ctx context.Context, callerPrincipal string, now time.Time) (HeartbeatCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeID, ok, err := r.store.LookupPrincipal(ctx, callerPrincipal)
	if err != nil {
		return CommandAbort, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "principal_lookup", err)
	}
	if !ok {
		return CommandAbort, ErrUnauthorized
	}

	node, ok, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return CommandAbort, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_fetch", err)
	}
	if !ok {
		return CommandAbort, ErrNodeNotFound
	}
	if node.NodePrincipal != callerPrincipal {
		return CommandAbort, ErrUnauthorized
	}

	measurements, err := r.store.ListMeasurements(ctx)
	if err != nil {
		return CommandAbort, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "measurement_list", err)
	}

	var command HeartbeatCommand
	var newLifecycle Lifecycle

	entry, found := findMeasurement(measurements, node.AuthenticatedMeasurement)
	switch {
	case !found:
		r.log.Warn().Uint64("node_id", nodeID).Str("measurement", node.AuthenticatedMeasurement).
			Msg("heartbeat: measurement no longer in registry; aborting node")
		newLifecycle, command = LifecycleInactive, CommandAbort
	case entry.Status == MeasurementActive:
		newLifecycle, command = LifecycleActive, CommandContinue
	case entry.Status == MeasurementDeprecated:
		newLifecycle, command = LifecycleDraining, CommandDrainAndShutdown
	default: // MeasurementRevoked
		newLifecycle, command = LifecycleInactive, CommandAbort
	}

	if command == CommandAbort {
		node.scrub()
		if err := r.store.PutNode(ctx, node); err != nil {
			return CommandAbort, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_commit", err)
		}
		if err := r.store.UnindexPrincipal(ctx, callerPrincipal); err != nil {
			return CommandAbort, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "principal_unindex", err)
		}
	} else {
		node.Lifecycle = newLifecycle
		node.LastHeartbeat = &now
		if err := r.store.PutNode(ctx, node); err != nil {
			return command, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_commit", err)
		}
	}

	if r.metrics != nil {
		r.metrics.HeartbeatsTotal.WithLabelValues(command.String()).Inc()
	}
	return command, nil
}

// Unregister deactivates the node currently bound to callerPrincipal.
func (r *Registry) Unregister(ctx context.Context, callerPrincipal string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeID, ok, err := r.store.LookupPrincipal(ctx, callerPrincipal)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "principal_lookup", err)
	}
	if !ok {
		return ErrNodeNotFound
	}
	return r.deactivateLocked(ctx, nodeID)
}

// deactivateLocked scrubs node nodeID's session state and removes its
// principal-index entry. Callers must hold r.mu.
func (r *Registry) deactivateLocked(ctx context.Context, nodeID uint64) error {
	node, ok, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_fetch", err)
	}
	if !ok {
		return ErrNodeNotFound
	}
	principal := node.NodePrincipal
	node.scrub()
	if err := r.store.PutNode(ctx, node); err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_commit", err)
	}
	if principal != "" {
		if err := r.store.UnindexPrincipal(ctx, principal); err != nil {
			return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "principal_unindex", err)
		}
	}
	return nil
}

// GetNodeConfig returns the node's private configuration, only to the
// principal currently bound to it.
func (r *Registry) GetNodeConfig(ctx context.Context, callerPrincipal string) (NodeConfig, error) {
	nodeID, ok, err := r.store.LookupPrincipal(ctx, callerPrincipal)
	if err != nil {
		return NodeConfig{}, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "principal_lookup", err)
	}
	if !ok {
		return NodeConfig{}, ErrUnauthorized
	}
	node, ok, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return NodeConfig{}, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_fetch", err)
	}
	if !ok || node.NodePrincipal != callerPrincipal {
		return NodeConfig{}, ErrUnauthorized
	}
	return NodeConfig{
		Hostname:        node.Hostname,
		ModelID:         node.ModelID,
		EncryptedAPIKey: node.EncryptedAPIKey,
	}, nil
}

// GetProvisioningInfo returns the anonymous, public-facing view of a node
// consumed by the host's routing-table builder.
func (r *Registry) GetProvisioningInfo(ctx context.Context, nodeID uint64) (ProvisioningInfo, error) {
	node, ok, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return ProvisioningInfo{}, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_fetch", err)
	}
	if !ok {
		return ProvisioningInfo{}, ErrNodeNotFound
	}
	return ProvisioningInfo{
		Hostname: node.Hostname,
		ModelID:  node.ModelID,
		Owner:    node.OwnerPrincipal,
		IsActive: node.Lifecycle == LifecycleActive,
	}, nil
}

// AddMeasurement adds or replaces an entry in the measurement allow-list.
func (r *Registry) AddMeasurement(ctx context.Context, measurementHex, name string, status MeasurementStatus, now time.Time) error {
	existing, found, err := r.store.GetMeasurement(ctx, measurementHex)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "measurement_fetch", err)
	}
	createdAt := now
	if found {
		createdAt = existing.CreatedAt
	}
	return r.store.PutMeasurement(ctx, &MeasurementEntry{
		Hex: measurementHex, Name: name, Status: status, CreatedAt: createdAt, UpdatedAt: now,
	})
}

// UpdateMeasurementStatus transitions an existing measurement's status.
func (r *Registry) UpdateMeasurementStatus(ctx context.Context, measurementHex string, status MeasurementStatus, now time.Time) error {
	entry, found, err := r.store.GetMeasurement(ctx, measurementHex)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "measurement_fetch", err)
	}
	if !found {
		return gpterrors.New("registry", gpterrors.CategoryConfiguration, fmt.Sprintf("measurement %s not found", measurementHex))
	}
	entry.Status = status
	entry.UpdatedAt = now
	return r.store.PutMeasurement(ctx, entry)
}

// RemoveMeasurement deletes a measurement from the allow-list outright.
func (r *Registry) RemoveMeasurement(ctx context.Context, measurementHex string) error {
	return r.store.DeleteMeasurement(ctx, measurementHex)
}

// UpdateAttestationPolicy replaces the active policy wholesale.
func (r *Registry) UpdateAttestationPolicy(ctx context.Context, policy AttestationPolicy) error {
	return r.store.PutPolicy(ctx, policy)
}

// CreateNode provisions a new Inactive node record owned by
// ownerPrincipal. The owner chooses the hostname, model, encrypted API
// key ciphertext, and the chip ID this node_id is permanently bound to;
// the node starts Inactive and only becomes Active through a successful
// RegisterNode.
func (r *Registry) CreateNode(ctx context.Context, ownerPrincipal, hostname, modelID string, encryptedAPIKey []byte, expectedChipIDHex string) (uint64, error) {
	if ownerPrincipal == "" {
		return 0, gpterrors.New("registry", gpterrors.CategoryPolicy, "anonymous caller is not permitted to create a node")
	}
	if hostname == "" {
		return 0, gpterrors.New("registry", gpterrors.CategoryConfiguration, "hostname is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nodeID, err := r.store.NextNodeID(ctx)
	if err != nil {
		return 0, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_id_allocate", err)
	}
	node := &Node{
		NodeID:            nodeID,
		OwnerPrincipal:    ownerPrincipal,
		Hostname:          hostname,
		ModelID:           modelID,
		EncryptedAPIKey:   encryptedAPIKey,
		ExpectedChipIDHex: expectedChipIDHex,
		Lifecycle:         LifecycleInactive,
		CreatedAt:         time.Now(),
	}
	if err := r.store.PutNode(ctx, node); err != nil {
		return 0, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_commit", err)
	}
	r.log.Info().Uint64("node_id", nodeID).Str("owner", ownerPrincipal).Str("hostname", hostname).
		Msg("node created")
	return nodeID, nil
}

// ListNodesByOwner returns every node record owned by ownerPrincipal.
func (r *Registry) ListNodesByOwner(ctx context.Context, ownerPrincipal string) ([]*Node, error) {
	all, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "node_list", err)
	}
	out := make([]*Node, 0, len(all))
	for _, n := range all {
		if n.OwnerPrincipal == ownerPrincipal {
			out = append(out, n)
		}
	}
	return out, nil
}

// IsManager reports whether principal is currently in the manager set.
func (r *Registry) IsManager(ctx context.Context, principal string) (bool, error) {
	managers, err := r.store.ListManagers(ctx)
	if err != nil {
		return false, gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "manager_list", err)
	}
	for _, m := range managers {
		if m == principal {
			return true, nil
		}
	}
	return false, nil
}

// ClaimManagerRole lets principal become the first manager, gated solely
// by the manager set being empty. The check-then-insert happens while
// holding r.mu, making the read of ListManagers and the subsequent
// PutManagers a single atomic unit with respect to every other write
// path on this Registry instance. The claim can only ever succeed once.
func (r *Registry) ClaimManagerRole(ctx context.Context, principal string) error {
	if principal == "" {
		return gpterrors.New("registry", gpterrors.CategoryPolicy, "anonymous caller cannot claim the manager role")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	managers, err := r.store.ListManagers(ctx)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "manager_list", err)
	}
	if len(managers) > 0 {
		return gpterrors.New("registry", gpterrors.CategoryPolicy, "manager role has already been claimed")
	}
	if err := r.store.PutManagers(ctx, []string{principal}); err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "manager_commit", err)
	}
	r.log.Info().Str("principal", principal).Msg("manager role claimed")
	return nil
}

// AddManager adds target to the manager set. callerPrincipal must
// already be a manager.
func (r *Registry) AddManager(ctx context.Context, callerPrincipal, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	managers, err := r.store.ListManagers(ctx)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "manager_list", err)
	}
	if !containsString(managers, callerPrincipal) {
		return gpterrors.New("registry", gpterrors.CategoryPolicy, "caller is not a manager")
	}
	if containsString(managers, target) {
		return nil
	}
	if err := r.store.PutManagers(ctx, append(managers, target)); err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "manager_commit", err)
	}
	r.log.Info().Str("caller", callerPrincipal).Str("added", target).Msg("manager added")
	return nil
}

// RemoveManager removes target from the manager set. callerPrincipal
// must already be a manager.
func (r *Registry) RemoveManager(ctx context.Context, callerPrincipal, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	managers, err := r.store.ListManagers(ctx)
	if err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "manager_list", err)
	}
	if !containsString(managers, callerPrincipal) {
		return gpterrors.New("registry", gpterrors.CategoryPolicy, "caller is not a manager")
	}
	remaining := make([]string, 0, len(managers))
	for _, m := range managers {
		if m != target {
			remaining = append(remaining, m)
		}
	}
	if err := r.store.PutManagers(ctx, remaining); err != nil {
		return gpterrors.Wrap("registry", gpterrors.CategoryConfiguration, "manager_commit", err)
	}
	r.log.Info().Str("caller", callerPrincipal).Str("removed", target).Msg("manager removed")
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ToAttestationPolicy converts the registry's mutable AttestationPolicy
// into the attestation package's verification Policy, reused by both
// RegisterNode and any client fetching the effective policy to attest
// against locally.
func ToAttestationPolicy(p AttestationPolicy) attestation.Policy {
	per := make(map[string]attestation.GenerationTCBPolicy, len(p.PerGeneration))
	for gen, floor := range p.PerGeneration {
		per[gen] = attestation.GenerationTCBPolicy{
			MinTCB: attestation.TCBVersion{
				BootLoader: floor.BootLoader,
				TEE:        floor.TEE,
				SNP:        floor.SNP,
				Microcode:  floor.Microcode,
				FMC:        floor.FMC,
				HasFMC:     floor.HasFMC,
			},
			MinGuestSVN: floor.MinGuestSVN,
		}
	}
	return attestation.Policy{
		MinReportVersion:               p.MinReportVersion,
		PerGeneration:                  per,
		RequireSMTDisabled:             p.RequireSMTDisabled,
		RequireTSMEDisabled:            p.RequireTSMEDisabled,
		RequireECCEnabled:              p.RequireECCEnabled,
		RequireRAPLDisabled:            p.RequireRAPLDisabled,
		RequireCiphertextHidingEnabled: p.RequireCiphertextHidingEnabled,
		ExpectedMeasurementLen:         p.ExpectedMeasurementLen,
	}
}

func findMeasurement(entries []*MeasurementEntry, measurementHex string) (*MeasurementEntry, bool) {
	for _, e := range entries {
		if hexEqualFold(e.Hex, measurementHex) {
			return e, true
		}
	}
	return nil, false
}

func hexEqualFold(a, b string) bool {
	return len(a) == len(b) && equalFold(a, b)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func isNotFound(err error) bool {
	return err == ErrNodeNotFound
}
