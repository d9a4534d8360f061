// Package registry implements the fleet's stateful authority: the
// authoritative node and measurement tables, the caller-principal <->
// node-id index, and the registration/heartbeat/liveness RPCs that
// drive the node lifecycle state machine.
package registry

import (
	"fmt"
	"time"
)

// Lifecycle is a node's place in the
// Inactive -> Active -> Draining -> Inactive state machine.
type Lifecycle int

const (
	LifecycleInactive Lifecycle = iota
	LifecycleActive
	LifecycleDraining
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleActive:
		return "Active"
	case LifecycleDraining:
		return "Draining"
	default:
		return "Inactive"
	}
}

// MeasurementStatus is the trust status of a measurement in the
// allow-list.
type MeasurementStatus int

const (
	MeasurementActive MeasurementStatus = iota
	MeasurementDeprecated
	MeasurementRevoked
)

func (s MeasurementStatus) String() string {
	switch s {
	case MeasurementDeprecated:
		return "Deprecated"
	case MeasurementRevoked:
		return "Revoked"
	default:
		return "Active"
	}
}

// MeasurementEntry is one entry in the global measurement allow-list.
type MeasurementEntry struct {
	Hex       string
	Name      string
	Status    MeasurementStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GenerationTCBFloor is the minimum TCB and guest SVN for one CPU
// generation, mirroring attestation.GenerationTCBPolicy as the registry's
// own stored policy type; ToAttestationPolicy converts it for
// verification.
type GenerationTCBFloor struct {
	BootLoader  uint8
	TEE         uint8
	SNP         uint8
	Microcode   uint8
	FMC         uint8
	HasFMC      bool
	MinGuestSVN uint32
}

// AttestationPolicy is the mutable policy the registry enforces during
// registration, and that it serves read-only to the guest's setup
// requirements query.
type AttestationPolicy struct {
	MinReportVersion               uint32
	PerGeneration                  map[string]GenerationTCBFloor
	RequireSMTDisabled             bool
	RequireTSMEDisabled            bool
	RequireECCEnabled              bool
	RequireRAPLDisabled            bool
	RequireCiphertextHidingEnabled bool
	ExpectedMeasurementLen         int
	MaxAttestationAge              time.Duration
}

// TCBVersion is the TCB a node last reported, persisted for diagnostics
// and policy re-evaluation.
type TCBVersion struct {
	BootLoader uint8
	TEE        uint8
	SNP        uint8
	Microcode  uint8
	FMC        uint8
}

// PlatformInfo is the platform-info bitmap a node last reported.
type PlatformInfo struct {
	SMTEnabled              bool
	TSMEEnabled             bool
	ECCEnabled              bool
	RAPLDisabled            bool
	CiphertextHidingEnabled bool
}

// Node is the authoritative record for one fleet node.
type Node struct {
	NodeID            uint64
	OwnerPrincipal    string
	NodePrincipal     string // empty when no session is bound
	Hostname          string
	ModelID           string
	EncryptedAPIKey   []byte
	ExpectedChipIDHex string

	Lifecycle Lifecycle

	AuthenticatedMeasurement string
	ReportedTCB              *TCBVersion
	ReportedChipIDHex        string
	ReportedPlatformInfo     *PlatformInfo
	DetectedGeneration       string
	PublicKey                string

	AttestationVerifiedAt *time.Time
	LastHeartbeat         *time.Time
	CreatedAt             time.Time
}

// scrub clears every piece of session-derived data, returning the node
// to a configuration-only record.
func (n *Node) scrub() {
	n.Lifecycle = LifecycleInactive
	n.NodePrincipal = ""
	n.PublicKey = ""
	n.AuthenticatedMeasurement = ""
	n.AttestationVerifiedAt = nil
	n.LastHeartbeat = nil
	n.ReportedTCB = nil
	n.ReportedChipIDHex = ""
	n.ReportedPlatformInfo = nil
	n.DetectedGeneration = ""
}

// NodeConfig is the response to get_node_config: only available to the
// node's currently bound principal.
type NodeConfig struct {
	Hostname        string
	ModelID         string
	EncryptedAPIKey []byte
}

// ProvisioningInfo is the anonymous, public-facing view of a node used by
// the host's routing-table builder.
type ProvisioningInfo struct {
	Hostname string
	ModelID  string
	Owner    string
	IsActive bool
}

// HeartbeatCommand is what the registry tells a node to do in response
// to a heartbeat.
type HeartbeatCommand int

const (
	CommandContinue HeartbeatCommand = iota
	CommandDrainAndShutdown
	CommandAbort
)

func (c HeartbeatCommand) String() string {
	switch c {
	case CommandDrainAndShutdown:
		return "DrainAndShutdown"
	case CommandAbort:
		return "Abort"
	default:
		return "Continue"
	}
}

// ParseHeartbeatCommand parses the wire form written by String, for
// guest-side clients decoding a heartbeat response.
func ParseHeartbeatCommand(s string) (HeartbeatCommand, error) {
	switch s {
	case "Continue":
		return CommandContinue, nil
	case "DrainAndShutdown":
		return CommandDrainAndShutdown, nil
	case "Abort":
		return CommandAbort, nil
	default:
		return CommandContinue, fmt.Errorf("unknown heartbeat command %q", s)
	}
}

// RegisterRequest is the input to RegisterNode. CallerPrincipal is
// never taken from the wire payload: the HTTP layer fills it with the
// principal whose signature it verified on the request.
type RegisterRequest struct {
	NodeID            uint64
	CallerPrincipal   string
	AttestationReport []byte
	ArkDER            []byte
	AskDER            []byte
	VekDER            []byte
	Timestamp         time.Time
	PublicKey         string
}
