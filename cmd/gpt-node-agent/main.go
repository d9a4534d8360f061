// Package main implements the gpt-node-agent guest CLI.
//
// gpt-node-agent runs inside the confidential VM: it derives this node's
// identity from the host-data baked into its own attestation report,
// registers with gpt-index, then heartbeats until told to drain or abort.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onecompany/gpt/internal/gptlog"
	"github.com/onecompany/gpt/internal/memzero"
	"github.com/onecompany/gpt/pkg/apikey"
	"github.com/onecompany/gpt/pkg/attestation"
	"github.com/onecompany/gpt/pkg/heartbeat"
	"github.com/onecompany/gpt/pkg/identity"
	"github.com/onecompany/gpt/pkg/registry"
	"github.com/onecompany/gpt/pkg/seed"
)

const (
	FlagIndexURL  = "index-url"
	FlagKdsURL    = "kds-url"
	FlagArkDir    = "ark-dir"
	FlagLogLevel  = "log-level"
	FlagLogPretty = "log-pretty"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "gpt-node-agent",
		Short: "Guest-side attestation, registration, and heartbeat agent",
		RunE:  runAgent,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gpt/gpt-node-agent.yaml)")
	rootCmd.PersistentFlags().String(FlagIndexURL, "http://10.0.2.2:8090", "gpt-index base URL, reachable via the host's hostfwd NAT")
	rootCmd.PersistentFlags().String(FlagKdsURL, "https://kdsintf.amd.com", "AMD Key Distribution Service base URL")
	rootCmd.PersistentFlags().String(FlagArkDir, "/etc/gpt/ark", "Directory containing per-generation ARK DER certificates")
	rootCmd.PersistentFlags().String(FlagLogLevel, "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool(FlagLogPretty, false, "Use human-readable console log output instead of JSON")

	for _, name := range []string{FlagIndexURL, FlagKdsURL, FlagArkDir, FlagLogLevel, FlagLogPretty} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home + "/.gpt")
		viper.SetConfigType("yaml")
		viper.SetConfigName("gpt-node-agent")
	}
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GPT_NODE_AGENT")
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	log := gptlog.New("gpt-node-agent", gptlog.Config{
		Level:  viper.GetString(FlagLogLevel),
		Pretty: viper.GetBool(FlagLogPretty),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	device := &attestation.GuestDevice{}
	roots, err := attestation.LoadTrustedRootsFromDir(viper.GetString(FlagArkDir))
	if err != nil {
		return fmt.Errorf("load trusted roots: %w", err)
	}

	// The boot session is this guest's caller identity: a fresh signing
	// keypair (the principal) plus a fresh X25519 recipient keypair
	// published at registration. Generated anew every boot; the
	// persistent seed-derived host identity below is never used as a
	// caller identity, only to decrypt the registry-supplied API key.
	session, err := identity.NewSession()
	if err != nil {
		return fmt.Errorf("generate boot session identity: %w", err)
	}
	defer session.Zero()

	registryClient := heartbeat.NewHTTPClient(viper.GetString(FlagIndexURL), heartbeat.AttemptTimeout, session)
	remotePolicy, err := registryClient.GetPolicy(ctx)
	if err != nil {
		return fmt.Errorf("fetch attestation policy: %w", err)
	}

	pipeline := &attestation.Pipeline{
		Source: device,
		KDS:    attestation.NewKDSClient(viper.GetString(FlagKdsURL)),
		Roots:  roots,
		Policy: registry.ToAttestationPolicy(remotePolicy),
		Log:    log,
	}

	nodeID, hostIdentity, err := bootstrapIdentity(ctx, device)
	if err != nil {
		return fmt.Errorf("bootstrap identity from host-data: %w", err)
	}
	defer hostIdentity.Zero()
	log.Info().Uint64("node_id", nodeID).Str("principal", session.Principal).
		Msg("node id recovered from host-data, boot session generated")

	now := time.Now()
	evidence, err := pipeline.Run(ctx, session.Principal, uint64(now.UnixNano()))
	if err != nil {
		return fmt.Errorf("run attestation pipeline: %w", err)
	}

	recipient, err := session.Recipient()
	if err != nil {
		return fmt.Errorf("encode session recipient key: %w", err)
	}
	registerReq := registry.RegisterRequest{
		NodeID:            nodeID,
		AttestationReport: evidence.Report.Raw,
		ArkDER:            evidence.Chain.Root.Raw,
		AskDER:            evidence.Chain.Intermediate.Raw,
		VekDER:            evidence.Chain.Endorsement.Raw,
		Timestamp:         now,
		PublicKey:         recipient,
	}
	if err := registryClient.Register(ctx, nodeID, registerReq); err != nil {
		return fmt.Errorf("register with index: %w", err)
	}
	log.Info().Msg("registered with index")

	nodeConfig, err := registryClient.GetNodeConfig(ctx)
	if err != nil {
		return fmt.Errorf("fetch node config: %w", err)
	}
	apiKey, err := apikey.DecryptWithIdentity(hostIdentity.Secret, nodeConfig.EncryptedAPIKey)
	if err != nil {
		return fmt.Errorf("decrypt provider API key: %w", err)
	}
	defer memzero.Bytes(apiKey)
	log.Info().Str("hostname", nodeConfig.Hostname).Str("model_id", nodeConfig.ModelID).
		Msg("provider API key decrypted; ready to serve inference traffic")

	gate := heartbeat.NewGate()
	loop := &heartbeat.Loop{
		Client: registryClient,
		Gate:   gate,
		Log:    log,
	}

	reason := loop.Run(ctx)
	log.Info().Str("reason", reason.String()).Msg("heartbeat loop stopped")

	switch reason {
	case heartbeat.ReasonDrain:
		drainCtx, cancel := context.WithTimeout(context.Background(), heartbeat.GracePeriod+5*time.Second)
		defer cancel()
		heartbeat.WaitForDrain(drainCtx, gate, log)
		_ = registryClient.Unregister(drainCtx)
	}

	// A clean drain exits 0, but Abort must exit non-zero so the service
	// manager does not treat a revoked node as a routine shutdown.
	if reason == heartbeat.ReasonAbort {
		return fmt.Errorf("node aborted: registry revoked this node's measurement or principal")
	}
	return nil
}

// bootstrapIdentity acquires one attestation report with an all-zero
// nonce purely to recover the host-data block the host baked in at
// launch; it never needs to be itself verified since it is only used to
// discover the (node_id, identity) that the real, principal-bound
// pipeline run authenticates next.
func bootstrapIdentity(ctx context.Context, source attestation.ReportSource) (uint64, seed.Identity, error) {
	var zero [attestation.ReportDataSize]byte
	raw, err := source.GetReport(ctx, zero)
	if err != nil {
		return 0, seed.Identity{}, err
	}
	report, err := attestation.ParseReport(raw)
	if err != nil {
		return 0, seed.Identity{}, err
	}
	return attestation.ExtractHostIdentity(report)
}
