package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onecompany/gpt/internal/gptlog"
	"github.com/onecompany/gpt/pkg/launch"
	"github.com/onecompany/gpt/pkg/routing"
)

const (
	FlagLaunchNodeID = "node-id"
	FlagOVMFPath     = "ovmf-path"
	FlagKernelPath   = "kernel-path"
	FlagInitrdPath   = "initrd-path"
)

func launchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Allocate a port and exec the SEV-SNP hypervisor for one node VM",
		Long: `launch assigns node-id its systemd-unit port (reusing one already
recorded for an existing unit), ensures the VM firmware/kernel/initrd are
cached on disk, then replaces the current process with qemu-system-x86_64.
It is meant to run as a gpt_node_{id}.service ExecStart, not interactively.`,
		RunE: runLaunch,
	}
	cmd.Flags().Uint64(FlagLaunchNodeID, 0, "Node ID to launch")
	cmd.Flags().String(FlagOVMFPath, "/usr/share/gpt-host/OVMF.fd", "Path to the SEV-SNP-capable OVMF firmware image")
	cmd.Flags().String(FlagKernelPath, "/usr/share/gpt-host/vmlinuz", "Path to the guest kernel image")
	cmd.Flags().String(FlagInitrdPath, "/usr/share/gpt-host/initrd.gz", "Path to the guest initrd image")
	_ = cmd.MarkFlagRequired(FlagLaunchNodeID)

	// node-id is deliberately not viper-bound: "node add" carries a flag
	// with the same name, and two subcommands binding one viper key would
	// shadow each other. It is read straight off the flag set instead.
	for _, name := range []string{FlagOVMFPath, FlagKernelPath, FlagInitrdPath} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func runLaunch(cmd *cobra.Command, args []string) error {
	log := gptlog.New("gpt-host.launch", gptlog.Config{
		Level: viper.GetString(FlagLogLevel), Pretty: viper.GetBool(FlagLogPretty),
	})

	nodeID, err := cmd.Flags().GetUint64(FlagLaunchNodeID)
	if err != nil {
		return err
	}
	port, err := routing.AllocatePort(nodeID)
	if err != nil {
		return fmt.Errorf("allocate port: %w", err)
	}
	log.Info().Uint64("node_id", nodeID).Uint16("host_port", port).Msg("port assigned")

	ovmf, err := os.ReadFile(viper.GetString(FlagOVMFPath))
	if err != nil {
		return fmt.Errorf("read ovmf firmware: %w", err)
	}
	kernel, err := os.ReadFile(viper.GetString(FlagKernelPath))
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}
	initrd, err := os.ReadFile(viper.GetString(FlagInitrdPath))
	if err != nil {
		return fmt.Errorf("read initrd image: %w", err)
	}

	opts := launch.Options{
		NodeID:    nodeID,
		HostPort:  port,
		SeedPath:  viper.GetString(FlagSeedPath),
		AssetRoot: viper.GetString(FlagAssetRoot),
		Assets:    launch.AssetSet{OVMF: ovmf, Kernel: kernel, Initrd: initrd},
	}
	// launch.Run replaces this process image on success; it only returns
	// on failure.
	return launch.Run(log, opts)
}
