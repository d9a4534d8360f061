// Package main implements the gpt-host CLI: the operator-facing tool for
// provisioning a confidential-compute host, launching node VMs, and
// running the supporting routing daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	FlagSeedPath  = "seed-path"
	FlagAssetRoot = "asset-root"
	FlagLogLevel  = "log-level"
	FlagLogPretty = "log-pretty"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "gpt-host",
		Short: "Confidential-compute host provisioning and node-launch CLI",
		Long: `gpt-host manages one physical host in the node fleet: it generates
and stores the host's identity seed, launches SEV-SNP confidential node
VMs, and runs the routing/proxy daemon that fronts them.`,
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

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gpt/gpt-host.yaml)")
	rootCmd.PersistentFlags().String(FlagSeedPath, "", "Path to the host identity seed file (default: /etc/gpt_host/host_seed.bin)")
	rootCmd.PersistentFlags().String(FlagAssetRoot, "", "Root directory for cached VM assets (default: /var/lib/gpt_host/assets)")
	rootCmd.PersistentFlags().String(FlagLogLevel, "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool(FlagLogPretty, true, "Use human-readable console log output instead of JSON")

	for _, name := range []string{FlagSeedPath, FlagAssetRoot, FlagLogLevel, FlagLogPretty} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(launchCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(routerCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home + "/.gpt")
		viper.SetConfigType("yaml")
		viper.SetConfigName("gpt-host")
	}
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GPT_HOST")
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}
