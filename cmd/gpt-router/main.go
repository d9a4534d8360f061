// Package main implements the gpt-router reverse-proxy daemon CLI.
//
// gpt-router watches the host's gpt_node_{id}.service units, resolves
// their hostnames against gpt-index, and reverse-proxies (HTTP and
// WebSocket) inbound traffic to whichever local port a node is bound to.
// It is the same implementation cmd/gpt-host's "router" subcommand
// invokes; this binary exists as its own standalone systemd unit so the
// proxy can be managed independently of the rest of the host CLI.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onecompany/gpt/internal/gptlog"
	"github.com/onecompany/gpt/pkg/routing"
)

const (
	FlagListenAddr  = "listen"
	FlagIndexURL    = "index-url"
	FlagReadTimeout = "read-timeout"
	FlagIdleTimeout = "idle-timeout"
	FlagLogLevel    = "log-level"
	FlagLogPretty   = "log-pretty"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "gpt-router",
		Short: "Reverse proxy and routing daemon for the node fleet",
		RunE:  runServe,
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

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gpt/gpt-router.yaml)")
	rootCmd.PersistentFlags().String(FlagListenAddr, ":443", "Public HTTP/WebSocket listen address")
	rootCmd.PersistentFlags().String(FlagIndexURL, "http://127.0.0.1:8090", "gpt-index base URL, for provisioning lookups")
	rootCmd.PersistentFlags().Duration(FlagReadTimeout, 30*time.Second, "HTTP read timeout")
	rootCmd.PersistentFlags().Duration(FlagIdleTimeout, 120*time.Second, "HTTP idle timeout")
	rootCmd.PersistentFlags().String(FlagLogLevel, "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool(FlagLogPretty, false, "Use human-readable console log output instead of JSON")

	for _, name := range []string{FlagListenAddr, FlagIndexURL, FlagReadTimeout, FlagIdleTimeout, FlagLogLevel, FlagLogPretty} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home + "/.gpt")
		viper.SetConfigType("yaml")
		viper.SetConfigName("gpt-router")
	}
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GPT_ROUTER")
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log := gptlog.New("gpt-router", gptlog.Config{
		Level:  viper.GetString(FlagLogLevel),
		Pretty: viper.GetBool(FlagLogPretty),
	})

	port, err := portFromAddr(viper.GetString(FlagListenAddr))
	if err != nil {
		return fmt.Errorf("parse %s: %w", FlagListenAddr, err)
	}

	cfg := routing.DaemonConfig{
		Port:         port,
		IndexBaseURL: viper.GetString(FlagIndexURL),
		ReadTimeout:  viper.GetDuration(FlagReadTimeout),
		WriteTimeout: viper.GetDuration(FlagReadTimeout),
		IdleTimeout:  viper.GetDuration(FlagIdleTimeout),
	}
	return routing.Serve(context.Background(), cfg, log)
}

// portFromAddr extracts the numeric port from a "[host]:port" listen
// address; routing.DaemonConfig binds on all interfaces at a single port.
func portFromAddr(addr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}
