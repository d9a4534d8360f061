package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onecompany/gpt/internal/gptlog"
	"github.com/onecompany/gpt/pkg/routing"
)

const (
	FlagRouterPort        = "port"
	FlagRouterIndexURL    = "index-url"
	FlagRouterReadTimeout = "read-timeout"
	FlagRouterIdleTimeout = "idle-timeout"
)

func routerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Start the reverse-proxy/routing daemon in the foreground",
		Long: `router runs the same daemon as the standalone gpt-router binary: it
watches this host's gpt_node_{id}.service units, resolves their hostnames
against gpt-index, and reverse-proxies inbound traffic to whichever port
each node is bound to. Exposed here too so an operator managing a host
entirely through gpt-host never needs a second binary.`,
		RunE: runRouter,
	}
	cmd.Flags().Uint16(FlagRouterPort, 443, "Public listen port")
	cmd.Flags().String(FlagRouterIndexURL, "http://127.0.0.1:8090", "gpt-index base URL")
	cmd.Flags().Duration(FlagRouterReadTimeout, 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration(FlagRouterIdleTimeout, 120*time.Second, "HTTP idle timeout")

	for _, name := range []string{FlagRouterPort, FlagRouterIndexURL, FlagRouterReadTimeout, FlagRouterIdleTimeout} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func runRouter(cmd *cobra.Command, args []string) error {
	log := gptlog.New("gpt-host.router", gptlog.Config{
		Level: viper.GetString(FlagLogLevel), Pretty: viper.GetBool(FlagLogPretty),
	})

	port := viper.GetUint32(FlagRouterPort)
	if port == 0 || port > 65535 {
		return fmt.Errorf("invalid %s: %d", FlagRouterPort, port)
	}

	cfg := routing.DaemonConfig{
		Port:         uint16(port),
		IndexBaseURL: viper.GetString(FlagRouterIndexURL),
		ReadTimeout:  viper.GetDuration(FlagRouterReadTimeout),
		WriteTimeout: viper.GetDuration(FlagRouterReadTimeout),
		IdleTimeout:  viper.GetDuration(FlagRouterIdleTimeout),
	}
	return routing.Serve(context.Background(), cfg, log)
}
