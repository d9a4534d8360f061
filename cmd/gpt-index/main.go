// Package main implements the gpt-index registry daemon CLI.
//
// gpt-index is the fleet's source of truth for node lifecycle, attestation
// measurements, and routing provisioning info: nodes register against it
// after a successful attestation, heartbeat against it periodically, and
// gpt-router queries it to resolve hostnames for the routing table.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onecompany/gpt/internal/gptlog"
	"github.com/onecompany/gpt/pkg/attestation"
	"github.com/onecompany/gpt/pkg/registry"
)

const (
	FlagListenAddr      = "listen"
	FlagRedisURL        = "redis-url"
	FlagRedisPrefix     = "redis-prefix"
	FlagArkDir          = "ark-dir"
	FlagLivenessTimeout = "liveness-timeout"
	FlagSweepInterval   = "sweep-interval"
	FlagLogLevel        = "log-level"
	FlagLogPretty       = "log-pretty"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "gpt-index",
		Short: "Fleet node registry and attestation verification service",
		Long: `gpt-index verifies SEV-SNP attestation evidence at node registration,
tracks node lifecycle and liveness, and serves provisioning info to the
routing layer.`,
		RunE: runServe,
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

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gpt/gpt-index.yaml)")
	rootCmd.PersistentFlags().String(FlagListenAddr, ":8090", "HTTP listen address")
	rootCmd.PersistentFlags().String(FlagRedisURL, "redis://127.0.0.1:6379/0", "Redis connection URL; empty uses an in-memory store")
	rootCmd.PersistentFlags().String(FlagRedisPrefix, "gpt_index", "Redis key prefix")
	rootCmd.PersistentFlags().String(FlagArkDir, "/etc/gpt/ark", "Directory containing per-generation ARK DER certificates")
	rootCmd.PersistentFlags().Duration(FlagLivenessTimeout, 20*time.Minute, "Node liveness timeout (missed heartbeats beyond this deactivate a node)")
	rootCmd.PersistentFlags().Duration(FlagSweepInterval, time.Minute, "Liveness sweep interval")
	rootCmd.PersistentFlags().String(FlagLogLevel, "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool(FlagLogPretty, false, "Use human-readable console log output instead of JSON")

	for _, name := range []string{
		FlagListenAddr, FlagRedisURL, FlagRedisPrefix, FlagArkDir,
		FlagLivenessTimeout, FlagSweepInterval, FlagLogLevel, FlagLogPretty,
	} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.gpt")
			viper.SetConfigType("yaml")
			viper.SetConfigName("gpt-index")
		}
	}
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GPT_INDEX")
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log := gptlog.New("gpt-index", gptlog.Config{
		Level:  viper.GetString(FlagLogLevel),
		Pretty: viper.GetBool(FlagLogPretty),
	})

	roots, err := attestation.LoadTrustedRootsFromDir(viper.GetString(FlagArkDir))
	if err != nil {
		return fmt.Errorf("load trusted roots: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var store registry.Store
	if redisURL := viper.GetString(FlagRedisURL); redisURL != "" {
		rs, err := registry.NewRedisStore(ctx, redisURL, viper.GetString(FlagRedisPrefix))
		if err != nil {
			return fmt.Errorf("connect redis store: %w", err)
		}
		store = rs
		log.Info().Str("redis_url", redisURL).Msg("using redis store")
	} else {
		store = registry.NewMemoryStore()
		log.Warn().Msg("no redis-url configured, using in-memory store (not durable across restarts)")
	}

	metrics := registry.NewMetrics(prometheus.DefaultRegisterer)
	reg := registry.NewRegistry(store, roots, log, metrics, viper.GetDuration(FlagLivenessTimeout))

	go reg.RunLivenessSweeper(ctx, viper.GetDuration(FlagSweepInterval))

	handler := registry.NewServer(reg, log)
	srv := &http.Server{
		Addr:         viper.GetString(FlagListenAddr),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("gpt-index listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
