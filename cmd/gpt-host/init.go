package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onecompany/gpt/internal/gptlog"
	"github.com/onecompany/gpt/pkg/seed"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate this host's identity seed, if one does not already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := gptlog.New("gpt-host.init", gptlog.Config{
				Level: viper.GetString(FlagLogLevel), Pretty: viper.GetBool(FlagLogPretty),
			})
			path := seed.ResolvePath(viper.GetString(FlagSeedPath))
			s, err := seed.GetOrGenerate(path)
			if err != nil {
				return fmt.Errorf("generate seed: %w", err)
			}
			identity, err := seed.DeriveIdentity(s)
			if err != nil {
				return fmt.Errorf("derive identity: %w", err)
			}
			defer identity.Zero()
			pub, err := seed.EncodePublic(identity.Public)
			if err != nil {
				return fmt.Errorf("encode public identity: %w", err)
			}
			log.Info().Str("seed_path", path).Str("public_identity", pub).Msg("host seed ready")
			fmt.Println(pub)
			return nil
		},
	}
}
