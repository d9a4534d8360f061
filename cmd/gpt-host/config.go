package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration after flags, environment, and config file are merged",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range []string{FlagSeedPath, FlagAssetRoot, FlagLogLevel, FlagLogPretty} {
				fmt.Printf("%-16s = %v\n", name, viper.Get(name))
			}
			if used := viper.ConfigFileUsed(); used != "" {
				fmt.Println("config_file      =", used)
			}
			return nil
		},
	}
}
