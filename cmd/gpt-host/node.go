package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onecompany/gpt/pkg/apikey"
	"github.com/onecompany/gpt/pkg/routing"
	"github.com/onecompany/gpt/pkg/seed"
)

const (
	FlagNodeAddNodeID    = "node-id"
	FlagEncryptRecipient = "recipient"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect or provision this host's node-VM systemd units",
	}
	cmd.AddCommand(nodeListCmd())
	cmd.AddCommand(nodeAddCmd())
	cmd.AddCommand(nodeEncryptAPIKeyCmd())
	return cmd
}

// nodeEncryptAPIKeyCmd prepares the ciphertext an owner passes as
// create_node's encrypted_api_key: only the guest that later derives the
// matching host X25519 identity from its attested host_data can recover
// the plaintext (see pkg/apikey).
func nodeEncryptAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt-api-key",
		Short: "Encrypt a provider API key for one node's host identity",
		Long: `encrypt-api-key reads a plaintext provider API key (from stdin by
default) and encrypts it against the bech32 "age1..." public key the
target host printed during "gpt-host init". The
resulting base64 ciphertext is what you pass as encrypted_api_key to the
registry's create_node call; only a guest that derives the matching host
identity from its attested host_data can decrypt it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			recipientStr := viper.GetString(FlagEncryptRecipient)
			if recipientStr == "" {
				return fmt.Errorf("--%s is required", FlagEncryptRecipient)
			}
			recipientPub, err := seed.DecodePublic(recipientStr)
			if err != nil {
				return fmt.Errorf("decode recipient public key: %w", err)
			}

			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read API key from stdin: %w", err)
			}
			plaintext := []byte(strings.TrimRight(line, "\r\n"))

			ciphertext, err := apikey.EncryptForRecipient(recipientPub, plaintext)
			if err != nil {
				return fmt.Errorf("encrypt API key: %w", err)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(ciphertext))
			return nil
		},
	}
	cmd.Flags().String(FlagEncryptRecipient, "", `Recipient's bech32 "age1..." public key`)
	_ = viper.BindPFlag(FlagEncryptRecipient, cmd.Flags().Lookup(FlagEncryptRecipient))
	return cmd
}

func nodeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provisioned gpt_node_{id}.service units and their assigned ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := routing.ListServiceUnits()
			if err != nil {
				return fmt.Errorf("list service units: %w", err)
			}
			if len(units) == 0 {
				fmt.Println("no node units provisioned on this host")
				return nil
			}
			for _, u := range units {
				fmt.Printf("node_id=%d port=%d\n", u.NodeID, u.Port)
			}
			return nil
		},
	}
}

func nodeAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Allocate a host port for a new node, without launching it",
		Long: `add reserves the lowest free port in gpt-router's [8000, 9000)
allocation window for node-id, idempotently: a node that already has a
unit keeps its existing port. It does not write the systemd unit file
itself; pair this with your deployment tooling's unit template.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, err := cmd.Flags().GetUint64(FlagNodeAddNodeID)
			if err != nil {
				return err
			}
			port, err := routing.AllocatePort(nodeID)
			if err != nil {
				return fmt.Errorf("allocate port: %w", err)
			}
			fmt.Printf("node_id=%d port=%d\n", nodeID, port)
			return nil
		},
	}
	cmd.Flags().Uint64(FlagNodeAddNodeID, 0, "Node ID to allocate a port for")
	_ = cmd.MarkFlagRequired(FlagNodeAddNodeID)
	return cmd
}
