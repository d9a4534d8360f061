package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onecompany/gpt/pkg/seed"
)

const hypervisorBinary = "qemu-system-x86_64"

const flagCheckJSON = "json"

type checkResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report whether this host is ready to launch node VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := cmd.Flags().GetBool(flagCheckJSON)
			if err != nil {
				return err
			}

			results := runChecks()
			ok := true
			for _, r := range results {
				if !r.Passed {
					ok = false
				}
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					status := "OK"
					if !r.Passed {
						status = "FAIL"
					}
					fmt.Printf("[%s] %-24s %s\n", status, r.Name, r.Detail)
				}
			}

			if !ok {
				return fmt.Errorf("one or more readiness checks failed")
			}
			return nil
		},
	}
	cmd.Flags().Bool(flagCheckJSON, false, "Emit the readiness report as JSON")
	return cmd
}

func runChecks() []checkResult {
	var results []checkResult
	report := func(name string, passed bool, detail string) {
		results = append(results, checkResult{Name: name, Passed: passed, Detail: detail})
	}

	seedPath := seed.ResolvePath(viper.GetString(FlagSeedPath))
	if info, err := os.Stat(seedPath); err != nil {
		report("seed", false, fmt.Sprintf("%s: %v", seedPath, err))
	} else {
		insecure := info.Mode().Perm()&0o077 != 0
		report("seed", !insecure, fmt.Sprintf("%s (mode %v)", seedPath, info.Mode().Perm()))
	}

	if _, err := seed.Load(seedPath); err != nil {
		report("seed_format", false, err.Error())
	} else {
		report("seed_format", true, "24 bytes, parses cleanly")
	}

	assetRoot := viper.GetString(FlagAssetRoot)
	if assetRoot == "" {
		assetRoot = "/var/lib/gpt_host/assets"
	}
	if entries, err := os.ReadDir(assetRoot); err != nil || len(entries) == 0 {
		report("asset_cache", false, fmt.Sprintf("%s is empty or missing; first launch will populate it", assetRoot))
	} else {
		report("asset_cache", true, fmt.Sprintf("%s (%d cached set(s))", assetRoot, len(entries)))
	}

	if path, err := exec.LookPath(hypervisorBinary); err != nil {
		report("hypervisor", false, fmt.Sprintf("%s not found on PATH", hypervisorBinary))
	} else {
		report("hypervisor", true, path)
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		report("kvm", false, "/dev/kvm not accessible; SEV-SNP guests require hardware virtualization")
	} else {
		report("kvm", true, "/dev/kvm present")
	}

	return results
}
