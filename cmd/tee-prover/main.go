package main

import (
	"os"

	"github.com/airchains-network/tee-prover/cmd/tee-prover/commands"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tee-prover",
		Short: "Host process for TEE batch and bundle proving",
		Long: `Host process for TEE batch and bundle proving.
It follows ScrollChain commit and finalize events on L1, has the enclave prove each
committed batch and each finalized bundle, and submits bundle proofs back to L1.`,
	}

	rootCmd.PersistentFlags().String("home", commands.DefaultHome(), "Directory holding config.toml and the data directory")

	rootCmd.AddCommand(commands.InitCmd)
	rootCmd.AddCommand(commands.StartCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
