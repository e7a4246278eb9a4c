package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/airchains-network/tee-prover/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const configFileName = "config.toml"

// InitCmd writes a config file from flags and defaults
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the prover home directory",
	Long: `Initialize the prover home directory.
This command creates the data directory and writes config.toml from the given flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return initCommand(cmd)
	},
}

func init() {
	defaults := config.DefaultConfig()

	InitCmd.Flags().String("l1.endpoint", defaults.L1.Endpoint, "L1 JSON-RPC endpoint")
	InitCmd.Flags().String("l1.scroll-chain", "", "ScrollChain contract address on L1")
	InitCmd.Flags().String("l1.private-key", "", "Hex private key used to submit bundle proofs")
	InitCmd.Flags().String("l2.endpoint", defaults.L2.Endpoint, "L2 JSON-RPC endpoint serving block traces")
	InitCmd.Flags().String("enclave.endpoint", defaults.Enclave.Endpoint, "Proving enclave JSON-RPC endpoint")
	InitCmd.Flags().Uint64("fetcher.start-block", 0, "L1 block to start reading logs from when no checkpoint exists")
	InitCmd.Flags().String("api.listen-addr", defaults.API.ListenAddr, "Status server listen address")
	InitCmd.Flags().Bool("force", false, "Overwrite an existing config file")

	InitCmd.MarkFlagRequired("l1.scroll-chain")
}

func initCommand(cmd *cobra.Command) error {
	home, err := homeDir(cmd)
	if err != nil {
		return err
	}

	l1Endpoint, _ := cmd.Flags().GetString("l1.endpoint")
	scrollChain, _ := cmd.Flags().GetString("l1.scroll-chain")
	privateKey, _ := cmd.Flags().GetString("l1.private-key")
	l2Endpoint, _ := cmd.Flags().GetString("l2.endpoint")
	enclaveEndpoint, _ := cmd.Flags().GetString("enclave.endpoint")
	startBlock, _ := cmd.Flags().GetUint64("fetcher.start-block")
	listenAddr, _ := cmd.Flags().GetString("api.listen-addr")
	force, _ := cmd.Flags().GetBool("force")

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	})
	log.SetLevel(logrus.InfoLevel)

	configPath := filepath.Join(home, configFileName)
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config file already exists at %s, use --force to overwrite", configPath)
	}

	cfg := config.DefaultConfig()
	cfg.L1.Endpoint = l1Endpoint
	cfg.L1.ScrollChainAddress = scrollChain
	cfg.L1.PrivateKey = privateKey
	cfg.L2.Endpoint = l2Endpoint
	cfg.Enclave.Endpoint = enclaveEndpoint
	cfg.Fetcher.StartBlock = startBlock
	cfg.API.ListenAddr = listenAddr
	cfg.Database.Path = filepath.Join(home, "data", "state_db")
	cfg.Log.File = filepath.Join(home, "logs", "tee-prover.log")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.Database.Path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %v", cfg.Database.Path, err)
	}

	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to create config file: %v", err)
	}
	log.Infof("Created config file at: %s", configPath)

	fmt.Println("\n=== Configuration Summary ===")
	fmt.Printf("L1 Endpoint: %s\n", cfg.L1.Endpoint)
	fmt.Printf("ScrollChain: %s\n", cfg.L1.ScrollChainAddress)
	fmt.Printf("Submitting: %t\n", cfg.L1.PrivateKey != "")
	fmt.Printf("L2 Endpoint: %s\n", cfg.L2.Endpoint)
	fmt.Printf("Enclave Endpoint: %s\n", cfg.Enclave.Endpoint)
	fmt.Printf("Start Block: %d\n", cfg.Fetcher.StartBlock)
	fmt.Printf("Status Server: %s\n", cfg.API.ListenAddr)
	fmt.Printf("Config File: %s\n", configPath)

	log.Info("Initialization completed successfully!")
	log.Info("You can start the prover using: ./tee-prover start")

	return nil
}

// DefaultHome returns ~/.tee-prover, or a relative directory when the home
// directory is unknown.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tee-prover"
	}
	return filepath.Join(home, ".tee-prover")
}

func homeDir(cmd *cobra.Command) (string, error) {
	home, err := cmd.Flags().GetString("home")
	if err != nil {
		return "", fmt.Errorf("failed to read --home: %v", err)
	}
	if home == "" {
		return "", fmt.Errorf("--home must not be empty")
	}
	return home, nil
}
