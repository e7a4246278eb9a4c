package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/airchains-network/tee-prover/internal/retry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml"
)

// Config holds the application configuration
type Config struct {
	L1       L1Config       `toml:"l1"`
	L2       L2Config       `toml:"l2"`
	Enclave  EnclaveConfig  `toml:"enclave"`
	Fetcher  FetcherConfig  `toml:"fetcher"`
	Retry    RetryConfig    `toml:"retry"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Tracer   TracerConfig   `toml:"tracer"`
	Database DatabaseConfig `toml:"database"`
	API      APIConfig      `toml:"api"`
	Log      LogConfig      `toml:"log"`
}

// L1Config holds settlement chain settings
type L1Config struct {
	Endpoint           string `toml:"endpoint"`
	ScrollChainAddress string `toml:"scroll_chain_address"`
	PrivateKey         string `toml:"private_key"`
	ConfirmTimeoutSec  int    `toml:"confirm_timeout_sec"`
}

// L2Config holds the trace source settings
type L2Config struct {
	Endpoint       string `toml:"endpoint"`
	CallTimeoutSec int    `toml:"call_timeout_sec"`
}

// EnclaveConfig holds the proving enclave settings
type EnclaveConfig struct {
	Endpoint   string `toml:"endpoint"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// FetcherConfig controls L1 log polling
type FetcherConfig struct {
	PollIntervalSec int    `toml:"poll_interval_sec"`
	MaxSizePerFetch uint64 `toml:"max_size_per_fetch"`
	StartBlock      uint64 `toml:"start_block"`
	ChannelCapacity int    `toml:"channel_capacity"`
}

// RetryConfig controls retries of remote calls
type RetryConfig struct {
	MaxAttempts      int     `toml:"max_attempts"`
	InitialBackoffMs int     `toml:"initial_backoff_ms"`
	MaxBackoffMs     int     `toml:"max_backoff_ms"`
	Multiplier       float64 `toml:"multiplier"`
	Jitter           float64 `toml:"jitter"`
}

// PipelineConfig controls event handler retries
type PipelineConfig struct {
	HandlerMaxAttempts int `toml:"handler_max_attempts"`
	RetryIntervalSec   int `toml:"retry_interval_sec"`
}

// TracerConfig controls block trace fetching
type TracerConfig struct {
	CacheSize      int `toml:"cache_size"`
	MaxConcurrency int `toml:"max_concurrency"`
}

// DatabaseConfig holds database paths
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// APIConfig holds the status server settings
type APIConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
}

// DefaultConfig returns a configuration with every tunable set
func DefaultConfig() Config {
	return Config{
		L1: L1Config{
			Endpoint:          "http://127.0.0.1:8545",
			ConfirmTimeoutSec: 300,
		},
		L2: L2Config{
			Endpoint:       "http://127.0.0.1:9545",
			CallTimeoutSec: 60,
		},
		Enclave: EnclaveConfig{
			Endpoint:   "http://127.0.0.1:1234",
			TimeoutSec: 300,
		},
		Fetcher: FetcherConfig{
			PollIntervalSec: 10,
			MaxSizePerFetch: 1000,
			ChannelCapacity: 32,
		},
		Retry: RetryConfig{
			MaxAttempts:      10,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     60000,
			Multiplier:       2.0,
			Jitter:           0.2,
		},
		Pipeline: PipelineConfig{
			HandlerMaxAttempts: 5,
			RetryIntervalSec:   30,
		},
		Tracer: TracerConfig{
			CacheSize:      1024,
			MaxConcurrency: 16,
		},
		Database: DatabaseConfig{
			Path: "./data/state_db",
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
		},
	}
}

// Validate checks that the configuration can start the host
func (c Config) Validate() error {
	if c.L1.Endpoint == "" {
		return fmt.Errorf("l1.endpoint is required")
	}
	if c.L2.Endpoint == "" {
		return fmt.Errorf("l2.endpoint is required")
	}
	if c.Enclave.Endpoint == "" {
		return fmt.Errorf("enclave.endpoint is required")
	}
	if !common.IsHexAddress(c.L1.ScrollChainAddress) {
		return fmt.Errorf("invalid l1.scroll_chain_address: %q", c.L1.ScrollChainAddress)
	}
	if c.Fetcher.PollIntervalSec <= 0 {
		return fmt.Errorf("fetcher.poll_interval_sec must be positive")
	}
	if c.Fetcher.MaxSizePerFetch == 0 {
		return fmt.Errorf("fetcher.max_size_per_fetch must be positive")
	}
	if c.Fetcher.ChannelCapacity <= 0 {
		return fmt.Errorf("fetcher.channel_capacity must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Pipeline.HandlerMaxAttempts <= 0 {
		return fmt.Errorf("pipeline.handler_max_attempts must be positive")
	}
	if c.Pipeline.RetryIntervalSec <= 0 {
		return fmt.Errorf("pipeline.retry_interval_sec must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// RetryPolicy converts the retry section into the retry package's config
func (c Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: time.Duration(c.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:     c.Retry.Multiplier,
		Jitter:         c.Retry.Jitter,
	}
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Fetcher.PollIntervalSec) * time.Second
}

// PipelineRetryInterval is the pause before failed work is attempted again.
func (c Config) PipelineRetryInterval() time.Duration {
	return time.Duration(c.Pipeline.RetryIntervalSec) * time.Second
}

// Save writes the configuration as TOML
func (c Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %v", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadConfig reads from config.toml and returns Config struct
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	file, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %v", err)
	}

	err = toml.Unmarshal(file, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %v", err)
	}

	return cfg, nil
}
