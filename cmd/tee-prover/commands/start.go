package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/airchains-network/tee-prover/api"
	"github.com/airchains-network/tee-prover/config"
	"github.com/airchains-network/tee-prover/db"
	"github.com/airchains-network/tee-prover/eth"
	"github.com/airchains-network/tee-prover/fetcher"
	"github.com/airchains-network/tee-prover/internal/logging"
	"github.com/airchains-network/tee-prover/metrics"
	"github.com/airchains-network/tee-prover/prover"
	"github.com/airchains-network/tee-prover/state"
	"github.com/airchains-network/tee-prover/task"
	"github.com/airchains-network/tee-prover/tracer"
	"github.com/airchains-network/tee-prover/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// StartCmd runs the proving pipeline until interrupted
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the prover",
	Long: `Start the prover with the configuration from <home>/config.toml.
The prover follows L1 events, proves batches and bundles in the enclave and
submits bundle proofs to ScrollChain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := homeDir(cmd)
		if err != nil {
			return err
		}
		return startCommand(filepath.Join(home, configFileName))
	},
}

func startCommand(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDB, err := db.NewLevelDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database at %s: %w", cfg.Database.Path, err)
	}
	defer stateDB.Close()

	scrollChain := common.HexToAddress(cfg.L1.ScrollChainAddress)
	l1Client, err := eth.NewL1Client(ctx, cfg.L1.Endpoint, scrollChain, cfg.L1.PrivateKey,
		time.Duration(cfg.L1.ConfirmTimeoutSec)*time.Second, log)
	if err != nil {
		return err
	}
	defer l1Client.Close()
	if cfg.L1.PrivateKey == "" {
		log.Warn("No l1.private_key configured, bundle proofs cannot be submitted")
	}

	l2Client, err := eth.NewL2Client(ctx, cfg.L2.Endpoint, time.Duration(cfg.L2.CallTimeoutSec)*time.Second)
	if err != nil {
		return err
	}
	defer l2Client.Close()

	enclave, err := prover.NewEnclaveClient(ctx, cfg.Enclave.Endpoint, time.Duration(cfg.Enclave.TimeoutSec)*time.Second)
	if err != nil {
		return err
	}
	defer enclave.Close()

	m := metrics.New()
	health := metrics.NewHealth()

	blockTracer, err := tracer.NewBlockTracer(l2Client, tracer.Config{
		CacheSize:      cfg.Tracer.CacheSize,
		MaxConcurrency: cfg.Tracer.MaxConcurrency,
		Retry:          cfg.RetryPolicy(),
	}, m, log)
	if err != nil {
		return err
	}

	commitCh := make(chan *types.CommitBatchEvent, cfg.Fetcher.ChannelCapacity)
	finalizeCh := make(chan *types.FinalizeBatchEvent, cfg.Fetcher.ChannelCapacity)

	logFetcher, err := fetcher.NewEventLogFetcher(l1Client, l1Client.ABI(), stateDB, fetcher.Config{
		ScrollChain:     scrollChain,
		PollInterval:    cfg.PollInterval(),
		MaxSizePerFetch: cfg.Fetcher.MaxSizePerFetch,
		StartBlock:      cfg.Fetcher.StartBlock,
	}, commitCh, finalizeCh, m, log)
	if err != nil {
		return err
	}

	stateManager := state.NewStateManager(l1Client, log)
	p := prover.NewProver(enclave, l1Client, log)

	g, gctx := errgroup.WithContext(ctx)

	var notifier task.Notifier
	if cfg.API.Enabled {
		hub := api.NewHub(log)
		notifier = hub
		server := api.NewServer(cfg.API.ListenAddr, stateManager, logFetcher, m, health, hub, log)
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	taskManager := task.NewTaskManager(task.Config{
		HandlerMaxAttempts: cfg.Pipeline.HandlerMaxAttempts,
		ChannelCapacity:    cfg.Fetcher.ChannelCapacity,
		Retry:              cfg.RetryPolicy(),
		RetryInterval:      cfg.PipelineRetryInterval(),
	}, stateManager, blockTracer, p, m, health, notifier, log)
	taskManager.Start(gctx, commitCh, finalizeCh)

	g.Go(func() error {
		err := logFetcher.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		taskManager.Wait()
		return nil
	})

	log.Infof("TEE prover started, watching ScrollChain %s from L1 block %d", scrollChain.Hex(), logFetcher.FetchedBlockNumber())

	err = g.Wait()
	log.Info("TEE prover stopped")
	return err
}
