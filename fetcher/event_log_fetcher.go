package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/airchains-network/tee-prover/db"
	"github.com/airchains-network/tee-prover/eth"
	"github.com/airchains-network/tee-prover/metrics"
	"github.com/airchains-network/tee-prover/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

var fetchedBlockKey = []byte("fetched_block_number")

var (
	// ErrEmptyBlock is returned when the L1 node has no finalized block.
	ErrEmptyBlock = errors.New("l1 returned no finalized block")
	// ErrUnknownTopic is reported for logs that are neither CommitBatch nor FinalizeBatch.
	ErrUnknownTopic = errors.New("unknown log topic")
)

// L1Reader is the part of the L1 client the fetcher needs.
type L1Reader interface {
	TransactionGetter
	GetBlockByNumber(ctx context.Context, number rpc.BlockNumber) (*ethtypes.Header, error)
	GetLogs(ctx context.Context, contract common.Address, signatures []common.Hash, from, to uint64) ([]ethtypes.Log, error)
}

type Config struct {
	ScrollChain     common.Address
	PollInterval    time.Duration
	MaxSizePerFetch uint64
	StartBlock      uint64
}

type logPosition struct {
	block uint64
	index uint
}

func (p logPosition) after(other logPosition) bool {
	return p.block > other.block || (p.block == other.block && p.index > other.index)
}

// EventLogFetcher polls ScrollChain logs in finalized L1 blocks and forwards
// them as commit and finalize events.
type EventLogFetcher struct {
	l1          L1Reader
	parser      *EventLogParser
	store       db.DB
	cfg         Config
	commitSig   common.Hash
	finalizeSig common.Hash
	signatures  []common.Hash

	fetchedBlockNumber atomic.Uint64
	// lastForwarded is the last log sent in the current window, so a retried
	// window does not send it twice.
	lastForwarded *logPosition

	commitTx   chan<- *types.CommitBatchEvent
	finalizeTx chan<- *types.FinalizeBatchEvent

	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewEventLogFetcher resumes from the stored checkpoint, or cfg.StartBlock when
// there is none.
func NewEventLogFetcher(
	l1 L1Reader,
	chainABI *abi.ABI,
	store db.DB,
	cfg Config,
	commitTx chan<- *types.CommitBatchEvent,
	finalizeTx chan<- *types.FinalizeBatchEvent,
	m *metrics.Metrics,
	log *logrus.Logger,
) (*EventLogFetcher, error) {
	f := &EventLogFetcher{
		l1:          l1,
		parser:      NewEventLogParser(l1, chainABI),
		store:       store,
		cfg:         cfg,
		commitSig:   chainABI.Events[eth.CommitBatchEventName].ID,
		finalizeSig: chainABI.Events[eth.FinalizeBatchEventName].ID,
		signatures:  eth.EventSignatures(chainABI),
		commitTx:    commitTx,
		finalizeTx:  finalizeTx,
		metrics:     m,
		log:         log.WithField("component", "fetcher"),
	}

	start := cfg.StartBlock
	stored, ok, err := db.GetUint64(store, fetchedBlockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch checkpoint: %w", err)
	}
	if ok {
		start = stored
		f.log.Infof("Resuming log fetch from checkpointed L1 block %d", start)
	} else {
		f.log.Infof("No fetch checkpoint, starting from L1 block %d", start)
	}
	f.setFetched(start)
	return f, nil
}

// FetchedBlockNumber is the next L1 block the fetcher will read.
func (f *EventLogFetcher) FetchedBlockNumber() uint64 {
	return f.fetchedBlockNumber.Load()
}

func (f *EventLogFetcher) setFetched(n uint64) {
	f.fetchedBlockNumber.Store(n)
	if f.metrics != nil {
		f.metrics.FetchedL1Block.Set(float64(n))
	}
}

// Start polls until ctx is cancelled, then closes both event channels.
func (f *EventLogFetcher) Start(ctx context.Context) error {
	defer close(f.commitTx)
	defer close(f.finalizeTx)

	f.log.Infof("Starting event log fetcher, polling every %s", f.cfg.PollInterval)

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := f.FetchLogs(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Errorf("Failed to fetch logs: %v", err)
		}

		select {
		case <-ctx.Done():
			f.log.Info("Event log fetcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *EventLogFetcher) latestFinalizedBlock(ctx context.Context) (uint64, error) {
	header, err := f.l1.GetBlockByNumber(ctx, rpc.FinalizedBlockNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to get finalized block: %w", err)
	}
	if header == nil {
		return 0, ErrEmptyBlock
	}
	if header.Number == nil {
		return 0, errors.New("no block number in finalized header")
	}
	return header.Number.Uint64(), nil
}

// FetchLogs reads one window of logs and forwards the decoded events. The
// checkpoint only moves once every log in the window has been forwarded.
func (f *EventLogFetcher) FetchLogs(ctx context.Context) error {
	finalized, err := f.latestFinalizedBlock(ctx)
	if err != nil {
		return err
	}

	from := f.FetchedBlockNumber()
	if from > finalized {
		f.log.Debugf("Waiting for L1 to finalize block %d, finalized %d", from, finalized)
		return nil
	}
	to := min(from+f.cfg.MaxSizePerFetch, finalized)

	logs, err := f.l1.GetLogs(ctx, f.cfg.ScrollChain, f.signatures, from, to)
	if err != nil {
		return fmt.Errorf("failed to get logs in [%d, %d]: %w", from, to, err)
	}
	f.log.Debugf("Fetched %d logs in L1 blocks [%d, %d]", len(logs), from, to)

	for _, log := range logs {
		pos := logPosition{block: log.BlockNumber, index: log.Index}
		if f.lastForwarded != nil && !pos.after(*f.lastForwarded) {
			continue
		}
		if err := f.dispatch(ctx, log); err != nil {
			return err
		}
		f.lastForwarded = &pos
	}

	f.setFetched(to + 1)
	f.lastForwarded = nil
	if err := db.PutUint64(f.store, fetchedBlockKey, to+1); err != nil {
		return fmt.Errorf("failed to checkpoint fetched block %d: %w", to+1, err)
	}
	return nil
}

// dispatch forwards one log. Undecodable logs are reported and skipped; any
// other error aborts the window so it is fetched again.
func (f *EventLogFetcher) dispatch(ctx context.Context, log ethtypes.Log) error {
	if len(log.Topics) == 0 {
		f.log.Errorf("Skipping log %d in tx %s: %v", log.Index, log.TxHash.Hex(), ErrUnknownTopic)
		return nil
	}

	switch log.Topics[0] {
	case f.commitSig:
		event, err := f.parser.ParseCommitBatchLog(ctx, log)
		if err != nil {
			return f.dropOrFail("commit", log, err)
		}
		f.log.Infof("Received CommitBatch event for batch %d", event.BatchIndex)
		select {
		case f.commitTx <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
		f.countEvent("commit")

	case f.finalizeSig:
		event, err := f.parser.ParseFinalizeBatchLog(ctx, log)
		if err != nil {
			return f.dropOrFail("finalize", log, err)
		}
		f.log.Infof("Received FinalizeBatch event for batch %d", event.BatchIndex)
		select {
		case f.finalizeTx <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
		f.countEvent("finalize")

	default:
		f.log.Errorf("Skipping log %d in tx %s: %v %s", log.Index, log.TxHash.Hex(), ErrUnknownTopic, log.Topics[0].Hex())
	}
	return nil
}

func (f *EventLogFetcher) dropOrFail(kind string, log ethtypes.Log, err error) error {
	if !errors.Is(err, ErrMalformedEvent) {
		return fmt.Errorf("failed to parse %s log in tx %s: %w", kind, log.TxHash.Hex(), err)
	}
	f.log.Errorf("Dropping %s log %d in tx %s: %v", kind, log.Index, log.TxHash.Hex(), err)
	if f.metrics != nil {
		f.metrics.DecodeFailures.WithLabelValues(kind).Inc()
	}
	return nil
}

func (f *EventLogFetcher) countEvent(kind string) {
	if f.metrics != nil {
		f.metrics.EventsReceived.WithLabelValues(kind).Inc()
	}
}
