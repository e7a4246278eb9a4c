package tracer

import (
	"context"
	"fmt"

	"github.com/airchains-network/tee-prover/internal/retry"
	"github.com/airchains-network/tee-prover/metrics"
	"github.com/airchains-network/tee-prover/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// TraceSource fetches the execution trace of a single L2 block.
type TraceSource interface {
	TraceBlock(ctx context.Context, blockNumber uint64) (*types.BlockTrace, error)
}

type Config struct {
	CacheSize      int
	MaxConcurrency int
	Retry          retry.Config
}

// BlockTracer resolves block numbers to traces concurrently, keeping the
// caller's order in the result.
type BlockTracer struct {
	source  TraceSource
	cfg     Config
	cache   *lru.Cache[uint64, *types.BlockTrace]
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewBlockTracer(source TraceSource, cfg Config, m *metrics.Metrics, log *logrus.Logger) (*BlockTracer, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[uint64, *types.BlockTrace](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace cache: %w", err)
	}
	return &BlockTracer{
		source:  source,
		cfg:     cfg,
		cache:   cache,
		metrics: m,
		log:     log.WithField("component", "tracer"),
	}, nil
}

// GetBlockTraces returns traces[i] for blocks[i]. The first block whose
// retries are exhausted fails the whole call and cancels the other fetches.
func (t *BlockTracer) GetBlockTraces(ctx context.Context, blocks []uint64) ([]*types.BlockTrace, error) {
	traces := make([]*types.BlockTrace, len(blocks))

	g, gctx := errgroup.WithContext(ctx)
	if t.cfg.MaxConcurrency > 0 {
		g.SetLimit(t.cfg.MaxConcurrency)
	}

	for i, block := range blocks {
		i, block := i, block
		g.Go(func() error {
			trace, err := t.getBlockTrace(gctx, block)
			if err != nil {
				return err
			}
			traces[i] = trace
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return traces, nil
}

func (t *BlockTracer) getBlockTrace(ctx context.Context, block uint64) (*types.BlockTrace, error) {
	if trace, ok := t.cache.Get(block); ok {
		if t.metrics != nil {
			t.metrics.TraceCacheHits.Inc()
		}
		return trace, nil
	}

	op := fmt.Sprintf("trace block %d", block)
	trace, err := retry.Do(ctx, t.cfg.Retry, t.log, op, func(ctx context.Context) (*types.BlockTrace, error) {
		return t.source.TraceBlock(ctx, block)
	})
	if err != nil {
		return nil, err
	}

	t.cache.Add(block, trace)
	return trace, nil
}
