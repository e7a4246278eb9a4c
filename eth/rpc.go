package eth

import (
	"context"
	"fmt"
	"time"

	"github.com/airchains-network/tee-prover/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const traceBlockMethod = "scroll_getBlockTraceByNumberOrHash"

// L2Client fetches block traces from an L2 execution node.
type L2Client struct {
	rpc         *rpc.Client
	callTimeout time.Duration
}

func NewL2Client(ctx context.Context, url string, callTimeout time.Duration) (*L2Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial l2 node: %w", err)
	}
	return &L2Client{rpc: rpcClient, callTimeout: callTimeout}, nil
}

func (c *L2Client) Close() {
	c.rpc.Close()
}

// TraceBlock returns the execution trace of one L2 block.
func (c *L2Client) TraceBlock(ctx context.Context, blockNumber uint64) (*types.BlockTrace, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	var trace *types.BlockTrace
	if err := c.rpc.CallContext(ctx, &trace, traceBlockMethod, hexutil.Uint64(blockNumber)); err != nil {
		return nil, fmt.Errorf("%s(%d): %w", traceBlockMethod, blockNumber, err)
	}
	if trace == nil {
		return nil, fmt.Errorf("%s(%d): empty trace", traceBlockMethod, blockNumber)
	}
	return trace, nil
}
