package fetcher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/airchains-network/tee-prover/eth"
	"github.com/airchains-network/tee-prover/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// blockContextSize is the encoded size of one block context in a chunk.
const blockContextSize = 60

// ErrMalformedEvent is returned for logs or calldata that can never be decoded.
var ErrMalformedEvent = errors.New("malformed event")

// TransactionGetter fetches the L1 transaction that emitted a log.
type TransactionGetter interface {
	GetTransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, error)
}

type commitBatchLog struct {
	BatchIndex *big.Int
	BatchHash  common.Hash
}

type finalizeBatchLog struct {
	BatchIndex   *big.Int
	BatchHash    common.Hash
	StateRoot    common.Hash
	WithdrawRoot common.Hash
}

// EventLogParser turns ScrollChain logs into events, reading the rest of the
// data from the calldata of the emitting transaction.
type EventLogParser struct {
	l1       TransactionGetter
	chainABI *abi.ABI
}

func NewEventLogParser(l1 TransactionGetter, chainABI *abi.ABI) *EventLogParser {
	return &EventLogParser{l1: l1, chainABI: chainABI}
}

func (p *EventLogParser) ParseCommitBatchLog(ctx context.Context, log ethtypes.Log) (*types.CommitBatchEvent, error) {
	var unpacked commitBatchLog
	if err := eth.UnpackLog(p.chainABI, &unpacked, eth.CommitBatchEventName, log); err != nil {
		return nil, fmt.Errorf("%w: CommitBatch log: %v", ErrMalformedEvent, err)
	}
	if !unpacked.BatchIndex.IsUint64() {
		return nil, fmt.Errorf("%w: batch index %s overflows", ErrMalformedEvent, unpacked.BatchIndex)
	}

	method, args, err := p.decodeCalldata(ctx, log.TxHash)
	if err != nil {
		return nil, err
	}
	if method != eth.CommitBatchMethod && method != eth.CommitBatchWithBlobProofMethod {
		return nil, fmt.Errorf("%w: unexpected commit method %s in tx %s", ErrMalformedEvent, method, log.TxHash.Hex())
	}

	version, ok := args[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("%w: version has type %T", ErrMalformedEvent, args[0])
	}
	parentHeader, ok := args[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: parent batch header has type %T", ErrMalformedEvent, args[1])
	}
	encodedChunks, ok := args[2].([][]byte)
	if !ok {
		return nil, fmt.Errorf("%w: chunks have type %T", ErrMalformedEvent, args[2])
	}

	chunks := make([][]uint64, 0, len(encodedChunks))
	for i, chunk := range encodedChunks {
		blocks, err := decodeBlockNumbers(chunk)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d of batch %s: %v", ErrMalformedEvent, i, unpacked.BatchIndex, err)
		}
		chunks = append(chunks, blocks)
	}

	return &types.CommitBatchEvent{
		BatchIndex:      unpacked.BatchIndex.Uint64(),
		BatchHash:       unpacked.BatchHash,
		BatchVersion:    version,
		Chunks:          chunks,
		PrevBatchHeader: parentHeader,
	}, nil
}

func (p *EventLogParser) ParseFinalizeBatchLog(ctx context.Context, log ethtypes.Log) (*types.FinalizeBatchEvent, error) {
	var unpacked finalizeBatchLog
	if err := eth.UnpackLog(p.chainABI, &unpacked, eth.FinalizeBatchEventName, log); err != nil {
		return nil, fmt.Errorf("%w: FinalizeBatch log: %v", ErrMalformedEvent, err)
	}
	if !unpacked.BatchIndex.IsUint64() {
		return nil, fmt.Errorf("%w: batch index %s overflows", ErrMalformedEvent, unpacked.BatchIndex)
	}

	method, args, err := p.decodeCalldata(ctx, log.TxHash)
	if err != nil {
		return nil, err
	}
	switch method {
	case eth.FinalizeBundleMethod, eth.FinalizeBundleWithProofMethod, eth.FinalizeBundleWithTeeProofMethod:
	default:
		return nil, fmt.Errorf("%w: unexpected finalize method %s in tx %s", ErrMalformedEvent, method, log.TxHash.Hex())
	}

	header, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: batch header has type %T", ErrMalformedEvent, args[0])
	}

	return &types.FinalizeBatchEvent{
		BatchIndex:      unpacked.BatchIndex.Uint64(),
		BatchHash:       unpacked.BatchHash,
		EndBatchHeader:  header,
		EndStateRoot:    unpacked.StateRoot,
		EndWithdrawRoot: unpacked.WithdrawRoot,
	}, nil
}

// decodeCalldata fetches the transaction and unpacks its arguments. Failing to
// fetch the transaction is not a decode error and may be retried.
func (p *EventLogParser) decodeCalldata(ctx context.Context, txHash common.Hash) (string, []interface{}, error) {
	if txHash == (common.Hash{}) {
		return "", nil, fmt.Errorf("%w: empty transaction hash", ErrMalformedEvent)
	}
	tx, err := p.l1.GetTransactionByHash(ctx, txHash)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get transaction %s: %w", txHash.Hex(), err)
	}
	if tx == nil {
		return "", nil, fmt.Errorf("transaction %s not found", txHash.Hex())
	}

	data := tx.Data()
	if len(data) < 4 {
		return "", nil, fmt.Errorf("%w: calldata of tx %s too short", ErrMalformedEvent, txHash.Hex())
	}
	method, err := p.chainABI.MethodById(data[:4])
	if err != nil {
		return "", nil, fmt.Errorf("%w: tx %s: %v", ErrMalformedEvent, txHash.Hex(), err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: unpack %s calldata: %v", ErrMalformedEvent, method.Name, err)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%w: %s has no arguments", ErrMalformedEvent, method.Name)
	}
	return method.Name, args, nil
}

// decodeBlockNumbers reads the block numbers of a chunk: one byte with the
// block count, then 60-byte block contexts starting with the big-endian number.
func decodeBlockNumbers(chunk []byte) ([]uint64, error) {
	if len(chunk) < 1 {
		return nil, errors.New("empty chunk")
	}
	numBlocks := int(chunk[0])
	data := chunk[1:]
	if len(data) < numBlocks*blockContextSize {
		return nil, fmt.Errorf("chunk of %d blocks has %d context bytes", numBlocks, len(data))
	}

	blocks := make([]uint64, numBlocks)
	for i := range blocks {
		blocks[i] = binary.BigEndian.Uint64(data[i*blockContextSize:])
	}
	return blocks, nil
}
