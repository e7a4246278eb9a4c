package types

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CommitBatchEvent is a decoded ScrollChain CommitBatch log together with the
// calldata of the commit transaction that emitted it.
type CommitBatchEvent struct {
	BatchIndex      uint64
	BatchHash       common.Hash
	BatchVersion    uint8
	Chunks          [][]uint64
	PrevBatchHeader []byte
}

// Blocks flattens the chunks into the batch's L2 block numbers in execution order.
func (e *CommitBatchEvent) Blocks() []uint64 {
	var blocks []uint64
	for _, chunk := range e.Chunks {
		blocks = append(blocks, chunk...)
	}
	return blocks
}

// FinalizeBatchEvent marks a bundle boundary: the bundle ends exactly at BatchIndex.
type FinalizeBatchEvent struct {
	BatchIndex      uint64
	BatchHash       common.Hash
	EndBatchHeader  []byte
	EndStateRoot    common.Hash
	EndWithdrawRoot common.Hash
}

// StorageTrace is the part of the L2 storage trace the host reads. Proof data is
// passed through to the enclave untouched.
type StorageTrace struct {
	RootBefore     common.Hash     `json:"rootBefore"`
	RootAfter      common.Hash     `json:"rootAfter"`
	Proofs         json.RawMessage `json:"proofs,omitempty"`
	StorageProofs  json.RawMessage `json:"storageProofs,omitempty"`
	DeletionProofs json.RawMessage `json:"deletionProofs,omitempty"`
	FlattenProofs  json.RawMessage `json:"flattenProofs,omitempty"`
}

// BlockHeader carries the header fields needed to identify a trace.
type BlockHeader struct {
	Number *hexutil.Big `json:"number"`
	Hash   common.Hash  `json:"hash"`
}

// BlockTrace is the execution record of one L2 block as returned by
// scroll_getBlockTraceByNumberOrHash.
type BlockTrace struct {
	ChainID           uint64            `json:"chainID"`
	Coinbase          json.RawMessage   `json:"coinbase,omitempty"`
	Header            json.RawMessage   `json:"header"`
	Transactions      []json.RawMessage `json:"transactions"`
	Codes             []json.RawMessage `json:"codes,omitempty"`
	StorageTrace      StorageTrace      `json:"storageTrace"`
	StartL1QueueIndex uint64            `json:"startL1QueueIndex"`
	WithdrawTrieRoot  common.Hash       `json:"withdraw_trie_root"`
}

// BlockNumber decodes the block number from the trace header.
func (t *BlockTrace) BlockNumber() (uint64, bool) {
	if len(t.Header) == 0 {
		return 0, false
	}
	var header BlockHeader
	if err := json.Unmarshal(t.Header, &header); err != nil || header.Number == nil {
		return 0, false
	}
	return header.Number.ToInt().Uint64(), true
}
