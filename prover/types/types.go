package types

import (
	"github.com/airchains-network/tee-prover/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type ProveBatchRequest struct {
	PrevBatchHeader hexutil.Bytes       `json:"prev_batch_header"`
	PrevStateRoot   common.Hash         `json:"prev_state_root"`
	BatchVersion    uint8               `json:"batch_version"`
	Blocks          []*types.BlockTrace `json:"blocks"`
	Chunks          [][]uint64          `json:"chunks"`
}

type ProveBatchResponse struct {
	BatchHash        common.Hash   `json:"batch_hash"`
	PostStateRoot    common.Hash   `json:"post_state_root"`
	PostWithdrawRoot common.Hash   `json:"post_withdraw_root"`
	Signature        hexutil.Bytes `json:"signature"`
}

// ProveBundleRequest covers the batches of one finalize boundary, in ascending
// batch index order.
type ProveBundleRequest struct {
	BatchHeaders    []hexutil.Bytes `json:"batch_headers"`
	StateRoots      []common.Hash   `json:"state_roots"`
	WithdrawRoots   []common.Hash   `json:"withdraw_roots"`
	Signatures      []hexutil.Bytes `json:"signatures"`
	EndBatchHeader  hexutil.Bytes   `json:"end_batch_header"`
	EndStateRoot    common.Hash     `json:"end_state_root"`
	EndWithdrawRoot common.Hash     `json:"end_withdraw_root"`
	BeginBatchIndex uint64          `json:"begin_batch_index"`
	EndBatchIndex   uint64          `json:"end_batch_index"`
}

type ProveBundleResponse struct {
	BatchHash        common.Hash   `json:"batch_hash"`
	PostStateRoot    common.Hash   `json:"post_state_root"`
	PostWithdrawRoot common.Hash   `json:"post_withdraw_root"`
	Proof            hexutil.Bytes `json:"proof"`
}
