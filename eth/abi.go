package eth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ScrollChainMetaData contains the subset of the ScrollChain ABI used by the prover host,
// including the TEE finalization entry points.
var ScrollChainMetaData = &bind.MetaData{
	ABI: `[
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"batchIndex","type":"uint256"},{"indexed":true,"internalType":"bytes32","name":"batchHash","type":"bytes32"}],"name":"CommitBatch","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"batchIndex","type":"uint256"},{"indexed":true,"internalType":"bytes32","name":"batchHash","type":"bytes32"},{"indexed":false,"internalType":"bytes32","name":"stateRoot","type":"bytes32"},{"indexed":false,"internalType":"bytes32","name":"withdrawRoot","type":"bytes32"}],"name":"FinalizeBatch","type":"event"},
{"inputs":[{"internalType":"uint8","name":"version","type":"uint8"},{"internalType":"bytes","name":"parentBatchHeader","type":"bytes"},{"internalType":"bytes[]","name":"chunks","type":"bytes[]"},{"internalType":"bytes","name":"skippedL1MessageBitmap","type":"bytes"}],"name":"commitBatch","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint8","name":"version","type":"uint8"},{"internalType":"bytes","name":"parentBatchHeader","type":"bytes"},{"internalType":"bytes[]","name":"chunks","type":"bytes[]"},{"internalType":"bytes","name":"skippedL1MessageBitmap","type":"bytes"},{"internalType":"bytes","name":"blobDataProof","type":"bytes"}],"name":"commitBatchWithBlobProof","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes","name":"batchHeader","type":"bytes"},{"internalType":"bytes32","name":"postStateRoot","type":"bytes32"},{"internalType":"bytes32","name":"withdrawRoot","type":"bytes32"}],"name":"finalizeBundle","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes","name":"batchHeader","type":"bytes"},{"internalType":"bytes32","name":"postStateRoot","type":"bytes32"},{"internalType":"bytes32","name":"withdrawRoot","type":"bytes32"},{"internalType":"bytes","name":"aggrProof","type":"bytes"}],"name":"finalizeBundleWithProof","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes","name":"batchHeader","type":"bytes"},{"internalType":"bytes32","name":"postStateRoot","type":"bytes32"},{"internalType":"bytes32","name":"withdrawRoot","type":"bytes32"},{"internalType":"bytes","name":"teeProof","type":"bytes"}],"name":"finalizeBundleWithTeeProof","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"lastFinalizedBatchIndex","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"lastTeeFinalizedBatchIndex","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`,
}

const (
	CommitBatchEventName   = "CommitBatch"
	FinalizeBatchEventName = "FinalizeBatch"

	CommitBatchMethod                = "commitBatch"
	CommitBatchWithBlobProofMethod   = "commitBatchWithBlobProof"
	FinalizeBundleMethod             = "finalizeBundle"
	FinalizeBundleWithProofMethod    = "finalizeBundleWithProof"
	FinalizeBundleWithTeeProofMethod = "finalizeBundleWithTeeProof"
	LastTeeFinalizedBatchIndexMethod = "lastTeeFinalizedBatchIndex"
)

// ScrollChainABI parses ScrollChainMetaData.
func ScrollChainABI() (*abi.ABI, error) {
	return ScrollChainMetaData.GetAbi()
}

// EventSignatures returns the topic0 values of the watched events.
func EventSignatures(chainABI *abi.ABI) []common.Hash {
	return []common.Hash{
		chainABI.Events[CommitBatchEventName].ID,
		chainABI.Events[FinalizeBatchEventName].ID,
	}
}

// UnpackLog unpacks a retrieved log into the provided output structure.
func UnpackLog(c *abi.ABI, out interface{}, event string, log types.Log) error {
	if len(log.Topics) == 0 {
		return fmt.Errorf("log has no topics")
	}
	if log.Topics[0] != c.Events[event].ID {
		return fmt.Errorf("event signature mismatch")
	}
	if len(log.Data) > 0 {
		if err := c.UnpackIntoInterface(out, event, log.Data); err != nil {
			return err
		}
	}
	var indexed abi.Arguments
	for _, arg := range c.Events[event].Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return abi.ParseTopics(out, indexed, log.Topics[1:])
}
