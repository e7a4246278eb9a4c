package state

import (
	"fmt"

	provertypes "github.com/airchains-network/tee-prover/prover/types"
	"github.com/airchains-network/tee-prover/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

// BatchInfo is what the host knows about one committed batch.
type BatchInfo struct {
	BatchIndex       uint64
	BatchHash        common.Hash
	BatchHeader      []byte
	ProveResponse    *provertypes.ProveBatchResponse
	StartBlockNumber uint64
}

func (b *BatchInfo) proved() bool {
	return b.ProveResponse != nil
}

// BatchState keys batches by hash, with index as a secondary lookup. Headers
// that arrive before their batch is committed wait in pendingHeaders.
type BatchState struct {
	hashInfoMap    map[common.Hash]*BatchInfo
	indexHashMap   map[uint64]common.Hash
	pendingHeaders map[uint64][]byte
}

func NewBatchState() *BatchState {
	return &BatchState{
		hashInfoMap:    make(map[common.Hash]*BatchInfo),
		indexHashMap:   make(map[uint64]common.Hash),
		pendingHeaders: make(map[uint64][]byte),
	}
}

func keccak256(data []byte) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	var h common.Hash
	hasher.Sum(h[:0])
	return h
}

func verifyHeader(header []byte, batchHash common.Hash) error {
	if got := keccak256(header); got != batchHash {
		return fmt.Errorf("%w: keccak256 %s, batch hash %s", ErrHeaderHashMismatch, got.Hex(), batchHash.Hex())
	}
	return nil
}

// createBatch registers a committed batch. Redelivery of a known batch keeps
// what was recorded for it; a re-commit of the same index with a different
// hash replaces the old entry. A header waiting for this index is applied, a
// mismatching one is discarded and reported.
func (s *BatchState) createBatch(event *types.CommitBatchEvent, startBlockNumber uint64) error {
	oldHash, ok := s.indexHashMap[event.BatchIndex]
	if ok && oldHash == event.BatchHash {
		return nil
	}
	if ok {
		delete(s.hashInfoMap, oldHash)
	}

	info := &BatchInfo{
		BatchIndex:       event.BatchIndex,
		BatchHash:        event.BatchHash,
		StartBlockNumber: startBlockNumber,
	}
	s.indexHashMap[event.BatchIndex] = event.BatchHash
	s.hashInfoMap[event.BatchHash] = info

	header, ok := s.pendingHeaders[event.BatchIndex]
	if !ok {
		return nil
	}
	delete(s.pendingHeaders, event.BatchIndex)
	if err := verifyHeader(header, event.BatchHash); err != nil {
		return fmt.Errorf("pending header for batch %d: %w", event.BatchIndex, err)
	}
	info.BatchHeader = header
	return nil
}

// updateBatchHeader sets the header of a known batch. For an unknown batch the
// header is kept until the batch is created and ErrBatchNotFound is returned.
func (s *BatchState) updateBatchHeader(batchIndex uint64, header []byte) error {
	hash, ok := s.indexHashMap[batchIndex]
	if !ok {
		s.pendingHeaders[batchIndex] = header
		return fmt.Errorf("header back-fill deferred for batch %d: %w", batchIndex, ErrBatchNotFound)
	}
	if err := verifyHeader(header, hash); err != nil {
		return fmt.Errorf("batch %d: %w", batchIndex, err)
	}
	s.hashInfoMap[hash].BatchHeader = header
	return nil
}

func (s *BatchState) updateBatchProof(resp *provertypes.ProveBatchResponse) (uint64, error) {
	info, ok := s.hashInfoMap[resp.BatchHash]
	if !ok {
		return 0, fmt.Errorf("proof for batch %s: %w", resp.BatchHash.Hex(), ErrBatchNotFound)
	}
	info.ProveResponse = resp
	return info.BatchIndex, nil
}

// prevStateRoot returns the post-state root of batch index-1, if it is proved.
// Proving therefore has to advance by batch index.
func (s *BatchState) prevStateRoot(batchIndex uint64) (common.Hash, bool) {
	if batchIndex == 0 {
		return common.Hash{}, false
	}
	hash, ok := s.indexHashMap[batchIndex-1]
	if !ok {
		return common.Hash{}, false
	}
	info := s.hashInfoMap[hash]
	if !info.proved() {
		return common.Hash{}, false
	}
	return info.ProveResponse.PostStateRoot, true
}

// collectBatchInfos assembles the per-batch part of a bundle request over
// [begin, end]. Every batch must have a header and a proof.
func (s *BatchState) collectBatchInfos(begin, end uint64) (*provertypes.ProveBundleRequest, error) {
	req := &provertypes.ProveBundleRequest{
		BeginBatchIndex: begin,
		EndBatchIndex:   end,
	}
	for i := begin; i <= end; i++ {
		hash, ok := s.indexHashMap[i]
		if !ok {
			return nil, fmt.Errorf("batch %d: %w", i, ErrBatchNotFound)
		}
		info := s.hashInfoMap[hash]
		if info.BatchHeader == nil || !info.proved() {
			return nil, fmt.Errorf("batch %d: %w", i, ErrBatchIncomplete)
		}
		req.BatchHeaders = append(req.BatchHeaders, hexutil.Bytes(info.BatchHeader))
		req.StateRoots = append(req.StateRoots, info.ProveResponse.PostStateRoot)
		req.WithdrawRoots = append(req.WithdrawRoots, info.ProveResponse.PostWithdrawRoot)
		req.Signatures = append(req.Signatures, info.ProveResponse.Signature)
	}
	return req, nil
}

// prune drops every batch and pending header below batchIndex.
func (s *BatchState) prune(batchIndex uint64) int {
	pruned := 0
	for index, hash := range s.indexHashMap {
		if index < batchIndex {
			delete(s.indexHashMap, index)
			delete(s.hashInfoMap, hash)
			pruned++
		}
	}
	for index := range s.pendingHeaders {
		if index < batchIndex {
			delete(s.pendingHeaders, index)
		}
	}
	return pruned
}

func (s *BatchState) lastProvedBatchIndex() (uint64, bool) {
	var (
		last  uint64
		found bool
	)
	for _, info := range s.hashInfoMap {
		if info.proved() && (!found || info.BatchIndex > last) {
			last = info.BatchIndex
			found = true
		}
	}
	return last, found
}
