package state

import (
	"fmt"

	"github.com/airchains-network/tee-prover/types"
	"github.com/ethereum/go-ethereum/common"
)

// BundleInfo is one finalize boundary. BeginBatchIndex is only set on the
// copies returned by pendingBundles.
type BundleInfo struct {
	BeginBatchIndex uint64
	EndBatchIndex   uint64
	EndBatchHeader  []byte
	EndStateRoot    common.Hash
	EndWithdrawRoot common.Hash
}

// BundleState is the queue of finalize boundaries above the L1 watermark,
// oldest first.
type BundleState struct {
	queue []BundleInfo

	lastFinalized    uint64
	hasLastFinalized bool

	lastAppendedEnd uint64
	hasAppended     bool
}

func NewBundleState() *BundleState {
	return &BundleState{}
}

// appendEvent queues a boundary. Boundaries must arrive in strictly increasing
// order, and while the queue is non-empty the watermark may only stay where it
// was or move onto a queued boundary. It never moves backwards.
func (s *BundleState) appendEvent(event *types.FinalizeBatchEvent, lastFinalized uint64) error {
	if s.hasAppended && event.BatchIndex <= s.lastAppendedEnd {
		return fmt.Errorf("%w: boundary %d after %d", ErrBundleOutOfOrder, event.BatchIndex, s.lastAppendedEnd)
	}
	// a lagging L1 node may report less than what was already submitted
	if s.hasLastFinalized && lastFinalized < s.lastFinalized {
		lastFinalized = s.lastFinalized
	}
	if len(s.queue) > 0 && !s.aligned(lastFinalized) {
		return fmt.Errorf("%w: watermark %d, queued boundaries %d..%d", ErrBundleMisaligned,
			lastFinalized, s.queue[0].EndBatchIndex, s.queue[len(s.queue)-1].EndBatchIndex)
	}

	s.queue = append(s.queue, BundleInfo{
		EndBatchIndex:   event.BatchIndex,
		EndBatchHeader:  event.EndBatchHeader,
		EndStateRoot:    event.EndStateRoot,
		EndWithdrawRoot: event.EndWithdrawRoot,
	})
	s.lastAppendedEnd = event.BatchIndex
	s.hasAppended = true
	s.setLastFinalized(lastFinalized)
	return nil
}

func (s *BundleState) aligned(lastFinalized uint64) bool {
	if s.hasLastFinalized && lastFinalized == s.lastFinalized {
		return true
	}
	for _, info := range s.queue {
		if info.EndBatchIndex == lastFinalized {
			return true
		}
	}
	return false
}

// setLastFinalized advances the watermark and purges boundaries at or below it.
func (s *BundleState) setLastFinalized(lastFinalized uint64) {
	if s.hasLastFinalized && lastFinalized < s.lastFinalized {
		return
	}
	s.lastFinalized = lastFinalized
	s.hasLastFinalized = true

	kept := s.queue[:0]
	for _, info := range s.queue {
		if info.EndBatchIndex > lastFinalized {
			kept = append(kept, info)
		}
	}
	s.queue = kept
}

// pendingBundles purges boundaries at or below the watermark and returns the
// rest with begin indexes resolved: the first starts right after the
// watermark, each later one right after its predecessor. It returns false
// until a watermark is known.
func (s *BundleState) pendingBundles() ([]BundleInfo, bool) {
	if !s.hasLastFinalized {
		return nil, false
	}
	s.setLastFinalized(s.lastFinalized)

	bundles := make([]BundleInfo, 0, len(s.queue))
	next := s.lastFinalized + 1
	for _, info := range s.queue {
		info.BeginBatchIndex = next
		bundles = append(bundles, info)
		next = info.EndBatchIndex + 1
	}
	return bundles, true
}

func (s *BundleState) len() int {
	return len(s.queue)
}
