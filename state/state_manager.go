package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	provertypes "github.com/airchains-network/tee-prover/prover/types"
	"github.com/airchains-network/tee-prover/types"
	"github.com/sirupsen/logrus"
)

// L1Watermark reports the last batch index finalized with a TEE proof on L1.
type L1Watermark interface {
	LastTeeFinalizedBatchIndex(ctx context.Context) (uint64, error)
}

// BlockTracer resolves block numbers to traces in order.
type BlockTracer interface {
	GetBlockTraces(ctx context.Context, blocks []uint64) ([]*types.BlockTrace, error)
}

// StateManager owns batch and bundle state and derives the proof requests that
// become possible as events and proofs arrive. Locks are held only while the
// maps are touched, never across a remote call.
type StateManager struct {
	l1 L1Watermark

	batchMu sync.Mutex
	batches *BatchState

	bundleMu sync.Mutex
	bundles  *BundleState

	// deriveMu serializes bundle derivation so racing triggers emit each
	// bundle once.
	deriveMu       sync.Mutex
	lastEmittedEnd uint64
	hasEmitted     bool

	// usedTraceRoot is set, under batchMu, once a batch was requested with
	// its first block's pre-state root instead of a proved predecessor.
	usedTraceRoot bool

	log *logrus.Entry
}

func NewStateManager(l1 L1Watermark, log *logrus.Logger) *StateManager {
	return &StateManager{
		l1:      l1,
		batches: NewBatchState(),
		bundles: NewBundleState(),
		log:     log.WithField("component", "state"),
	}
}

// OnBatchCommitEventReceived registers the committed batch, back-fills the
// previous batch's header, fetches the block traces and returns the batch
// proof request.
func (s *StateManager) OnBatchCommitEventReceived(ctx context.Context, event *types.CommitBatchEvent, tracer BlockTracer) (*provertypes.ProveBatchRequest, error) {
	blocks := event.Blocks()
	if len(blocks) == 0 {
		return nil, fmt.Errorf("batch %d: %w", event.BatchIndex, ErrEmptyBatch)
	}

	s.batchMu.Lock()
	createErr := s.batches.createBatch(event, blocks[0])
	var backfillErr error
	if event.BatchIndex > 0 && len(event.PrevBatchHeader) > 0 {
		backfillErr = s.batches.updateBatchHeader(event.BatchIndex-1, event.PrevBatchHeader)
	}
	s.batchMu.Unlock()

	if createErr != nil {
		s.log.Warnf("Discarded header for batch %d: %v", event.BatchIndex, createErr)
	}
	s.logBackfill(backfillErr)

	traces, err := tracer.GetBlockTraces(ctx, blocks)
	if err != nil {
		return nil, fmt.Errorf("failed to get traces for batch %d: %w", event.BatchIndex, err)
	}
	if len(traces) != len(blocks) {
		return nil, fmt.Errorf("batch %d: got %d traces for %d blocks", event.BatchIndex, len(traces), len(blocks))
	}

	s.batchMu.Lock()
	prevStateRoot, ok := s.batches.prevStateRoot(event.BatchIndex)
	firstFallback := !ok && !s.usedTraceRoot
	if !ok {
		s.usedTraceRoot = true
	}
	s.batchMu.Unlock()
	if !ok {
		prevStateRoot = traces[0].StorageTrace.RootBefore
		if firstFallback {
			s.log.Infof("Batch %d has no proved predecessor, using pre-state root %s of block %d",
				event.BatchIndex, prevStateRoot.Hex(), blocks[0])
		} else {
			// only the first batch after start should get here
			s.log.Warnf("Batch %d has no proved predecessor, falling back to pre-state root %s of block %d",
				event.BatchIndex, prevStateRoot.Hex(), blocks[0])
		}
	}

	return &provertypes.ProveBatchRequest{
		PrevBatchHeader: event.PrevBatchHeader,
		PrevStateRoot:   prevStateRoot,
		BatchVersion:    event.BatchVersion,
		Blocks:          traces,
		Chunks:          event.Chunks,
	}, nil
}

// OnBatchProved records a batch proof and returns any bundle requests it unblocked.
func (s *StateManager) OnBatchProved(resp *provertypes.ProveBatchResponse) ([]*provertypes.ProveBundleRequest, error) {
	if _, err := s.RecordBatchProof(resp); err != nil {
		return nil, err
	}
	return s.TryBuildProveBundleRequests(), nil
}

// RecordBatchProof attaches a proof to its batch so the next batch can chain
// on its post-state root. It does not derive bundles.
func (s *StateManager) RecordBatchProof(resp *provertypes.ProveBatchResponse) (uint64, error) {
	s.batchMu.Lock()
	index, err := s.batches.updateBatchProof(resp)
	s.batchMu.Unlock()
	if err != nil {
		return 0, err
	}
	s.log.Debugf("Recorded proof for batch %d, post state root %s", index, resp.PostStateRoot.Hex())
	return index, nil
}

// OnBatchFinalizeEventReceived queues a bundle boundary and returns any bundle
// requests that are ready.
func (s *StateManager) OnBatchFinalizeEventReceived(ctx context.Context, event *types.FinalizeBatchEvent) ([]*provertypes.ProveBundleRequest, error) {
	lastFinalized, err := s.l1.LastTeeFinalizedBatchIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get last finalized batch index: %w", err)
	}

	if event.BatchIndex < lastFinalized {
		return nil, fmt.Errorf("%w: event %d, watermark %d", ErrStaleFinalizeEvent, event.BatchIndex, lastFinalized)
	}

	s.bundleMu.Lock()
	err = s.bundles.appendEvent(event, lastFinalized)
	s.bundleMu.Unlock()
	if err != nil {
		return nil, err
	}

	s.batchMu.Lock()
	backfillErr := s.batches.updateBatchHeader(event.BatchIndex, event.EndBatchHeader)
	s.batchMu.Unlock()
	s.logBackfill(backfillErr)

	if event.BatchIndex == lastFinalized {
		return nil, nil
	}
	return s.TryBuildProveBundleRequests(), nil
}

// OnBundleSubmitted advances the local watermark after a bundle ending at
// endBatchIndex is finalized on L1. Batch endBatchIndex is kept since the next
// batch reads its post-state root.
func (s *StateManager) OnBundleSubmitted(endBatchIndex uint64) {
	s.advanceWatermark(endBatchIndex)
	s.log.Debugf("Bundle ending at batch %d submitted", endBatchIndex)
}

// OnBundleFailed hands a bundle that could not be proved or submitted back to
// derivation, together with every bundle emitted after it.
func (s *StateManager) OnBundleFailed(beginBatchIndex, endBatchIndex uint64) {
	s.deriveMu.Lock()
	defer s.deriveMu.Unlock()

	if !s.hasEmitted || s.lastEmittedEnd < beginBatchIndex || beginBatchIndex == 0 {
		return
	}
	s.lastEmittedEnd = beginBatchIndex - 1
	s.log.Warnf("Bundle %d-%d released for another attempt", beginBatchIndex, endBatchIndex)
}

// RefreshWatermark reads the L1 watermark and advances the local one when L1
// is ahead, e.g. after a submission that was mined but not confirmed in time.
func (s *StateManager) RefreshWatermark(ctx context.Context) error {
	lastFinalized, err := s.l1.LastTeeFinalizedBatchIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to get last finalized batch index: %w", err)
	}

	s.bundleMu.Lock()
	behind := !s.bundles.hasLastFinalized || lastFinalized > s.bundles.lastFinalized
	s.bundleMu.Unlock()
	if behind {
		s.advanceWatermark(lastFinalized)
		s.log.Infof("Local watermark advanced to batch %d from L1", lastFinalized)
	}
	return nil
}

func (s *StateManager) advanceWatermark(lastFinalized uint64) {
	s.bundleMu.Lock()
	s.bundles.setLastFinalized(lastFinalized)
	s.bundleMu.Unlock()

	s.batchMu.Lock()
	pruned := s.batches.prune(lastFinalized)
	s.batchMu.Unlock()
	if pruned > 0 {
		s.log.Debugf("Pruned %d batches below %d", pruned, lastFinalized)
	}
}

// TryBuildProveBundleRequests returns the bundles that became ready since the
// last call. Nothing new is emitted while an earlier emitted bundle is still
// above the watermark, so bundles reach L1 strictly in order.
func (s *StateManager) TryBuildProveBundleRequests() []*provertypes.ProveBundleRequest {
	s.deriveMu.Lock()
	defer s.deriveMu.Unlock()

	s.bundleMu.Lock()
	bundles, ok := s.bundles.pendingBundles()
	lastFinalized := s.bundles.lastFinalized
	s.bundleMu.Unlock()
	if !ok {
		s.log.Debug("No finalization watermark yet, skipping bundle derivation")
		return nil
	}
	if s.hasEmitted && s.lastEmittedEnd > lastFinalized {
		s.log.Debugf("Bundle ending at batch %d still in flight", s.lastEmittedEnd)
		return nil
	}

	var requests []*provertypes.ProveBundleRequest
	for _, bundle := range bundles {
		if s.hasEmitted && bundle.EndBatchIndex <= s.lastEmittedEnd {
			continue
		}

		s.batchMu.Lock()
		req, err := s.batches.collectBatchInfos(bundle.BeginBatchIndex, bundle.EndBatchIndex)
		s.batchMu.Unlock()
		if err != nil {
			// later bundles cannot be submitted before this one
			s.log.Debugf("Bundle %d-%d not ready: %v", bundle.BeginBatchIndex, bundle.EndBatchIndex, err)
			break
		}

		req.EndBatchHeader = bundle.EndBatchHeader
		req.EndStateRoot = bundle.EndStateRoot
		req.EndWithdrawRoot = bundle.EndWithdrawRoot
		requests = append(requests, req)

		s.lastEmittedEnd = bundle.EndBatchIndex
		s.hasEmitted = true
		s.log.Infof("Bundle %d-%d ready for proving", bundle.BeginBatchIndex, bundle.EndBatchIndex)
	}
	return requests
}

func (s *StateManager) logBackfill(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrBatchNotFound):
		s.log.Debugf("%v", err)
	default:
		s.log.Warnf("Header back-fill failed: %v", err)
	}
}

// Status is a point-in-time view of the pipeline state.
type Status struct {
	Batches                 int     `json:"batches"`
	ProvedBatches           int     `json:"proved_batches"`
	PendingHeaders          int     `json:"pending_headers"`
	LastProvedBatchIndex    *uint64 `json:"last_proved_batch_index,omitempty"`
	QueuedBundles           int     `json:"queued_bundles"`
	LastFinalizedBatchIndex *uint64 `json:"last_finalized_batch_index,omitempty"`
	LastEmittedBundleEnd    *uint64 `json:"last_emitted_bundle_end,omitempty"`
}

func (s *StateManager) Status() Status {
	var status Status

	s.batchMu.Lock()
	status.Batches = len(s.batches.hashInfoMap)
	for _, info := range s.batches.hashInfoMap {
		if info.proved() {
			status.ProvedBatches++
		}
	}
	status.PendingHeaders = len(s.batches.pendingHeaders)
	if last, ok := s.batches.lastProvedBatchIndex(); ok {
		status.LastProvedBatchIndex = &last
	}
	s.batchMu.Unlock()

	s.bundleMu.Lock()
	status.QueuedBundles = s.bundles.len()
	if s.bundles.hasLastFinalized {
		last := s.bundles.lastFinalized
		status.LastFinalizedBatchIndex = &last
	}
	s.bundleMu.Unlock()

	s.deriveMu.Lock()
	if s.hasEmitted {
		end := s.lastEmittedEnd
		status.LastEmittedBundleEnd = &end
	}
	s.deriveMu.Unlock()

	return status
}
