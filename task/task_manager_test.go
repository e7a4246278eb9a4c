package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/airchains-network/tee-prover/internal/retry"
	"github.com/airchains-network/tee-prover/metrics"
	"github.com/airchains-network/tee-prover/prover"
	provertypes "github.com/airchains-network/tee-prover/prover/types"
	"github.com/airchains-network/tee-prover/state"
	"github.com/airchains-network/tee-prover/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func root(n uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(n))
}

func header(index uint64) []byte {
	return []byte(fmt.Sprintf("batch-header-%d", index))
}

func batchHash(index uint64) common.Hash {
	return crypto.Keccak256Hash(header(index))
}

func firstBlock(index uint64) uint64 {
	return 100 + 2*(index-1)
}

func commitEvent(index uint64) *types.CommitBatchEvent {
	first := firstBlock(index)
	return &types.CommitBatchEvent{
		BatchIndex:      index,
		BatchHash:       batchHash(index),
		Chunks:          [][]uint64{{first, first + 1}},
		PrevBatchHeader: header(index - 1),
	}
}

func finalizeEvent(index uint64) *types.FinalizeBatchEvent {
	return &types.FinalizeBatchEvent{
		BatchIndex:      index,
		BatchHash:       batchHash(index),
		EndBatchHeader:  header(index),
		EndStateRoot:    root(1000 + index),
		EndWithdrawRoot: root(2000 + index),
	}
}

type fakeWatermark struct{}

func (fakeWatermark) LastTeeFinalizedBatchIndex(ctx context.Context) (uint64, error) {
	return 0, nil
}

type fakeTracer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTracer) GetBlockTraces(ctx context.Context, blocks []uint64) ([]*types.BlockTrace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	traces := make([]*types.BlockTrace, len(blocks))
	for i, block := range blocks {
		traces[i] = &types.BlockTrace{StorageTrace: types.StorageTrace{RootBefore: root(block)}}
	}
	return traces, nil
}

type fakeEnclave struct {
	mu          sync.Mutex
	batchErr    error
	bundleRoot  *common.Hash
	bundleCalls int

	// batchFailures and bundleFailures fail that many calls before succeeding
	batchFailures  int
	bundleFailures int
	bundleDelay    time.Duration
	prevRoots      map[uint64]common.Hash
	bundleRanges   [][2]uint64
}

func (f *fakeEnclave) ProveBatch(ctx context.Context, req *provertypes.ProveBatchRequest) (*provertypes.ProveBatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if f.batchFailures > 0 {
		f.batchFailures--
		return nil, errors.New("enclave restarting")
	}
	index := (req.Chunks[0][0]-100)/2 + 1
	if f.prevRoots == nil {
		f.prevRoots = map[uint64]common.Hash{}
	}
	f.prevRoots[index] = req.PrevStateRoot
	return &provertypes.ProveBatchResponse{
		BatchHash:        batchHash(index),
		PostStateRoot:    root(1000 + index),
		PostWithdrawRoot: root(2000 + index),
		Signature:        []byte{byte(index)},
	}, nil
}

func (f *fakeEnclave) ProveBundle(ctx context.Context, req *provertypes.ProveBundleRequest) (*provertypes.ProveBundleResponse, error) {
	f.mu.Lock()
	delay := f.bundleDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundleCalls++
	f.bundleRanges = append(f.bundleRanges, [2]uint64{req.BeginBatchIndex, req.EndBatchIndex})
	if f.bundleFailures > 0 {
		f.bundleFailures--
		return nil, errors.New("enclave restarting")
	}
	postRoot := req.StateRoots[len(req.StateRoots)-1]
	if f.bundleRoot != nil {
		postRoot = *f.bundleRoot
	}
	return &provertypes.ProveBundleResponse{
		PostStateRoot:    postRoot,
		PostWithdrawRoot: req.WithdrawRoots[len(req.WithdrawRoots)-1],
		Proof:            []byte{0xfe},
	}, nil
}

func (f *fakeEnclave) provedBatches() map[uint64]common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]common.Hash, len(f.prevRoots))
	for k, v := range f.prevRoots {
		out[k] = v
	}
	return out
}

type submission struct {
	header []byte
	root   common.Hash
}

type fakeSubmitter struct {
	mu          sync.Mutex
	submissions []submission
}

func (f *fakeSubmitter) FinalizeBundleWithTeeProof(ctx context.Context, batchHeader []byte, postStateRoot, withdrawRoot common.Hash, proof []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{header: batchHeader, root: postStateRoot})
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func (f *fakeSubmitter) headers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, sub := range f.submissions {
		out = append(out, string(sub.header))
	}
	return out
}

type recorder struct {
	mu            sync.Mutex
	notifications []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recorder) has(kind EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

type pipeline struct {
	manager    *TaskManager
	state      *state.StateManager
	tracer     *fakeTracer
	enclave    *fakeEnclave
	submitter  *fakeSubmitter
	metrics    *metrics.Metrics
	health     *metrics.Health
	recorder   *recorder
	commitTx   chan *types.CommitBatchEvent
	finalizeTx chan *types.FinalizeBatchEvent
}

func newPipeline() *pipeline {
	return newPipelineWithInterval(time.Hour)
}

func newPipelineWithInterval(retryInterval time.Duration) *pipeline {
	log := logrus.New()
	log.SetOutput(io.Discard)

	p := &pipeline{
		tracer:     &fakeTracer{},
		enclave:    &fakeEnclave{},
		submitter:  &fakeSubmitter{},
		metrics:    metrics.New(),
		health:     metrics.NewHealth(),
		recorder:   &recorder{},
		commitTx:   make(chan *types.CommitBatchEvent, 8),
		finalizeTx: make(chan *types.FinalizeBatchEvent, 8),
	}
	p.state = state.NewStateManager(fakeWatermark{}, log)
	cfg := Config{
		HandlerMaxAttempts: 2,
		ChannelCapacity:    4,
		Retry:              retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2},
		RetryInterval:      retryInterval,
	}
	p.manager = NewTaskManager(cfg, p.state, p.tracer, prover.NewProver(p.enclave, p.submitter, log), p.metrics, p.health, p.recorder, log)
	return p
}

func (p *pipeline) start(t *testing.T) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	p.manager.Start(ctx, p.commitTx, p.finalizeTx)
	t.Cleanup(func() {
		cancel()
		p.manager.Wait()
	})
	return cancel
}

func TestPipelineProvesAndSubmitsBundle(t *testing.T) {
	p := newPipeline()
	p.commitTx <- commitEvent(1)
	p.commitTx <- commitEvent(2)
	p.finalizeTx <- finalizeEvent(2)
	p.start(t)

	require.Eventually(t, func() bool { return p.submitter.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.recorder.has(BundleSubmitted) }, time.Second, 5*time.Millisecond)

	p.submitter.mu.Lock()
	got := p.submitter.submissions[0]
	p.submitter.mu.Unlock()
	require.Equal(t, header(2), got.header)
	require.Equal(t, root(1002), got.root)

	require.Equal(t, 2.0, testutil.ToFloat64(p.metrics.BatchesProved))
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.BundlesSubmitted))
	require.Equal(t, 2.0, testutil.ToFloat64(p.metrics.LastSubmittedBundleEnd))
	require.True(t, p.health.Status().Healthy)

	status := p.state.Status()
	require.Equal(t, uint64(2), *status.LastFinalizedBatchIndex)
	require.Equal(t, 1, status.Batches)
}

func TestCommitHandlerEscalatesAfterRetries(t *testing.T) {
	p := newPipeline()
	p.tracer.err = errors.New("trace source down")
	p.commitTx <- commitEvent(1)
	p.start(t)

	require.Eventually(t, func() bool { return p.recorder.has(PipelineFailure) }, time.Second, 5*time.Millisecond)
	require.False(t, p.health.Status().Healthy)
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.HandlerFailures.WithLabelValues("commit")))
	p.tracer.mu.Lock()
	require.Equal(t, 2, p.tracer.calls)
	p.tracer.mu.Unlock()
	require.False(t, p.recorder.has(BatchProved))
}

func TestProveBatchExhausted(t *testing.T) {
	p := newPipeline()
	p.enclave.batchErr = errors.New("enclave busy")
	p.commitTx <- commitEvent(1)
	p.start(t)

	require.Eventually(t, func() bool { return p.recorder.has(PipelineFailure) }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.RetryExhausted.WithLabelValues("prove_batch")))
	require.False(t, p.health.Status().Healthy)
}

func TestMismatchedBundleProofIsNotSubmitted(t *testing.T) {
	p := newPipeline()
	wrong := root(9999)
	p.enclave.bundleRoot = &wrong
	p.commitTx <- commitEvent(1)
	p.finalizeTx <- finalizeEvent(1)
	p.start(t)

	require.Eventually(t, func() bool { return p.recorder.has(PipelineFailure) }, time.Second, 5*time.Millisecond)
	require.False(t, p.health.Status().Healthy)
	require.Zero(t, p.submitter.count())
	p.enclave.mu.Lock()
	require.Equal(t, 1, p.enclave.bundleCalls)
	p.enclave.mu.Unlock()
	require.Zero(t, testutil.ToFloat64(p.metrics.RetryExhausted.WithLabelValues("submit_bundle")))
}

func TestLoopsExitWhenInputsClose(t *testing.T) {
	p := newPipeline()
	p.commitTx <- commitEvent(1)
	close(p.commitTx)
	close(p.finalizeTx)

	p.manager.Start(context.Background(), p.commitTx, p.finalizeTx)

	done := make(chan struct{})
	go func() {
		p.manager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit after inputs closed")
	}
	require.True(t, p.recorder.has(BatchProved))
}

func TestLoopsExitOnCancel(t *testing.T) {
	p := newPipeline()
	cancel := p.start(t)
	cancel()

	done := make(chan struct{})
	go func() {
		p.manager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit after cancel")
	}
}

func TestFailedBundleIsRetriedBeforeLaterBundles(t *testing.T) {
	p := newPipelineWithInterval(20 * time.Millisecond)
	p.enclave.bundleFailures = 3
	p.commitTx <- commitEvent(1)
	p.commitTx <- commitEvent(2)
	p.finalizeTx <- finalizeEvent(2)
	p.commitTx <- commitEvent(3)
	p.finalizeTx <- finalizeEvent(3)
	p.start(t)

	require.Eventually(t, func() bool { return p.submitter.count() == 2 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{string(header(2)), string(header(3))}, p.submitter.headers())

	p.enclave.mu.Lock()
	ranges := append([][2]uint64(nil), p.enclave.bundleRanges...)
	p.enclave.mu.Unlock()
	require.Equal(t, [][2]uint64{{1, 2}, {1, 2}, {1, 2}, {1, 2}, {3, 3}}, ranges)

	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.RetryExhausted.WithLabelValues("prove_bundle")))
	require.Eventually(t, func() bool { return p.health.Status().Healthy }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(3), *p.state.Status().LastFinalizedBatchIndex)
}

func TestBatchesChainOnPredecessorProof(t *testing.T) {
	p := newPipeline()
	p.enclave.bundleDelay = 200 * time.Millisecond
	p.finalizeTx <- finalizeEvent(1)
	for i := uint64(1); i <= 4; i++ {
		p.commitTx <- commitEvent(i)
	}
	p.start(t)

	require.Eventually(t, func() bool { return len(p.enclave.provedBatches()) == 4 }, 2*time.Second, 5*time.Millisecond)

	prevRoots := p.enclave.provedBatches()
	require.Equal(t, root(firstBlock(1)), prevRoots[1])
	for i := uint64(2); i <= 4; i++ {
		require.Equal(t, root(1000+i-1), prevRoots[i], "batch %d", i)
	}
}

func TestCommitEventHeldUntilEnclaveRecovers(t *testing.T) {
	p := newPipelineWithInterval(20 * time.Millisecond)
	p.enclave.batchFailures = 3
	p.commitTx <- commitEvent(1)
	p.commitTx <- commitEvent(2)
	p.finalizeTx <- finalizeEvent(2)
	p.start(t)

	require.Eventually(t, func() bool { return p.submitter.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{string(header(2))}, p.submitter.headers())
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.RetryExhausted.WithLabelValues("prove_batch")))
	require.Equal(t, 2.0, testutil.ToFloat64(p.metrics.BatchesProved))

	prevRoots := p.enclave.provedBatches()
	require.Equal(t, root(1001), prevRoots[2])
	require.Eventually(t, func() bool { return p.health.Status().Healthy }, time.Second, 5*time.Millisecond)
}
