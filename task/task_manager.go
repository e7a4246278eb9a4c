package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/airchains-network/tee-prover/internal/retry"
	"github.com/airchains-network/tee-prover/metrics"
	"github.com/airchains-network/tee-prover/prover"
	provertypes "github.com/airchains-network/tee-prover/prover/types"
	"github.com/airchains-network/tee-prover/state"
	"github.com/airchains-network/tee-prover/types"
	"github.com/sirupsen/logrus"
)

// Prover proves batches and bundles and submits bundle proofs to L1.
type Prover interface {
	ProveBatch(ctx context.Context, req *provertypes.ProveBatchRequest) (*provertypes.ProveBatchResponse, error)
	ProveBundle(ctx context.Context, req *provertypes.ProveBundleRequest) (*provertypes.ProveBundleResponse, error)
	SubmitBundleProof(ctx context.Context, req *provertypes.ProveBundleRequest, resp *provertypes.ProveBundleResponse) error
}

type Config struct {
	// HandlerMaxAttempts bounds retries of a failing event handler.
	HandlerMaxAttempts int
	// ChannelCapacity is the size of the proved-batch channel between the loops.
	ChannelCapacity int
	// Retry applies to prove and submit calls.
	Retry retry.Config
	// RetryInterval is the pause before a commit event or bundle whose retries
	// ran out is attempted again.
	RetryInterval time.Duration
}

// TaskManager runs the commit loop and the bundle loop.
type TaskManager struct {
	cfg      Config
	state    *state.StateManager
	tracer   state.BlockTracer
	prover   Prover
	metrics  *metrics.Metrics
	health   *metrics.Health
	notifier Notifier
	log      *logrus.Entry

	wg sync.WaitGroup
}

func NewTaskManager(
	cfg Config,
	stateManager *state.StateManager,
	tracer state.BlockTracer,
	p Prover,
	m *metrics.Metrics,
	health *metrics.Health,
	notifier Notifier,
	log *logrus.Logger,
) *TaskManager {
	if cfg.HandlerMaxAttempts < 1 {
		cfg.HandlerMaxAttempts = 1
	}
	if cfg.ChannelCapacity < 1 {
		cfg.ChannelCapacity = 32
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = cfg.Retry.MaxBackoff
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	return &TaskManager{
		cfg:      cfg,
		state:    stateManager,
		tracer:   tracer,
		prover:   p,
		metrics:  m,
		health:   health,
		notifier: notifier,
		log:      log.WithField("component", "task"),
	}
}

// Start launches both loops. They stop when ctx is cancelled; the bundle loop
// also stops once both of its inputs are closed.
func (m *TaskManager) Start(ctx context.Context, commitRx <-chan *types.CommitBatchEvent, finalizeRx <-chan *types.FinalizeBatchEvent) {
	provedCh := make(chan *provertypes.ProveBatchResponse, m.cfg.ChannelCapacity)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.commitLoop(ctx, commitRx, provedCh)
	}()
	go func() {
		defer m.wg.Done()
		m.bundleLoop(ctx, finalizeRx, provedCh)
	}()
}

// Wait blocks until both loops have exited.
func (m *TaskManager) Wait() {
	m.wg.Wait()
}

// commitLoop handles commit events in order. An event whose handling failed is
// held and attempted again before the next one is read, so no batch is skipped.
func (m *TaskManager) commitLoop(ctx context.Context, commitRx <-chan *types.CommitBatchEvent, provedTx chan<- *provertypes.ProveBatchResponse) {
	defer close(provedTx)
	defer m.log.Info("Commit loop stopped")

	for {
		var event *types.CommitBatchEvent
		select {
		case <-ctx.Done():
			return
		case e, ok := <-commitRx:
			if !ok {
				return
			}
			event = e
		}

		for {
			resp, err := m.handleCommitEvent(ctx, event)
			if err == nil {
				select {
				case provedTx <- resp:
				case <-ctx.Done():
					return
				}
				break
			}
			if ctx.Err() != nil {
				return
			}
			if !requeueable(err) {
				m.log.Errorf("Dropping commit of batch %d: %v", event.BatchIndex, err)
				break
			}

			m.log.Warnf("Holding commit of batch %d, next attempt in %s", event.BatchIndex, m.cfg.RetryInterval)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.RetryInterval):
			}
		}
	}
}

// requeueable reports whether a failed commit event can succeed on a later attempt.
func requeueable(err error) bool {
	return !errors.Is(err, state.ErrEmptyBatch) && !errors.Is(err, state.ErrBatchNotFound)
}

// handleCommitEvent builds the batch request, proves it and records the proof
// before returning, so the next batch chains on its post-state root. Failures
// are reported here.
func (m *TaskManager) handleCommitEvent(ctx context.Context, event *types.CommitBatchEvent) (*provertypes.ProveBatchResponse, error) {
	m.log.Infof("Handling commit of batch %d", event.BatchIndex)

	handlerCfg := m.cfg.Retry
	handlerCfg.MaxAttempts = m.cfg.HandlerMaxAttempts
	op := fmt.Sprintf("commit handler for batch %d", event.BatchIndex)
	req, err := retry.Do(ctx, handlerCfg, m.log, op, func(ctx context.Context) (*provertypes.ProveBatchRequest, error) {
		req, err := m.state.OnBatchCommitEventReceived(ctx, event, m.tracer)
		if errors.Is(err, state.ErrEmptyBatch) {
			return nil, retry.Permanent(err)
		}
		return req, err
	})
	if err != nil {
		m.handlerFailed(ctx, "commit", err, true)
		return nil, err
	}
	m.notify(Notification{Kind: BatchRequested, BatchIndex: event.BatchIndex})

	resp, err := retry.Do(ctx, m.cfg.Retry, m.log, fmt.Sprintf("prove batch %d", event.BatchIndex), func(ctx context.Context) (*provertypes.ProveBatchResponse, error) {
		return m.prover.ProveBatch(ctx, req)
	})
	if err != nil {
		m.operationFailed(ctx, "prove_batch", err)
		return nil, err
	}

	if _, err := m.state.RecordBatchProof(resp); err != nil {
		m.handlerFailed(ctx, "batch_proved", err, false)
		return nil, err
	}

	m.log.Infof("Proved batch %d, post state root %s", event.BatchIndex, resp.PostStateRoot.Hex())
	m.metrics.BatchesProved.Inc()
	m.metrics.LastProvedBatchIndex.Set(float64(event.BatchIndex))
	m.notify(Notification{Kind: BatchProved, BatchIndex: event.BatchIndex})
	return resp, nil
}

// bundleLoop derives bundle requests on finalize events and recorded proofs,
// and proves and submits them one at a time. A ticker derives again so a
// bundle that failed is picked up without a new event.
func (m *TaskManager) bundleLoop(ctx context.Context, finalizeRx <-chan *types.FinalizeBatchEvent, provedRx <-chan *provertypes.ProveBatchResponse) {
	defer m.log.Info("Bundle loop stopped")

	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()

	failed := false
	for finalizeRx != nil || provedRx != nil {
		var requests []*provertypes.ProveBundleRequest

		select {
		case <-ctx.Done():
			return
		case event, ok := <-finalizeRx:
			if !ok {
				finalizeRx = nil
				continue
			}
			requests = m.handleFinalizeEvent(ctx, event)
		case resp, ok := <-provedRx:
			if !ok {
				provedRx = nil
				continue
			}
			m.log.Debugf("Batch %s proved, deriving bundles", resp.BatchHash.Hex())
			requests = m.state.TryBuildProveBundleRequests()
		case <-ticker.C:
			if failed {
				if err := m.state.RefreshWatermark(ctx); err != nil {
					m.log.Warnf("Failed to refresh watermark: %v", err)
				}
			}
			requests = m.state.TryBuildProveBundleRequests()
		}

		for _, req := range requests {
			if ctx.Err() != nil {
				return
			}
			if !m.proveAndSubmitBundle(ctx, req) {
				// later requests start after this one and are released with it
				m.state.OnBundleFailed(req.BeginBatchIndex, req.EndBatchIndex)
				failed = true
				break
			}
			failed = false
		}
	}
}

func (m *TaskManager) handleFinalizeEvent(ctx context.Context, event *types.FinalizeBatchEvent) []*provertypes.ProveBundleRequest {
	m.log.Infof("Handling finalize boundary at batch %d", event.BatchIndex)

	handlerCfg := m.cfg.Retry
	handlerCfg.MaxAttempts = m.cfg.HandlerMaxAttempts
	op := fmt.Sprintf("finalize handler for batch %d", event.BatchIndex)
	requests, err := retry.Do(ctx, handlerCfg, m.log, op, func(ctx context.Context) ([]*provertypes.ProveBundleRequest, error) {
		reqs, err := m.state.OnBatchFinalizeEventReceived(ctx, event)
		if errors.Is(err, state.ErrStaleFinalizeEvent) || state.IsFatal(err) {
			return nil, retry.Permanent(err)
		}
		return reqs, err
	})
	if err != nil {
		if errors.Is(err, state.ErrStaleFinalizeEvent) {
			m.log.Warnf("Ignoring finalize event: %v", err)
			return nil
		}
		m.handlerFailed(ctx, "finalize", err, errors.Is(err, retry.ErrExhausted) || state.IsFatal(err))
		return nil
	}
	return requests
}

// proveAndSubmitBundle reports whether the bundle was finalized on L1.
func (m *TaskManager) proveAndSubmitBundle(ctx context.Context, req *provertypes.ProveBundleRequest) bool {
	bundle := fmt.Sprintf("bundle %d-%d", req.BeginBatchIndex, req.EndBatchIndex)

	resp, err := retry.Do(ctx, m.cfg.Retry, m.log, "prove "+bundle, func(ctx context.Context) (*provertypes.ProveBundleResponse, error) {
		return m.prover.ProveBundle(ctx, req)
	})
	if err != nil {
		m.operationFailed(ctx, "prove_bundle", err)
		return false
	}
	m.metrics.BundlesProved.Inc()
	m.notify(Notification{Kind: BundleProved, BeginBatchIndex: req.BeginBatchIndex, EndBatchIndex: req.EndBatchIndex})

	_, err = retry.Do(ctx, m.cfg.Retry, m.log, "submit "+bundle, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.prover.SubmitBundleProof(ctx, req, resp)
	})
	if err != nil {
		m.operationFailed(ctx, "submit_bundle", err)
		return false
	}

	m.state.OnBundleSubmitted(req.EndBatchIndex)
	m.metrics.BundlesSubmitted.Inc()
	m.metrics.LastSubmittedBundleEnd.Set(float64(req.EndBatchIndex))
	m.notify(Notification{Kind: BundleSubmitted, BeginBatchIndex: req.BeginBatchIndex, EndBatchIndex: req.EndBatchIndex})
	m.log.Infof("Submitted %s", bundle)

	// the pipeline is making progress again
	if !m.health.Status().Healthy {
		m.log.Info("Pipeline recovered")
		m.health.Recover()
	}
	return true
}

// handlerFailed reports a state handler error. escalate marks the pipeline
// degraded, used once retries are spent or state is inconsistent.
func (m *TaskManager) handlerFailed(ctx context.Context, handler string, err error, escalate bool) {
	if ctx.Err() != nil {
		return
	}
	m.metrics.HandlerFailures.WithLabelValues(handler).Inc()
	m.log.Errorf("%s handler failed: %v", handler, err)
	if escalate || state.IsFatal(err) {
		m.health.Degrade(fmt.Sprintf("%s handler: %v", handler, err))
	}
	m.notify(Notification{Kind: PipelineFailure, Operation: handler, Error: err.Error()})
}

func (m *TaskManager) operationFailed(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, retry.ErrExhausted) {
		m.metrics.RetryExhausted.WithLabelValues(op).Inc()
	}
	if errors.Is(err, prover.ErrProofMismatch) {
		m.log.Errorf("%s rejected: %v", op, err)
	} else {
		m.log.Errorf("%s failed: %v", op, err)
	}
	m.health.Degrade(fmt.Sprintf("%s: %v", op, err))
	m.notify(Notification{Kind: PipelineFailure, Operation: op, Error: err.Error()})
}

func (m *TaskManager) notify(n Notification) {
	if m.notifier == nil {
		return
	}
	n.Time = time.Now()
	m.notifier.Notify(n)
}
