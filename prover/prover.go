package prover

import (
	"context"
	"errors"
	"fmt"

	"github.com/airchains-network/tee-prover/internal/retry"
	"github.com/airchains-network/tee-prover/prover/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ErrProofMismatch is returned when a bundle proof does not end at the
// boundary the bundle was built for. It is never retried.
var ErrProofMismatch = errors.New("bundle proof does not match bundle boundary")

// Enclave is the remote proving service.
type Enclave interface {
	ProveBatch(ctx context.Context, req *types.ProveBatchRequest) (*types.ProveBatchResponse, error)
	ProveBundle(ctx context.Context, req *types.ProveBundleRequest) (*types.ProveBundleResponse, error)
}

// Submitter finalizes a proved bundle on L1.
type Submitter interface {
	FinalizeBundleWithTeeProof(ctx context.Context, batchHeader []byte, postStateRoot, withdrawRoot common.Hash, proof []byte) error
}

// Prover makes one remote call per method. Retrying is up to the caller.
type Prover struct {
	enclave   Enclave
	submitter Submitter
	log       *logrus.Entry
}

func NewProver(enclave Enclave, submitter Submitter, log *logrus.Logger) *Prover {
	return &Prover{
		enclave:   enclave,
		submitter: submitter,
		log:       log.WithField("component", "prover"),
	}
}

func (p *Prover) ProveBatch(ctx context.Context, req *types.ProveBatchRequest) (*types.ProveBatchResponse, error) {
	return p.enclave.ProveBatch(ctx, req)
}

func (p *Prover) ProveBundle(ctx context.Context, req *types.ProveBundleRequest) (*types.ProveBundleResponse, error) {
	return p.enclave.ProveBundle(ctx, req)
}

// SubmitBundleProof checks the proof against the bundle boundary and sends it to L1.
func (p *Prover) SubmitBundleProof(ctx context.Context, req *types.ProveBundleRequest, resp *types.ProveBundleResponse) error {
	if err := checkBundleProof(req, resp); err != nil {
		return retry.Permanent(err)
	}

	if err := p.submitter.FinalizeBundleWithTeeProof(ctx, req.EndBatchHeader, resp.PostStateRoot, resp.PostWithdrawRoot, resp.Proof); err != nil {
		return fmt.Errorf("failed to finalize bundle %d-%d: %w", req.BeginBatchIndex, req.EndBatchIndex, err)
	}
	p.log.Infof("Finalized bundle %d-%d with post state root %s", req.BeginBatchIndex, req.EndBatchIndex, resp.PostStateRoot.Hex())
	return nil
}

func checkBundleProof(req *types.ProveBundleRequest, resp *types.ProveBundleResponse) error {
	if len(resp.Proof) == 0 {
		return fmt.Errorf("%w: empty proof for bundle %d-%d", ErrProofMismatch, req.BeginBatchIndex, req.EndBatchIndex)
	}
	if resp.PostStateRoot != req.EndStateRoot {
		return fmt.Errorf("%w: post state root %s, boundary %s", ErrProofMismatch, resp.PostStateRoot.Hex(), req.EndStateRoot.Hex())
	}
	if resp.PostWithdrawRoot != req.EndWithdrawRoot {
		return fmt.Errorf("%w: post withdraw root %s, boundary %s", ErrProofMismatch, resp.PostWithdrawRoot.Hex(), req.EndWithdrawRoot.Hex())
	}
	return nil
}
