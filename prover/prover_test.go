package prover

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airchains-network/tee-prover/internal/retry"
	"github.com/airchains-network/tee-prover/prover/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type enclaveService struct {
	batchCalls atomic.Int32
}

func (s *enclaveService) ProveBatch(ctx context.Context, req *types.ProveBatchRequest) (*types.ProveBatchResponse, error) {
	s.batchCalls.Add(1)
	return &types.ProveBatchResponse{
		BatchHash:     common.HexToHash("0x01"),
		PostStateRoot: req.PrevStateRoot,
		Signature:     []byte{0xaa},
	}, nil
}

func (s *enclaveService) ProveBundle(ctx context.Context, req *types.ProveBundleRequest) (*types.ProveBundleResponse, error) {
	if len(req.BatchHeaders) == 0 {
		return nil, errors.New("empty bundle")
	}
	return &types.ProveBundleResponse{
		PostStateRoot:    req.EndStateRoot,
		PostWithdrawRoot: req.EndWithdrawRoot,
		Proof:            []byte{0x01, 0x02},
	}, nil
}

func newEnclave(t *testing.T) (*EnclaveClient, *enclaveService) {
	service := &enclaveService{}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("enclave", service))
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		httpServer.Close()
		server.Stop()
	})

	client, err := NewEnclaveClient(context.Background(), httpServer.URL, time.Second)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, service
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestEnclaveClientRoundTrip(t *testing.T) {
	client, service := newEnclave(t)
	ctx := context.Background()

	prevRoot := common.HexToHash("0xbeef")
	batchResp, err := client.ProveBatch(ctx, &types.ProveBatchRequest{PrevStateRoot: prevRoot, Chunks: [][]uint64{{1, 2}}})
	require.NoError(t, err)
	require.Equal(t, prevRoot, batchResp.PostStateRoot)
	require.Equal(t, int32(1), service.batchCalls.Load())

	_, err = client.ProveBundle(ctx, &types.ProveBundleRequest{})
	require.ErrorContains(t, err, "empty bundle")
}

func TestEnclaveClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such route", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewEnclaveClient(context.Background(), server.URL, time.Second)
	require.NoError(t, err)
	defer client.Close()

	cfg := retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	_, err = retry.Do(context.Background(), cfg, testLogger(), "prove batch", func(ctx context.Context) (*types.ProveBatchResponse, error) {
		return client.ProveBatch(ctx, &types.ProveBatchRequest{})
	})
	require.ErrorContains(t, err, "non-retryable")
	require.NotErrorIs(t, err, retry.ErrExhausted)
	require.Equal(t, int32(1), calls.Load())
}

type fakeSubmitter struct {
	calls  int
	header []byte
	root   common.Hash
	proof  []byte
	err    error
}

func (f *fakeSubmitter) FinalizeBundleWithTeeProof(ctx context.Context, batchHeader []byte, postStateRoot, withdrawRoot common.Hash, proof []byte) error {
	f.calls++
	f.header = batchHeader
	f.root = postStateRoot
	f.proof = proof
	return f.err
}

func bundleRequest() *types.ProveBundleRequest {
	return &types.ProveBundleRequest{
		BatchHeaders:    []hexutil.Bytes{{0x01}},
		EndBatchHeader:  []byte{0x0f},
		EndStateRoot:    common.HexToHash("0x10"),
		EndWithdrawRoot: common.HexToHash("0x20"),
		BeginBatchIndex: 1,
		EndBatchIndex:   1,
	}
}

func TestSubmitBundleProof(t *testing.T) {
	client, _ := newEnclave(t)
	submitter := &fakeSubmitter{}
	p := NewProver(client, submitter, testLogger())
	ctx := context.Background()

	req := bundleRequest()
	resp, err := p.ProveBundle(ctx, req)
	require.NoError(t, err)

	require.NoError(t, p.SubmitBundleProof(ctx, req, resp))
	require.Equal(t, 1, submitter.calls)
	require.Equal(t, []byte{0x0f}, submitter.header)
	require.Equal(t, req.EndStateRoot, submitter.root)
	require.Equal(t, []byte{0x01, 0x02}, submitter.proof)
}

func TestSubmitBundleProofRejectsMismatch(t *testing.T) {
	submitter := &fakeSubmitter{}
	p := NewProver(nil, submitter, testLogger())
	req := bundleRequest()

	resp := &types.ProveBundleResponse{
		PostStateRoot:    common.HexToHash("0x11"),
		PostWithdrawRoot: req.EndWithdrawRoot,
		Proof:            []byte{0x01},
	}
	err := p.SubmitBundleProof(context.Background(), req, resp)
	require.ErrorIs(t, err, ErrProofMismatch)
	require.Zero(t, submitter.calls)

	resp.PostStateRoot = req.EndStateRoot
	resp.Proof = nil
	require.ErrorIs(t, p.SubmitBundleProof(context.Background(), req, resp), ErrProofMismatch)
}

func TestSubmitBundleProofWrapsSubmitterError(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.New("nonce too low")}
	p := NewProver(nil, submitter, testLogger())
	req := bundleRequest()
	resp := &types.ProveBundleResponse{PostStateRoot: req.EndStateRoot, PostWithdrawRoot: req.EndWithdrawRoot, Proof: []byte{0x01}}

	err := p.SubmitBundleProof(context.Background(), req, resp)
	require.ErrorContains(t, err, "nonce too low")
	require.NotErrorIs(t, err, ErrProofMismatch)
}
