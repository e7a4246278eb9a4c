package prover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/airchains-network/tee-prover/internal/retry"
	"github.com/airchains-network/tee-prover/prover/types"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	proveBatchMethod  = "enclave_proveBatch"
	proveBundleMethod = "enclave_proveBundle"
)

// EnclaveClient calls the proving enclave over JSON-RPC.
type EnclaveClient struct {
	rpc *rpc.Client
}

// NewEnclaveClient dials the enclave. Proving can take minutes, so the HTTP
// timeout defaults to 5 minutes.
func NewEnclaveClient(ctx context.Context, url string, timeout time.Duration) (*EnclaveClient, error) {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to dial enclave: %w", err)
	}
	return &EnclaveClient{rpc: client}, nil
}

func (c *EnclaveClient) Close() {
	c.rpc.Close()
}

func (c *EnclaveClient) ProveBatch(ctx context.Context, req *types.ProveBatchRequest) (*types.ProveBatchResponse, error) {
	var resp types.ProveBatchResponse
	if err := c.rpc.CallContext(ctx, &resp, proveBatchMethod, req); err != nil {
		return nil, classify(proveBatchMethod, err)
	}
	return &resp, nil
}

func (c *EnclaveClient) ProveBundle(ctx context.Context, req *types.ProveBundleRequest) (*types.ProveBundleResponse, error) {
	var resp types.ProveBundleResponse
	if err := c.rpc.CallContext(ctx, &resp, proveBundleMethod, req); err != nil {
		return nil, classify(proveBundleMethod, err)
	}
	return &resp, nil
}

// classify marks client-side HTTP failures as not worth retrying.
func classify(method string, err error) error {
	err = fmt.Errorf("%s: %w", method, err)

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return retry.Permanent(fmt.Errorf("non-retryable error (HTTP %d): %w", httpErr.StatusCode, err))
		}
	}
	return err
}
