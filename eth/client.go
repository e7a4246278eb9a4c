package eth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Client wraps both rpc.Client and ethclient.Client for Ethereum interactions
type Client struct {
	Rpc *rpc.Client
	Eth *ethclient.Client
}

// NewClient initializes a new Ethereum client with both RPC and ethclient
func NewClient(ctx context.Context, url string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}

	return &Client{
		Rpc: rpcClient,
		Eth: ethclient.NewClient(rpcClient),
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.Rpc.Close()
}

// L1Client talks to the settlement chain and the ScrollChain contract on it.
type L1Client struct {
	*Client
	chainABI       *abi.ABI
	contract       *bind.BoundContract
	key            *ecdsa.PrivateKey
	chainID        *big.Int
	confirmTimeout time.Duration
	log            *logrus.Entry
}

// NewL1Client dials the L1 node. privateKeyHex may be empty, in which case the
// client is read-only and FinalizeBundleWithTeeProof fails.
func NewL1Client(ctx context.Context, url string, scrollChain common.Address, privateKeyHex string, confirmTimeout time.Duration, log *logrus.Logger) (*L1Client, error) {
	client, err := NewClient(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial l1 node: %w", err)
	}

	chainABI, err := ScrollChainABI()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse ScrollChain abi: %w", err)
	}

	l1 := &L1Client{
		Client:         client,
		chainABI:       chainABI,
		contract:       bind.NewBoundContract(scrollChain, *chainABI, client.Eth, client.Eth, client.Eth),
		confirmTimeout: confirmTimeout,
		log:            log.WithField("component", "l1"),
	}

	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("invalid l1 private key: %w", err)
		}
		chainID, err := client.Eth.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to get l1 chain id: %w", err)
		}
		l1.key = key
		l1.chainID = chainID
		l1.log.Infof("Using L1 sender %s on chain %s", crypto.PubkeyToAddress(key.PublicKey).Hex(), chainID)
	}

	return l1, nil
}

// ABI returns the parsed ScrollChain ABI.
func (c *L1Client) ABI() *abi.ABI {
	return c.chainABI
}

// GetBlockByNumber returns the header for a block number or tag, or nil when the
// node does not know it.
func (c *L1Client) GetBlockByNumber(ctx context.Context, number rpc.BlockNumber) (*types.Header, error) {
	header, err := c.Eth.HeaderByNumber(ctx, big.NewInt(number.Int64()))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return header, nil
}

// GetLogs fetches the contract's logs matching any of the signatures in [from, to].
func (c *L1Client) GetLogs(ctx context.Context, contract common.Address, signatures []common.Hash, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{signatures},
	}
	return c.Eth.FilterLogs(ctx, query)
}

// GetTransactionByHash returns the transaction or nil when it is unknown.
func (c *L1Client) GetTransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	tx, _, err := c.Eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// LastTeeFinalizedBatchIndex reads the TEE finalization watermark from ScrollChain.
func (c *L1Client) LastTeeFinalizedBatchIndex(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, LastTeeFinalizedBatchIndexMethod); err != nil {
		return 0, fmt.Errorf("failed to call %s: %w", LastTeeFinalizedBatchIndexMethod, err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("unexpected %s output length %d", LastTeeFinalizedBatchIndexMethod, len(out))
	}
	index, ok := out[0].(*big.Int)
	if !ok || !index.IsUint64() {
		return 0, fmt.Errorf("unexpected %s output %v", LastTeeFinalizedBatchIndexMethod, out[0])
	}
	return index.Uint64(), nil
}

// FinalizeBundleWithTeeProof sends finalizeBundleWithTeeProof and waits until it is mined.
func (c *L1Client) FinalizeBundleWithTeeProof(ctx context.Context, batchHeader []byte, postStateRoot, withdrawRoot common.Hash, proof []byte) error {
	if c.key == nil {
		return errors.New("no l1 private key configured for submission")
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := c.contract.Transact(opts, FinalizeBundleWithTeeProofMethod, batchHeader, postStateRoot, withdrawRoot, proof)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", FinalizeBundleWithTeeProofMethod, err)
	}
	c.log.Infof("Sent %s tx %s", FinalizeBundleWithTeeProofMethod, tx.Hash().Hex())

	waitCtx := ctx
	if c.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer cancel()
	}
	receipt, err := bind.WaitMined(waitCtx, c.Eth, tx)
	if err != nil {
		return fmt.Errorf("failed waiting for tx %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("tx %s reverted in block %s", tx.Hash().Hex(), receipt.BlockNumber)
	}

	c.log.Infof("Tx %s mined in block %s, gas used %d", tx.Hash().Hex(), receipt.BlockNumber, receipt.GasUsed)
	return nil
}
