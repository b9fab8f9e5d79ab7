// Package evm executes transfers on account-based EVM chains (ethereum,
// mantle): native sends, ERC-20 sends, balance queries, and forward name
// resolution. The RPC surface is wrapped in an interface so tests can run
// against a mock instead of a live node.
package evm

import (
	"context"
	"errors"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrInsufficientBalance is a recognized non-exceptional outcome: the sender
// cannot cover the requested amount. It is returned to the caller, never
// retried.
var ErrInsufficientBalance = errors.New("insufficient balance")

// RPCClient is the subset of EVM JSON-RPC operations the executor needs.
type RPCClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// realRPCClient adapts the go-ethereum client to our RPCClient interface.
type realRPCClient struct {
	client *ethclient.Client
}

// NewRPCClient dials the given JSON-RPC endpoint.
func NewRPCClient(rpcURL string) (RPCClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return &realRPCClient{client: client}, nil
}

func (r *realRPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	return r.client.ChainID(ctx)
}

func (r *realRPCClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return r.client.BalanceAt(ctx, account, blockNumber)
}

func (r *realRPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return r.client.PendingNonceAt(ctx, account)
}

func (r *realRPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return r.client.SuggestGasPrice(ctx)
}

func (r *realRPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return r.client.SendTransaction(ctx, tx)
}

func (r *realRPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return r.client.TransactionReceipt(ctx, txHash)
}

func (r *realRPCClient) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return r.client.CallContract(ctx, msg, blockNumber)
}
