// Package chain is the node-facing side of staychain: the RPC surface the
// read and write paths depend on, and a rate-limited wrapper around it.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Reader is the read-only RPC surface: contract calls, logs and receipts.
type Reader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Sender is what a key-holding wallet needs to build and broadcast a transaction.
type Sender interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	ChainID(ctx context.Context) (*big.Int, error)
}

// Backend is a full node connection.
type Backend interface {
	Reader
	Sender
}

// Dial connects to a JSON-RPC endpoint and checks it serves the expected chain.
// A zero expectedChainID skips the check.
func Dial(ctx context.Context, rpcURL string, expectedChainID int64) (*ethclient.Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	if expectedChainID == 0 {
		return cli, nil
	}
	id, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if id.Int64() != expectedChainID {
		cli.Close()
		return nil, fmt.Errorf("rpc %s serves chain %s, expected %d", rpcURL, id, expectedChainID)
	}
	return cli, nil
}

// Ping is a cheap liveness probe.
func Ping(ctx context.Context, r Reader) error {
	_, err := r.BlockNumber(ctx)
	return err
}
