// Package wallet models the signing collaborator and the process-wide
// session that every write goes through.
package wallet

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrRejected is returned when the account holder declines a request.
	ErrRejected = errors.New("wallet: request rejected by user")
	// ErrUnsupportedChain is returned by SwitchChain for a network the wallet cannot reach.
	ErrUnsupportedChain = errors.New("wallet: unsupported chain")
)

// Wallet is an account that can sign and broadcast transactions.
type Wallet interface {
	RequestAddress(ctx context.Context) (common.Address, error)
	// SignAndSend signs msg (From is ignored; the wallet's own account is used)
	// and broadcasts it, returning the transaction hash.
	SignAndSend(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error)
	CurrentChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	// ChainChanges delivers the new chain id whenever the wallet's network changes.
	ChainChanges() <-chan uint64
}
