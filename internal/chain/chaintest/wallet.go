package chaintest

import (
	"context"
	"fmt"
	"sync"

	"staychain/internal/wallet"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Wallet is a scriptable account that submits straight into an Emulator.
type Wallet struct {
	emu     *Emulator
	address common.Address
	changes chan uint64

	mu        sync.Mutex
	chainID   uint64
	decline   bool
	supported map[uint64]bool
	requests  int
}

// Wallet returns an account on e's chain. Mainnet and Alfajores ids are
// always switchable, plus e.Network itself.
func (e *Emulator) Wallet(address common.Address) *Wallet {
	return &Wallet{
		emu:       e,
		address:   address,
		changes:   make(chan uint64, 8),
		chainID:   e.Network,
		supported: map[uint64]bool{e.Network: true, 42220: true, 44787: true},
	}
}

func (w *Wallet) Address() common.Address { return w.address }

// Decline makes the account holder refuse every subsequent request.
func (w *Wallet) Decline(decline bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.decline = decline
}

// ChangeChain simulates the user switching networks inside the wallet.
func (w *Wallet) ChangeChain(id uint64) {
	w.mu.Lock()
	w.chainID = id
	w.mu.Unlock()
	w.changes <- id
}

// SignRequests counts signature prompts shown to the user.
func (w *Wallet) SignRequests() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests
}

func (w *Wallet) RequestAddress(context.Context) (common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.decline {
		return common.Address{}, wallet.ErrRejected
	}
	return w.address, nil
}

func (w *Wallet) SignAndSend(_ context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	w.mu.Lock()
	w.requests++
	decline := w.decline
	w.mu.Unlock()
	if decline {
		return common.Hash{}, wallet.ErrRejected
	}
	if msg.To == nil {
		return common.Hash{}, fmt.Errorf("contract creation is not supported")
	}
	return w.emu.submit(w.address, *msg.To, msg.Data), nil
}

func (w *Wallet) CurrentChainID(context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, nil
}

func (w *Wallet) SwitchChain(_ context.Context, chainID uint64) error {
	w.mu.Lock()
	if w.decline {
		w.mu.Unlock()
		return wallet.ErrRejected
	}
	if !w.supported[chainID] {
		w.mu.Unlock()
		return fmt.Errorf("%w: %d", wallet.ErrUnsupportedChain, chainID)
	}
	w.chainID = chainID
	w.mu.Unlock()
	return nil
}

func (w *Wallet) ChainChanges() <-chan uint64 {
	return w.changes
}
