package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"staychain/pkg/apperror"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// State is a snapshot of the session for callers and the HTTP layer.
type State struct {
	Connected         bool   `json:"connected"`
	Address           string `json:"address,omitempty"`
	ChainID           uint64 `json:"chain_id,omitempty"`
	ExpectedChainID   uint64 `json:"expected_chain_id"`
	OnExpectedNetwork bool   `json:"on_expected_network"`
}

// Session is the single process-wide wallet connection. It is mutated only by
// Connect, Disconnect, SwitchNetwork and the wallet's own chain notifications.
type Session struct {
	wallet   Wallet
	expected uint64
	log      zerolog.Logger

	mu        sync.RWMutex
	connected bool
	address   common.Address
	chainID   uint64
}

func NewSession(w Wallet, expectedChainID uint64, log zerolog.Logger) *Session {
	return &Session{
		wallet:   w,
		expected: expectedChainID,
		log:      log,
	}
}

// Connect asks the wallet for its account and current network.
func (s *Session) Connect(ctx context.Context) (State, error) {
	addr, err := s.wallet.RequestAddress(ctx)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return s.State(), apperror.ErrRejectedBySigner()
		}
		return s.State(), fmt.Errorf("request address: %w", err)
	}
	id, err := s.wallet.CurrentChainID(ctx)
	if err != nil {
		return s.State(), fmt.Errorf("current chain: %w", err)
	}

	s.mu.Lock()
	s.connected = true
	s.address = addr
	s.chainID = id
	s.mu.Unlock()

	s.log.Info().Str("address", addr.Hex()).Uint64("chain_id", id).Msg("wallet connected")
	return s.State(), nil
}

// Disconnect forgets the account. Pending transactions are unaffected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.address = common.Address{}
	s.chainID = 0
	s.mu.Unlock()
	s.log.Info().Msg("wallet disconnected")
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		Connected:       s.connected,
		ExpectedChainID: s.expected,
	}
	if s.connected {
		st.Address = s.address.Hex()
		st.ChainID = s.chainID
		st.OnExpectedNetwork = s.chainID == s.expected
	}
	return st
}

// Signer returns the connected account.
func (s *Session) Signer() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return common.Address{}, apperror.ErrWalletNotConnected()
	}
	return s.address, nil
}

// RequireNetwork re-reads the wallet's chain and fails with WrongNetwork
// unless it is the one the registry lives on.
func (s *Session) RequireNetwork(ctx context.Context) error {
	if _, err := s.Signer(); err != nil {
		return err
	}
	id, err := s.wallet.CurrentChainID(ctx)
	if err != nil {
		return apperror.ErrUnavailable(fmt.Errorf("current chain: %w", err))
	}
	s.setChain(id)
	if id != s.expected {
		return apperror.ErrWrongNetwork(strconv.FormatUint(s.expected, 10), strconv.FormatUint(id, 10))
	}
	return nil
}

// SwitchNetwork asks the wallet to move to chainID.
func (s *Session) SwitchNetwork(ctx context.Context, chainID uint64) (State, error) {
	if _, err := s.Signer(); err != nil {
		return s.State(), err
	}
	if err := s.wallet.SwitchChain(ctx, chainID); err != nil {
		switch {
		case errors.Is(err, ErrRejected):
			return s.State(), apperror.ErrRejectedBySigner()
		case errors.Is(err, ErrUnsupportedChain):
			return s.State(), apperror.ErrInvalidRequest(fmt.Sprintf("Chain %d is not supported by the wallet", chainID))
		default:
			return s.State(), fmt.Errorf("switch chain: %w", err)
		}
	}
	s.setChain(chainID)
	return s.State(), nil
}

// SignAndSend forwards to the wallet on behalf of the connected account.
func (s *Session) SignAndSend(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	if _, err := s.Signer(); err != nil {
		return common.Hash{}, err
	}
	return s.wallet.SignAndSend(ctx, msg)
}

// Watch applies wallet chain-change notifications until ctx is done.
func (s *Session) Watch(ctx context.Context) {
	changes := s.wallet.ChainChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-changes:
			if !ok {
				return
			}
			s.setChain(id)
		}
	}
}

func (s *Session) setChain(id uint64) {
	s.mu.Lock()
	changed := s.connected && s.chainID != id
	if s.connected {
		s.chainID = id
	}
	s.mu.Unlock()
	if changed {
		s.log.Info().Uint64("chain_id", id).Bool("expected", id == s.expected).Msg("wallet network changed")
	}
}
