package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"staychain/internal/chain"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// gasHeadroom pads the node's estimate, in percent.
const gasHeadroom = 120

type network struct {
	sender chain.Sender
	opts   *bind.TransactOpts
}

// Keyed is a server-side wallet holding one private key, able to send on any
// of the networks it was given a connection for.
type Keyed struct {
	address common.Address

	mu       sync.Mutex // serializes nonce allocation and network switches
	networks map[uint64]network
	active   uint64
	changes  chan uint64
}

// NewKeyed builds a wallet from a hex private key. networks maps chain id to
// a node connection; active selects the initial network.
func NewKeyed(hexKey string, networks map[uint64]chain.Sender, active uint64) (*Keyed, error) {
	pk, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	if _, ok := networks[active]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, active)
	}

	k := &Keyed{
		address:  crypto.PubkeyToAddress(pk.PublicKey),
		networks: make(map[uint64]network, len(networks)),
		active:   active,
		changes:  make(chan uint64, 1),
	}
	for id, sender := range networks {
		opts, err := bind.NewKeyedTransactorWithChainID(pk, new(big.Int).SetUint64(id))
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
		k.networks[id] = network{sender: sender, opts: opts}
	}
	return k, nil
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (k *Keyed) RequestAddress(context.Context) (common.Address, error) {
	return k.address, nil
}

func (k *Keyed) CurrentChainID(context.Context) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active, nil
}

// Networks lists the chain ids this wallet can switch to.
func (k *Keyed) Networks() []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := make([]uint64, 0, len(k.networks))
	for id := range k.networks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (k *Keyed) SwitchChain(_ context.Context, chainID uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.networks[chainID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	if k.active == chainID {
		return nil
	}
	k.active = chainID
	select {
	case k.changes <- chainID:
	default:
		// Drop the stale pending notification in favour of the latest one.
		select {
		case <-k.changes:
		default:
		}
		k.changes <- chainID
	}
	return nil
}

func (k *Keyed) ChainChanges() <-chan uint64 {
	return k.changes
}

func (k *Keyed) SignAndSend(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	net := k.networks[k.active]
	msg.From = k.address

	nonce, err := net.sender.PendingNonceAt(ctx, k.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := net.sender.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gas, err := net.sender.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas * gasHeadroom / 100,
		To:       msg.To,
		Value:    value,
		Data:     msg.Data,
	})
	signed, err := net.opts.Signer(k.address, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := net.sender.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}
