// Package chaintest is an in-memory rental registry and ERC-20 allowance
// ledger that speaks the same RPC surface as a node. Tests use it as both
// the chain backend and the wallet.
package chaintest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"staychain/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultRegistry is the address the emulated registry answers on.
var DefaultRegistry = common.HexToAddress("0xe9980A142D5D3610a4a32693d4325b563DFe6404")

var revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// RevertError mimics the JSON-RPC error a node returns for a reverted eth_call.
type RevertError struct {
	Reason string
	data   []byte
}

func NewRevertError(reason string) *RevertError {
	stringTy, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringTy}}.Pack(reason)
	data := append(append([]byte{}, revertSelector...), packed...)
	return &RevertError{Reason: reason, data: data}
}

func (e *RevertError) Error() string          { return "execution reverted: " + e.Reason }
func (e *RevertError) ErrorCode() int         { return 3 }
func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(e.data) }

// Emulator is safe for concurrent use.
type Emulator struct {
	Network  uint64
	Registry common.Address

	registryABI abi.ABI
	erc20ABI    abi.ABI

	mu           sync.Mutex
	props        []contracts.OwnerDetails
	counter      *big.Int
	allowances   map[string]*big.Int
	nonces       map[common.Address]uint64
	block        uint64
	logs         []types.Log
	receipts     map[common.Hash]*types.Receipt
	held         map[common.Hash]*types.Receipt
	holdReceipts bool
	failedAt     map[uint64]string
	revertNext   string
	callErr      error
	raw          map[string][]byte
	sends        int
	calls        map[string]int
	submitted    chan common.Hash
}

func New(chainID uint64) *Emulator {
	return &Emulator{
		Network:     chainID,
		Registry:    DefaultRegistry,
		registryABI: contracts.MustRegistry(),
		erc20ABI:    contracts.MustERC20(),
		counter:     new(big.Int),
		allowances:  make(map[string]*big.Int),
		nonces:      make(map[common.Address]uint64),
		block:       1,
		receipts:    make(map[common.Hash]*types.Receipt),
		held:        make(map[common.Hash]*types.Receipt),
		failedAt:    make(map[uint64]string),
		raw:         make(map[string][]byte),
		calls:       make(map[string]int),
		submitted:   make(chan common.Hash, 64),
	}
}

// ---- test controls ----

// Seed inserts a record as-is, bypassing listProperty validation.
func (e *Emulator) Seed(od contracts.OwnerDetails) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if od.PropertyId == nil {
		od.PropertyId = new(big.Int)
	}
	if od.DailyRent == nil {
		od.DailyRent = new(big.Int)
	}
	e.props = append(e.props, od)
	if od.PropertyId.Cmp(e.counter) > 0 {
		e.counter = new(big.Int).Set(od.PropertyId)
	}
}

// Property returns the stored record for id.
func (e *Emulator) Property(id uint64) (contracts.OwnerDetails, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.find(new(big.Int).SetUint64(id))
	if p == nil {
		return contracts.OwnerDetails{}, false
	}
	return *p, true
}

func (e *Emulator) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowances[allowanceKey(token, owner, spender)] = new(big.Int).Set(amount)
}

func (e *Emulator) Allowance(token, owner, spender common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allowanceOf(token, owner, spender)
}

// HoldReceipts keeps mined receipts invisible until ReleaseReceipts.
func (e *Emulator) HoldReceipts(hold bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holdReceipts = hold
}

func (e *Emulator) ReleaseReceipts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for h, r := range e.held {
		e.receipts[h] = r
		delete(e.held, h)
	}
}

// RevertNextOnChain makes the next mined transaction revert with reason even
// though its simulation passed.
func (e *Emulator) RevertNextOnChain(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revertNext = reason
}

// FailCalls makes every read return err; nil restores normal service.
func (e *Emulator) FailCalls(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callErr = err
}

// SetRawResult overrides the return data of a read method.
func (e *Emulator) SetRawResult(method string, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.raw[method] = data
}

// Sends counts transactions broadcast so far.
func (e *Emulator) Sends() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sends
}

// Calls counts eth_call invocations of method, simulations included.
func (e *Emulator) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// Submitted receives the hash of every broadcast transaction.
func (e *Emulator) Submitted() <-chan common.Hash {
	return e.submitted
}

// ---- chain.Backend ----

func (e *Emulator) CallContract(_ context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.callErr != nil {
		return nil, e.callErr
	}
	if msg.To == nil {
		return nil, fmt.Errorf("eth_call without target")
	}
	if blockNumber != nil {
		if reason, ok := e.failedAt[blockNumber.Uint64()]; ok {
			return nil, NewRevertError(reason)
		}
	}
	out, _, err := e.execute(msg.From, *msg.To, msg.Data, false)
	return out, err
}

func (e *Emulator) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.callErr != nil {
		return nil, e.callErr
	}
	var out []types.Log
	for _, l := range e.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && !containsHash(q.Topics[0], l.Topics[0]) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (e *Emulator) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.callErr != nil {
		return nil, e.callErr
	}
	r, ok := e.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (e *Emulator) BlockNumber(context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.callErr != nil {
		return 0, e.callErr
	}
	return e.block, nil
}

func (e *Emulator) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(e.Network), nil
}

func (e *Emulator) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nonces[account], nil
}

func (e *Emulator) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (e *Emulator) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if msg.To == nil {
		return 0, fmt.Errorf("contract creation is not supported")
	}
	if _, _, err := e.execute(msg.From, *msg.To, msg.Data, false); err != nil {
		return 0, err
	}
	return 150_000, nil
}

// SendTransaction accepts a signed transaction, as a node would.
func (e *Emulator) SendTransaction(_ context.Context, tx *types.Transaction) error {
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(e.Network))
	from, err := types.Sender(signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.To() == nil {
		return fmt.Errorf("contract creation is not supported")
	}

	e.mu.Lock()
	if want := e.nonces[from]; tx.Nonce() != want {
		e.mu.Unlock()
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), want)
	}
	e.nonces[from]++
	e.mine(from, *tx.To(), tx.Data(), tx.Hash())
	e.mu.Unlock()

	e.notify(tx.Hash())
	return nil
}

// submit is the wallet path: no real signature, a synthetic hash.
func (e *Emulator) submit(from, to common.Address, data []byte) common.Hash {
	e.mu.Lock()
	nonce := e.nonces[from]
	e.nonces[from]++
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	hash := crypto.Keccak256Hash(from.Bytes(), nb[:], to.Bytes(), data)
	e.mine(from, to, data, hash)
	e.mu.Unlock()

	e.notify(hash)
	return hash
}

func (e *Emulator) notify(hash common.Hash) {
	select {
	case e.submitted <- hash:
	default:
	}
}

// mine applies a transaction in its own block. Caller holds e.mu.
func (e *Emulator) mine(from, to common.Address, data []byte, hash common.Hash) {
	e.sends++
	e.block++

	status := types.ReceiptStatusSuccessful
	var logs []*types.Log
	if e.revertNext != "" {
		e.failedAt[e.block] = e.revertNext
		e.revertNext = ""
		status = types.ReceiptStatusFailed
	} else {
		_, produced, err := e.execute(from, to, data, true)
		if err != nil {
			status = types.ReceiptStatusFailed
			if rev, ok := err.(*RevertError); ok {
				e.failedAt[e.block] = rev.Reason
			}
		} else {
			logs = produced
		}
	}

	for i, l := range logs {
		l.Address = to
		l.BlockNumber = e.block
		l.TxHash = hash
		l.Index = uint(i)
		e.logs = append(e.logs, *l)
	}

	receipt := &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            status,
		CumulativeGasUsed: 100_000,
		GasUsed:           100_000,
		Logs:              logs,
		TxHash:            hash,
		BlockNumber:       new(big.Int).SetUint64(e.block),
	}
	if e.holdReceipts {
		e.held[hash] = receipt
	} else {
		e.receipts[hash] = receipt
	}
}

// ---- contract logic; caller holds e.mu ----

func (e *Emulator) execute(from, to common.Address, data []byte, commit bool) ([]byte, []*types.Log, error) {
	if len(data) < 4 {
		return nil, nil, NewRevertError("missing function selector")
	}
	if to == e.Registry {
		return e.executeRegistry(from, data, commit)
	}
	return e.executeToken(from, to, data, commit)
}

func (e *Emulator) executeRegistry(from common.Address, data []byte, commit bool) ([]byte, []*types.Log, error) {
	method, err := e.registryABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, NewRevertError("unknown function")
	}
	e.calls[method.Name]++
	if !commit {
		if raw, ok := e.raw[method.Name]; ok {
			return raw, nil, nil
		}
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, NewRevertError("bad calldata")
	}

	switch method.Name {
	case contracts.MethodGetAllOwnersDetails:
		out, err := method.Outputs.Pack(append([]contracts.OwnerDetails{}, e.props...))
		return out, nil, err

	case contracts.MethodGetPropertyDetails:
		p := e.find(args[0].(*big.Int))
		if p == nil {
			out, err := method.Outputs.Pack(common.Address{}, "", common.Address{}, new(big.Int), "", false)
			return out, nil, err
		}
		out, err := method.Outputs.Pack(p.Owner, p.OwnerName, p.StablecoinAddress, p.DailyRent, p.IpfsImageUrl, p.IsActive)
		return out, nil, err

	case contracts.MethodPropertyCounter:
		out, err := method.Outputs.Pack(new(big.Int).Set(e.counter))
		return out, nil, err

	case contracts.MethodListProperty:
		name, token, rent, url := args[0].(string), args[1].(common.Address), args[2].(*big.Int), args[3].(string)
		if strings.TrimSpace(name) == "" {
			return nil, nil, NewRevertError("Owner name is required")
		}
		if token == (common.Address{}) {
			return nil, nil, NewRevertError("Invalid stablecoin address")
		}
		if rent.Sign() <= 0 {
			return nil, nil, NewRevertError("Daily rent must be greater than zero")
		}
		if !commit {
			return nil, nil, nil
		}
		e.counter = new(big.Int).Add(e.counter, big.NewInt(1))
		id := new(big.Int).Set(e.counter)
		e.props = append(e.props, contracts.OwnerDetails{
			PropertyId:        id,
			Owner:             from,
			OwnerName:         name,
			StablecoinAddress: token,
			DailyRent:         new(big.Int).Set(rent),
			IpfsImageUrl:      url,
			IsActive:          true,
		})
		l, err := e.eventLog(contracts.EventPropertyListed, id, from, name, token, rent)
		if err != nil {
			return nil, nil, err
		}
		return nil, []*types.Log{l}, nil

	case contracts.MethodDeactivateProperty:
		p := e.find(args[0].(*big.Int))
		if p == nil {
			return nil, nil, NewRevertError("Property does not exist")
		}
		if p.Owner != from {
			return nil, nil, NewRevertError("Only the property owner can deactivate")
		}
		if !p.IsActive {
			return nil, nil, NewRevertError("Property is not active")
		}
		if commit {
			p.IsActive = false
		}
		return nil, nil, nil

	case contracts.MethodPayRent:
		id, days, token := args[0].(*big.Int), args[1].(*big.Int), args[2].(common.Address)
		p := e.find(id)
		if p == nil {
			return nil, nil, NewRevertError("Property does not exist")
		}
		if !p.IsActive {
			return nil, nil, NewRevertError("Property is not active")
		}
		if days.Sign() <= 0 {
			return nil, nil, NewRevertError("Days must be greater than zero")
		}
		if token != p.StablecoinAddress {
			return nil, nil, NewRevertError("Invalid payment token")
		}
		total := new(big.Int).Mul(p.DailyRent, days)
		allowed := e.allowanceOf(token, from, e.Registry)
		if allowed.Cmp(total) < 0 {
			return nil, nil, NewRevertError("ERC20: insufficient allowance")
		}
		if !commit {
			return nil, nil, nil
		}
		e.allowances[allowanceKey(token, from, e.Registry)] = new(big.Int).Sub(allowed, total)
		l, err := e.eventLog(contracts.EventRentPaid, new(big.Int).Set(id), from, total, token)
		if err != nil {
			return nil, nil, err
		}
		return nil, []*types.Log{l}, nil
	}
	return nil, nil, NewRevertError("unsupported function " + method.Name)
}

func (e *Emulator) executeToken(from, token common.Address, data []byte, commit bool) ([]byte, []*types.Log, error) {
	method, err := e.erc20ABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, NewRevertError("unknown function")
	}
	e.calls[method.Name]++
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, NewRevertError("bad calldata")
	}
	switch method.Name {
	case contracts.MethodAllowance:
		out, err := method.Outputs.Pack(e.allowanceOf(token, args[0].(common.Address), args[1].(common.Address)))
		return out, nil, err
	case contracts.MethodApprove:
		spender, amount := args[0].(common.Address), args[1].(*big.Int)
		if commit {
			e.allowances[allowanceKey(token, from, spender)] = new(big.Int).Set(amount)
		}
		out, err := method.Outputs.Pack(true)
		return out, nil, err
	}
	return nil, nil, NewRevertError("unsupported function " + method.Name)
}

func (e *Emulator) eventLog(name string, id *big.Int, args ...interface{}) (*types.Log, error) {
	ev := e.registryABI.Events[name]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", name, err)
	}
	return &types.Log{
		Topics: []common.Hash{ev.ID, common.BigToHash(id)},
		Data:   data,
	}, nil
}

func (e *Emulator) find(id *big.Int) *contracts.OwnerDetails {
	for i := range e.props {
		if e.props[i].PropertyId.Cmp(id) == 0 {
			return &e.props[i]
		}
	}
	return nil
}

func (e *Emulator) allowanceOf(token, owner, spender common.Address) *big.Int {
	if v, ok := e.allowances[allowanceKey(token, owner, spender)]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func allowanceKey(token, owner, spender common.Address) string {
	return token.Hex() + "|" + owner.Hex() + "|" + spender.Hex()
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
