package txn_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"staychain/internal/chain/chaintest"
	"staychain/internal/contracts"
	"staychain/internal/metrics"
	"staychain/internal/txn"
	"staychain/internal/txstore"
	"staychain/internal/wallet"
	"staychain/pkg/apperror"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	host   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	renter = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	usdc   = common.HexToAddress("0xcebA9300f2b948710d2653dD7B07f33A8B32118C")
	cusd   = common.HexToAddress("0x765DE816845861e75A25fCA122bb6898B8B1282a")

	oneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type harness struct {
	emu     *chaintest.Emulator
	wallet  *chaintest.Wallet
	session *wallet.Session
	store   *txstore.MemoryStore
	metrics *metrics.Registry
	orch    *txn.Orchestrator
}

func newHarness(t *testing.T, account common.Address, confirm time.Duration) *harness {
	t.Helper()
	emu := chaintest.New(42220)
	w := emu.Wallet(account)
	s := wallet.NewSession(w, 42220, zerolog.Nop())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	store := txstore.NewMemoryStore()
	m := metrics.New()
	orch := txn.New(emu, s, store, txn.Config{
		Registry:        emu.Registry,
		SimulateTimeout: time.Second,
		ConfirmTimeout:  confirm,
		ReceiptPoll:     5 * time.Millisecond,
	}, m, zerolog.Nop())
	return &harness{emu: emu, wallet: w, session: s, store: store, metrics: m, orch: orch}
}

// seedRental lists a 10-token-per-day property owned by host.
func (h *harness) seedRental(id int64, active bool) {
	h.emu.Seed(contracts.OwnerDetails{
		PropertyId:        big.NewInt(id),
		Owner:             host,
		OwnerName:         "Lake Cabin",
		StablecoinAddress: usdc,
		DailyRent:         new(big.Int).Mul(big.NewInt(10), oneToken),
		IsActive:          active,
	})
}

func (h *harness) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := h.metrics.Gatherer().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func waitSubmitted(t *testing.T, emu *chaintest.Emulator) common.Hash {
	t.Helper()
	select {
	case h := <-emu.Submitted():
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("transaction was never submitted")
		return common.Hash{}
	}
}

func TestListPropertyConfirmed(t *testing.T) {
	h := newHarness(t, host, time.Second)

	res, err := h.orch.Submit(context.Background(), txn.ListProperty("Beach House", usdc.Hex(), "25.50", "ipfs://abc123"))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, res.Status)
	assert.Equal(t, uint64(1), res.PropertyID)
	assert.NotEmpty(t, res.Hash)
	require.NotNil(t, res.Receipt)

	p, ok := h.emu.Property(1)
	require.True(t, ok)
	want, _ := new(big.Int).SetString("25500000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(p.DailyRent))
	assert.Equal(t, "ipfs://abc123", p.IpfsImageUrl)

	rec, err := h.store.Get(context.Background(), res.Hash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "confirmed", rec.Status)
	assert.Equal(t, uint64(1), rec.PropertyID)
}

func TestBuildValidationNeverTouchesNetwork(t *testing.T) {
	tests := []struct {
		name string
		req  txn.Request
		code string
	}{
		{"empty owner name", txn.ListProperty("  ", usdc.Hex(), "1", ""), apperror.CodeInvalidRequest},
		{"bad token", txn.ListProperty("Villa", "0x1234", "1", ""), apperror.CodeInvalidRequest},
		{"zero token", txn.ListProperty("Villa", common.Address{}.Hex(), "1", ""), apperror.CodeInvalidRequest},
		{"too many decimals", txn.ListProperty("Villa", usdc.Hex(), "12.1234567890123456789", ""), apperror.CodeInvalidAmount},
		{"negative rent", txn.ListProperty("Villa", usdc.Hex(), "-1", ""), apperror.CodeInvalidAmount},
		{"zero rent", txn.ListProperty("Villa", usdc.Hex(), "0", ""), apperror.CodeInvalidAmount},
		{"zero property id", txn.PayRent(0, 1, usdc.Hex()), apperror.CodeInvalidRequest},
		{"zero days", txn.PayRent(1, 0, usdc.Hex()), apperror.CodeInvalidDuration},
		{"negative days", txn.PayRent(1, -3, usdc.Hex()), apperror.CodeInvalidDuration},
		{"deactivate zero id", txn.DeactivateProperty(0), apperror.CodeInvalidRequest},
		{"approve nothing", txn.Approve(usdc.Hex(), renter.Hex(), big.NewInt(0)), apperror.CodeInvalidAmount},
		{"unknown kind", txn.Request{Kind: "burn"}, apperror.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, host, time.Second)
			res, err := h.orch.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperror.CodeOf(err))
			assert.Equal(t, txn.StatusRejected, res.Status)
			assert.Equal(t, 0, h.emu.Calls(contracts.MethodListProperty)+h.emu.Calls(contracts.MethodPayRent))
			assert.Equal(t, 0, h.emu.Sends())
		})
	}
}

func TestSimulationRejectionCarriesReason(t *testing.T) {
	h := newHarness(t, renter, time.Second)
	h.seedRental(1, false)

	res, err := h.orch.Submit(context.Background(), txn.PayRent(1, 2, usdc.Hex()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrRejectedBySimulation("")))
	assert.Contains(t, err.Error(), "Property is not active")
	assert.Equal(t, txn.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "Property is not active")
	assert.Equal(t, 0, h.emu.Sends())
	assert.Equal(t, 0, h.wallet.SignRequests())
}

func TestInsufficientAllowanceRejected(t *testing.T) {
	h := newHarness(t, renter, time.Second)
	h.seedRental(1, true)

	_, err := h.orch.Submit(context.Background(), txn.PayRent(1, 2, usdc.Hex()))
	require.Error(t, err)
	assert.Equal(t, apperror.CodeRejectedBySimulation, apperror.CodeOf(err))
	assert.Contains(t, err.Error(), "insufficient allowance")
}

func TestSignerDeclines(t *testing.T) {
	h := newHarness(t, renter, time.Second)
	h.seedRental(1, true)
	h.emu.SetAllowance(usdc, renter, h.emu.Registry, new(big.Int).Mul(big.NewInt(20), oneToken))
	h.wallet.Decline(true)

	res, err := h.orch.Submit(context.Background(), txn.PayRent(1, 2, usdc.Hex()))
	require.Error(t, err)
	assert.Equal(t, apperror.CodeRejectedBySigner, apperror.CodeOf(err))
	assert.Equal(t, txn.StatusRejected, res.Status)
	assert.Equal(t, 1, h.wallet.SignRequests())
	assert.Equal(t, 0, h.emu.Sends())
}

func TestWrongNetworkRejectedBeforeSimulation(t *testing.T) {
	h := newHarness(t, renter, time.Second)
	h.seedRental(1, true)
	h.wallet.ChangeChain(44787)

	res, err := h.orch.Submit(context.Background(), txn.PayRent(1, 1, usdc.Hex()))
	require.Error(t, err)
	assert.Equal(t, apperror.CodeWrongNetwork, apperror.CodeOf(err))
	assert.Equal(t, txn.StatusRejected, res.Status)
	assert.Equal(t, 0, h.emu.Calls(contracts.MethodPayRent))
}

func TestNotConnected(t *testing.T) {
	emu := chaintest.New(42220)
	s := wallet.NewSession(emu.Wallet(renter), 42220, zerolog.Nop())
	orch := txn.New(emu, s, nil, txn.Config{Registry: emu.Registry}, nil, zerolog.Nop())

	_, err := orch.Submit(context.Background(), txn.DeactivateProperty(1))
	require.Error(t, err)
	assert.Equal(t, apperror.CodeWalletNotConnected, apperror.CodeOf(err))
}

func TestRevertOnChainIsFailed(t *testing.T) {
	h := newHarness(t, host, time.Second)
	h.seedRental(1, true)
	h.emu.RevertNextOnChain("Property is not active")

	res, err := h.orch.Submit(context.Background(), txn.DeactivateProperty(1))
	require.Error(t, err)
	assert.Equal(t, apperror.CodeFailed, apperror.CodeOf(err))
	assert.Equal(t, txn.StatusFailed, res.Status)
	assert.Equal(t, "Property is not active", res.Reason)
	assert.NotEmpty(t, res.Hash)

	rec, err := h.store.Get(context.Background(), res.Hash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "Property is not active", rec.Reason)
}

func TestTimeoutReturnsPendingHash(t *testing.T) {
	h := newHarness(t, host, 50*time.Millisecond)
	h.seedRental(1, true)
	h.emu.HoldReceipts(true)

	res, err := h.orch.Submit(context.Background(), txn.DeactivateProperty(1))
	require.Error(t, err)
	assert.Equal(t, apperror.CodeTimedOut, apperror.CodeOf(err))
	assert.Equal(t, txn.StatusPending, res.Status)
	require.NotEmpty(t, res.Hash)

	status, err := h.orch.Status(context.Background(), res.Hash)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusPending, status.Status)
	assert.Equal(t, txn.KindDeactivate, status.Kind)

	h.emu.ReleaseReceipts()
	status, err = h.orch.Status(context.Background(), res.Hash)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, status.Status)
	assert.Equal(t, uint64(1), status.PropertyID)

	rec, err := h.store.Get(context.Background(), res.Hash)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", rec.Status)
}

func TestConcurrentPayRentCoalesces(t *testing.T) {
	h := newHarness(t, renter, 2*time.Second)
	h.seedRental(1, true)
	h.emu.SetAllowance(usdc, renter, h.emu.Registry, new(big.Int).Mul(big.NewInt(100), oneToken))
	h.emu.HoldReceipts(true)

	type outcome struct {
		res txn.Result
		err error
	}
	results := make(chan outcome, 2)
	submit := func() {
		res, err := h.orch.Submit(context.Background(), txn.PayRent(1, 3, usdc.Hex()))
		results <- outcome{res, err}
	}

	go submit()
	waitSubmitted(t, h.emu)
	go submit()
	require.Eventually(t, func() bool {
		return h.counter(t, "staychain_coalesced_requests_total") == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.emu.ReleaseReceipts()

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, txn.StatusConfirmed, first.res.Status)
	assert.Equal(t, first.res.Hash, second.res.Hash)
	assert.Equal(t, 1, h.emu.Sends())
	assert.Equal(t, 0, new(big.Int).Mul(big.NewInt(70), oneToken).Cmp(h.emu.Allowance(usdc, renter, h.emu.Registry)))
}

func TestDifferentPayRentArgumentsDoNotCoalesce(t *testing.T) {
	h := newHarness(t, renter, 2*time.Second)
	h.seedRental(1, true)
	h.emu.SetAllowance(usdc, renter, h.emu.Registry, new(big.Int).Mul(big.NewInt(1000), oneToken))
	h.emu.HoldReceipts(true)

	var wg sync.WaitGroup
	var short, long txn.Result
	var shortErr, longErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		short, shortErr = h.orch.Submit(context.Background(), txn.PayRent(1, 2, usdc.Hex()))
	}()
	waitSubmitted(t, h.emu)

	wg.Add(1)
	go func() {
		defer wg.Done()
		long, longErr = h.orch.Submit(context.Background(), txn.PayRent(1, 7, usdc.Hex()))
	}()

	// The longer stay queues behind the shorter one instead of joining it.
	assert.Never(t, func() bool { return h.emu.Sends() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, h.counter(t, "staychain_coalesced_requests_total"))

	h.emu.HoldReceipts(false)
	h.emu.ReleaseReceipts()
	wg.Wait()

	require.NoError(t, shortErr)
	require.NoError(t, longErr)
	assert.Equal(t, txn.StatusConfirmed, short.Status)
	assert.Equal(t, txn.StatusConfirmed, long.Status)
	assert.NotEqual(t, short.Hash, long.Hash)
	assert.Equal(t, 2, h.emu.Sends())
	assert.Equal(t, 0, new(big.Int).Mul(big.NewInt(910), oneToken).Cmp(h.emu.Allowance(usdc, renter, h.emu.Registry)))
}

func TestDifferentApprovalAmountsDoNotCoalesce(t *testing.T) {
	h := newHarness(t, renter, 2*time.Second)
	h.emu.HoldReceipts(true)

	small := big.NewInt(5)
	large := big.NewInt(500)

	var wg sync.WaitGroup
	var first, second txn.Result
	var firstErr, secondErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = h.orch.Submit(context.Background(), txn.Approve(usdc.Hex(), h.emu.Registry.Hex(), small))
	}()
	waitSubmitted(t, h.emu)

	wg.Add(1)
	go func() {
		defer wg.Done()
		second, secondErr = h.orch.Submit(context.Background(), txn.Approve(usdc.Hex(), h.emu.Registry.Hex(), large))
	}()

	assert.Never(t, func() bool { return h.emu.Sends() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	h.emu.HoldReceipts(false)
	h.emu.ReleaseReceipts()
	wg.Wait()

	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	assert.NotEqual(t, first.Hash, second.Hash)
	assert.Equal(t, 2, h.emu.Sends())
	assert.Equal(t, 0, large.Cmp(h.emu.Allowance(usdc, renter, h.emu.Registry)))
}

func TestSamePropertyRequestsRunInOrder(t *testing.T) {
	h := newHarness(t, host, 2*time.Second)
	h.seedRental(1, true)
	h.emu.SetAllowance(usdc, host, h.emu.Registry, new(big.Int).Mul(big.NewInt(10), oneToken))
	h.emu.HoldReceipts(true)

	var wg sync.WaitGroup
	var payErr, deactivateErr error
	var deactivated txn.Result

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, payErr = h.orch.Submit(context.Background(), txn.PayRent(1, 1, usdc.Hex()))
	}()
	waitSubmitted(t, h.emu)

	wg.Add(1)
	go func() {
		defer wg.Done()
		deactivated, deactivateErr = h.orch.Submit(context.Background(), txn.DeactivateProperty(1))
	}()

	// The deactivation waits behind the unconfirmed payment.
	assert.Never(t, func() bool { return h.emu.Sends() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	h.emu.HoldReceipts(false)
	h.emu.ReleaseReceipts()
	wg.Wait()

	require.NoError(t, payErr)
	require.NoError(t, deactivateErr)
	assert.Equal(t, txn.StatusConfirmed, deactivated.Status)
	assert.Equal(t, 2, h.emu.Sends())
	p, _ := h.emu.Property(1)
	assert.False(t, p.IsActive)
}

func TestDifferentPropertiesDoNotWait(t *testing.T) {
	h := newHarness(t, host, 2*time.Second)
	h.seedRental(1, true)
	h.seedRental(2, true)
	h.emu.HoldReceipts(true)

	done := make(chan error, 2)
	go func() {
		_, err := h.orch.Submit(context.Background(), txn.DeactivateProperty(1))
		done <- err
	}()
	go func() {
		_, err := h.orch.Submit(context.Background(), txn.DeactivateProperty(2))
		done <- err
	}()

	require.Eventually(t, func() bool { return h.emu.Sends() == 2 }, 2*time.Second, 5*time.Millisecond)
	h.emu.ReleaseReceipts()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestDetachKeepsTracking(t *testing.T) {
	h := newHarness(t, host, 2*time.Second)
	h.seedRental(1, true)
	h.emu.HoldReceipts(true)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res txn.Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Submit(ctx, txn.DeactivateProperty(1))
		out <- outcome{res, err}
	}()

	hash := waitSubmitted(t, h.emu)
	require.Eventually(t, func() bool {
		rec, _ := h.store.Get(context.Background(), hash.Hex())
		return rec != nil
	}, time.Second, 5*time.Millisecond)
	cancel()

	got := <-out
	require.Error(t, got.err)
	assert.Equal(t, apperror.CodeDetached, apperror.CodeOf(got.err))
	assert.Equal(t, txn.StatusPending, got.res.Status)
	assert.Equal(t, hash.Hex(), got.res.Hash)

	h.emu.ReleaseReceipts()
	require.Eventually(t, func() bool {
		rec, _ := h.store.Get(context.Background(), hash.Hex())
		return rec != nil && rec.Status == "confirmed"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestApproveSetsAllowance(t *testing.T) {
	h := newHarness(t, renter, time.Second)
	want := new(big.Int).Mul(big.NewInt(30), oneToken)

	res, err := h.orch.Submit(context.Background(), txn.Approve(cusd.Hex(), h.emu.Registry.Hex(), want))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, res.Status)
	assert.Equal(t, txn.KindApprove, res.Kind)
	assert.Equal(t, 0, want.Cmp(h.emu.Allowance(cusd, renter, h.emu.Registry)))
}

func TestStatusLookups(t *testing.T) {
	h := newHarness(t, host, time.Second)

	_, err := h.orch.Status(context.Background(), "0x1234")
	assert.Equal(t, apperror.CodeInvalidRequest, apperror.CodeOf(err))

	unknown := common.HexToHash("0xdeadbeef").Hex()
	_, err = h.orch.Status(context.Background(), unknown)
	assert.Equal(t, apperror.CodeTransactionNotFound, apperror.CodeOf(err))

	res, err := h.orch.Submit(context.Background(), txn.ListProperty("Beach House", usdc.Hex(), "25.50", ""))
	require.NoError(t, err)

	got, err := h.orch.Status(context.Background(), res.Hash)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, got.Status)
	assert.Equal(t, txn.KindList, got.Kind)
	assert.Equal(t, uint64(1), got.PropertyID)

	h.emu.FailCalls(errors.New("connection refused"))
	_, err = h.orch.Status(context.Background(), common.HexToHash("0x01").Hex())
	assert.Equal(t, apperror.CodeUnavailable, apperror.CodeOf(err))
}
