// Package txn drives state-changing registry calls through
// build, simulate, sign, submit and confirm.
package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"staychain/internal/amount"
	"staychain/internal/chain"
	"staychain/internal/contracts"
	"staychain/internal/metrics"
	"staychain/internal/retry"
	"staychain/internal/txstore"
	"staychain/internal/wallet"
	"staychain/pkg/apperror"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Result is the four-state outcome of a request. A non-nil error accompanies
// every status except Confirmed.
type Result struct {
	Kind        Kind           `json:"kind"`
	Status      Status         `json:"status"`
	Hash        string         `json:"tx_hash,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	PropertyID  uint64         `json:"property_id,omitempty"`
	BlockNumber uint64         `json:"block_number,omitempty"`
	Receipt     *types.Receipt `json:"-"`
}

// Signer is the wallet session as seen by the write path.
type Signer interface {
	Signer() (common.Address, error)
	RequireNetwork(ctx context.Context) error
	SignAndSend(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error)
}

type Config struct {
	Registry        common.Address
	SimulateTimeout time.Duration
	ConfirmTimeout  time.Duration
	ReceiptPoll     time.Duration
	Retry           retry.Policy
	RecordTTL       time.Duration
}

type flight struct {
	mu   sync.Mutex
	hash common.Hash
}

func (f *flight) set(h common.Hash) {
	f.mu.Lock()
	f.hash = h
	f.mu.Unlock()
}

func (f *flight) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hash == (common.Hash{}) {
		return ""
	}
	return f.hash.Hex()
}

// Orchestrator is safe for concurrent use. Identical requests from one signer
// share a single submission; requests on the same property run in order.
type Orchestrator struct {
	backend     chain.Reader
	signer      Signer
	store       txstore.Store
	cfg         Config
	codec       amount.Codec
	registryABI abi.ABI
	erc20ABI    abi.ABI
	bound       *bind.BoundContract
	metrics     *metrics.Registry
	log         zerolog.Logger

	mu       sync.Mutex
	group    singleflight.Group
	inflight map[string]*flight
	lanes    *lanes
}

func New(backend chain.Reader, signer Signer, store txstore.Store, cfg Config, m *metrics.Registry, log zerolog.Logger) *Orchestrator {
	if cfg.SimulateTimeout <= 0 {
		cfg.SimulateTimeout = 10 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 7 * 24 * time.Hour
	}
	if store == nil {
		store = txstore.NewMemoryStore()
	}
	registryABI := contracts.MustRegistry()
	return &Orchestrator{
		backend:     backend,
		signer:      signer,
		store:       store,
		cfg:         cfg,
		codec:       amount.Registry,
		registryABI: registryABI,
		erc20ABI:    contracts.MustERC20(),
		bound:       bind.NewBoundContract(cfg.Registry, registryABI, nil, nil, nil),
		metrics:     m,
		log:         log,
		inflight:    make(map[string]*flight),
		lanes:       newLanes(),
	}
}

// Submit runs req to a terminal outcome or to the confirmation bound.
// Cancelling ctx detaches the caller; the submission itself carries on and
// its outcome is recorded for Status.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Result, error) {
	signer, err := o.signer.Signer()
	if err != nil {
		return o.rejected(Result{Kind: req.Kind, PropertyID: req.PropertyID}, err), err
	}
	b, err := o.build(req)
	if err != nil {
		return o.rejected(Result{Kind: req.Kind, PropertyID: req.PropertyID}, err), err
	}

	key := b.key(signer)
	o.mu.Lock()
	f, joined := o.inflight[key]
	var ch <-chan singleflight.Result
	if joined {
		ch = o.group.DoChan(key, nil)
	} else {
		f = &flight{}
		o.inflight[key] = f
		wait, release := o.lanes.reserve(b.laneKey(signer))
		runCtx := context.WithoutCancel(ctx)
		ch = o.group.DoChan(key, func() (interface{}, error) {
			defer release()
			<-wait
			res, runErr := o.run(runCtx, b, signer, key, f)

			o.mu.Lock()
			delete(o.inflight, key)
			o.group.Forget(key)
			o.mu.Unlock()
			return res, runErr
		})
	}
	o.mu.Unlock()

	if joined {
		o.metrics.IncCoalesced(string(b.kind))
		o.log.Debug().Str("kind", string(b.kind)).Str("key", key).Msg("joined in-flight transaction")
	}

	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	case <-ctx.Done():
		hash := f.get()
		o.metrics.IncTransaction(string(b.kind), "detached")
		o.log.Info().Str("kind", string(b.kind)).Str("key", key).Str("tx_hash", hash).Msg("caller detached from transaction")
		return Result{Kind: b.kind, Status: StatusPending, Hash: hash, PropertyID: b.propertyID}, apperror.ErrDetached(hash)
	}
}

func (o *Orchestrator) run(ctx context.Context, b built, signer common.Address, key string, f *flight) (Result, error) {
	res := Result{Kind: b.kind, PropertyID: b.propertyID}
	log := o.log.With().
		Str("kind", string(b.kind)).
		Str("key", key).
		Str("signer", signer.Hex()).
		Logger()
	log.Debug().Msg("transaction built")

	if err := o.signer.RequireNetwork(ctx); err != nil {
		log.Warn().Err(err).Msg("transaction rejected before simulation")
		return o.rejected(res, err), err
	}

	msg := b.msg(signer)
	if err := o.simulate(ctx, msg); err != nil {
		log.Info().Err(err).Msg("transaction rejected by simulation")
		return o.rejected(res, err), err
	}
	log.Debug().Msg("transaction simulated")

	hash, err := o.signer.SignAndSend(ctx, msg)
	if err != nil {
		return o.sendFailed(log, res, err)
	}
	f.set(hash)
	res.Hash = hash.Hex()
	log = log.With().Str("tx_hash", res.Hash).Logger()
	log.Info().Msg("transaction submitted")

	now := time.Now().UTC()
	o.save(ctx, txstore.Record{
		Hash:       res.Hash,
		Kind:       string(b.kind),
		Status:     string(StatusPending),
		Signer:     signer.Hex(),
		PropertyID: b.propertyID,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(o.cfg.RecordTTL),
	}, log)

	receipt, err := o.waitForReceipt(ctx, hash)
	if err != nil {
		res.Status = StatusPending
		o.metrics.IncTransaction(string(b.kind), "timed_out")
		log.Warn().Err(err).Dur("bound", o.cfg.ConfirmTimeout).Msg("transaction timed out")
		return res, apperror.ErrTimedOut(res.Hash)
	}

	res.Receipt = receipt
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		res.Status = StatusConfirmed
		if b.kind == KindList {
			if id, ok := o.listedID(receipt); ok {
				res.PropertyID = id
			}
		}
		o.finish(ctx, res, signer, log)
		o.metrics.IncTransaction(string(b.kind), string(StatusConfirmed))
		log.Info().Uint64("block", res.BlockNumber).Uint64("property_id", res.PropertyID).Msg("transaction confirmed")
		return res, nil
	}

	res.Status = StatusFailed
	res.Reason = o.failureReason(ctx, msg, receipt)
	o.finish(ctx, res, signer, log)
	o.metrics.IncTransaction(string(b.kind), string(StatusFailed))
	log.Warn().Str("reason", res.Reason).Uint64("block", res.BlockNumber).Msg("transaction failed")
	return res, apperror.ErrFailed(res.Reason)
}

// simulate dry-runs msg against the latest state.
func (o *Orchestrator) simulate(ctx context.Context, msg ethereum.CallMsg) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SimulateTimeout)
	defer cancel()

	err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) error {
		_, callErr := o.backend.CallContract(ctx, msg, nil)
		return callErr
	}, o.metrics.IncRetry)
	if err == nil {
		return nil
	}
	if reason, ok := RevertReason(err); ok {
		return apperror.ErrRejectedBySimulation(reason)
	}
	return apperror.ErrUnavailable(fmt.Errorf("simulate: %w", err))
}

func (o *Orchestrator) sendFailed(log zerolog.Logger, res Result, err error) (Result, error) {
	switch {
	case errors.Is(err, wallet.ErrRejected):
		err = apperror.ErrRejectedBySigner()
		log.Info().Msg("transaction declined by signer")
		return o.rejected(res, err), err
	case apperror.CodeOf(err) != "":
		log.Warn().Err(err).Msg("transaction rejected by wallet session")
		return o.rejected(res, err), err
	}
	if reason, ok := RevertReason(err); ok {
		err = apperror.ErrRejectedBySimulation(reason)
		log.Info().Str("reason", reason).Msg("transaction rejected at signing")
		return o.rejected(res, err), err
	}

	// Nothing was broadcast that we know of. Not retried: a resend could land twice.
	res.Status = StatusFailed
	res.Reason = err.Error()
	o.metrics.IncTransaction(string(res.Kind), string(StatusFailed))
	log.Error().Err(err).Msg("transaction send failed")
	return res, apperror.ErrUnavailable(fmt.Errorf("send transaction: %w", err))
}

func (o *Orchestrator) rejected(res Result, err error) Result {
	res.Status = StatusRejected
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		res.Reason = appErr.Message
	} else {
		res.Reason = err.Error()
	}
	o.metrics.IncTransaction(string(res.Kind), string(StatusRejected))
	return res
}

func (o *Orchestrator) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(o.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := o.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.log.Debug().Err(err).Str("tx_hash", hash.Hex()).Msg("receipt lookup failed, polling again")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// failureReason replays the call at the receipt's block to recover the
// revert reason the node dropped from the receipt.
func (o *Orchestrator) failureReason(ctx context.Context, msg ethereum.CallMsg, receipt *types.Receipt) string {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SimulateTimeout)
	defer cancel()

	_, err := o.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if reason, ok := RevertReason(err); ok {
		return reason
	}
	return revertPrefix
}

func (o *Orchestrator) listedID(receipt *types.Receipt) (uint64, bool) {
	for _, l := range receipt.Logs {
		if l == nil || l.Address != o.cfg.Registry || len(l.Topics) == 0 {
			continue
		}
		if l.Topics[0] != o.registryABI.Events[contracts.EventPropertyListed].ID {
			continue
		}
		var ev contracts.PropertyListed
		if err := o.bound.UnpackLog(&ev, contracts.EventPropertyListed, *l); err != nil {
			o.log.Warn().Err(err).Str("tx_hash", receipt.TxHash.Hex()).Msg("undecodable PropertyListed log")
			continue
		}
		if ev.PropertyId != nil && ev.PropertyId.IsUint64() {
			return ev.PropertyId.Uint64(), true
		}
	}
	return 0, false
}

func (o *Orchestrator) finish(ctx context.Context, res Result, signer common.Address, log zerolog.Logger) {
	now := time.Now().UTC()
	rec := txstore.Record{
		Hash:        res.Hash,
		Kind:        string(res.Kind),
		Status:      string(res.Status),
		Reason:      res.Reason,
		Signer:      signer.Hex(),
		PropertyID:  res.PropertyID,
		BlockNumber: res.BlockNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(o.cfg.RecordTTL),
	}
	if prev, err := o.store.Get(ctx, res.Hash); err == nil && prev != nil {
		rec.CreatedAt = prev.CreatedAt
	}
	o.save(ctx, rec, log)
}

// save never fails the write path; the chain is the source of truth.
func (o *Orchestrator) save(ctx context.Context, rec txstore.Record, log zerolog.Logger) {
	if err := o.store.Save(ctx, rec.Hash, rec); err != nil {
		log.Error().Err(err).Msg("failed to record transaction outcome")
	}
}

// Status reports the last known outcome of hash, consulting the chain when
// the stored record is not terminal.
func (o *Orchestrator) Status(ctx context.Context, hash string) (Result, error) {
	hash = strings.TrimSpace(hash)
	if !isTxHash(hash) {
		return Result{}, apperror.ErrInvalidRequest(fmt.Sprintf("Invalid transaction hash %q", hash))
	}
	h := common.HexToHash(hash)

	rec, err := o.store.Get(ctx, hash)
	if err != nil {
		o.log.Warn().Err(err).Str("tx_hash", hash).Msg("transaction store lookup failed")
		rec = nil
	}
	if rec != nil && (rec.Status == string(StatusConfirmed) || rec.Status == string(StatusFailed)) {
		return fromRecord(rec), nil
	}

	receipt, err := o.backend.TransactionReceipt(ctx, h)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			if rec != nil {
				return fromRecord(rec), nil
			}
			return Result{}, apperror.ErrTransactionNotFound(h.Hex())
		}
		return Result{}, apperror.ErrUnavailable(fmt.Errorf("receipt %s: %w", h.Hex(), err))
	}

	res := Result{Hash: h.Hex(), Status: StatusConfirmed, Receipt: receipt}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if rec != nil {
		res.Kind = Kind(rec.Kind)
		res.PropertyID = rec.PropertyID
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		res.Status = StatusFailed
		res.Reason = revertPrefix
	} else if res.Kind == KindList || res.Kind == "" {
		if id, ok := o.listedID(receipt); ok {
			res.PropertyID = id
			res.Kind = KindList
		}
	}

	if rec != nil {
		o.finish(ctx, res, common.HexToAddress(rec.Signer), o.log.With().Str("tx_hash", res.Hash).Logger())
	}
	return res, nil
}

func fromRecord(rec *txstore.Record) Result {
	return Result{
		Kind:        Kind(rec.Kind),
		Status:      Status(rec.Status),
		Hash:        rec.Hash,
		Reason:      rec.Reason,
		PropertyID:  rec.PropertyID,
		BlockNumber: rec.BlockNumber,
	}
}

func isTxHash(s string) bool {
	raw, err := hexutil.Decode(s)
	return err == nil && len(raw) == common.HashLength
}

// Validate runs the local checks Submit would run, without any network call.
func (o *Orchestrator) Validate(req Request) error {
	_, err := o.build(req)
	return err
}
