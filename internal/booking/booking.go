// Package booking turns a renter's stay request into registry payments.
package booking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"staychain/internal/amount"
	"staychain/internal/chain"
	"staychain/internal/contracts"
	"staychain/internal/currency"
	"staychain/internal/metrics"
	"staychain/internal/registry"
	"staychain/internal/retry"
	"staychain/internal/txn"
	"staychain/pkg/apperror"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Submitter is the write path bookings are executed through.
type Submitter interface {
	Submit(ctx context.Context, req txn.Request) (txn.Result, error)
}

// Account reports the connected renter.
type Account interface {
	Signer() (common.Address, error)
}

// Booking is the outcome of one stay request. Approval is set only when an
// allowance top-up had to be submitted first.
type Booking struct {
	PropertyID uint64             `json:"property_id"`
	Days       int64              `json:"days"`
	Token      string             `json:"token"`
	Currency   string             `json:"currency"`
	Total      string             `json:"total"`
	TotalFixed string             `json:"total_fixed"`
	Approval   *txn.Result        `json:"approval,omitempty"`
	Payment    *txn.Result        `json:"payment,omitempty"`
	Property   *registry.Property `json:"property,omitempty"`
}

type Options struct {
	Timeout time.Duration
	Retry   retry.Policy
	Metrics *metrics.Registry
	Logger  zerolog.Logger
}

type Controller struct {
	properties registry.Reader
	tx         Submitter
	account    Account
	backend    chain.Reader
	registry   common.Address
	currencies *currency.Registry
	codec      amount.Codec
	erc20      abi.ABI
	timeout    time.Duration
	policy     retry.Policy
	metrics    *metrics.Registry
	log        zerolog.Logger

	mu     sync.Mutex
	spends map[string]chan struct{}
}

func NewController(properties registry.Reader, tx Submitter, account Account, backend chain.Reader,
	registryAddress common.Address, currencies *currency.Registry, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Controller{
		properties: properties,
		tx:         tx,
		account:    account,
		backend:    backend,
		registry:   registryAddress,
		currencies: currencies,
		codec:      amount.Registry,
		erc20:      contracts.MustERC20(),
		timeout:    opts.Timeout,
		policy:     opts.Retry,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		spends:     make(map[string]chan struct{}),
	}
}

// BookStay pays dailyRent*days for propertyID in token. Preconditions are
// checked in a fixed order and none of them writes to the chain.
func (c *Controller) BookStay(ctx context.Context, propertyID uint64, days int64, token string) (Booking, error) {
	p, err := c.properties.GetProperty(ctx, propertyID)
	if err != nil {
		return Booking{}, err
	}
	if !p.IsActive {
		return Booking{}, apperror.ErrPropertyInactive(propertyID)
	}
	if days <= 0 {
		return Booking{}, apperror.ErrInvalidDuration()
	}
	token = strings.TrimSpace(token)
	if !common.IsHexAddress(token) || !strings.EqualFold(common.HexToAddress(token).Hex(), p.PaymentToken) {
		return Booking{}, apperror.ErrCurrencyMismatch(c.label(p.PaymentToken), c.label(token))
	}
	if !p.HasRent() {
		return Booking{}, apperror.ErrInvalidAmount(fmt.Sprintf("Property %d has no usable daily rent", propertyID))
	}

	total := new(big.Int).Mul(p.DailyRent, big.NewInt(days))
	b := Booking{
		PropertyID: propertyID,
		Days:       days,
		Token:      p.PaymentToken,
		Currency:   p.Currency,
		Total:      c.codec.FromFixedPoint(total),
		TotalFixed: total.String(),
	}
	log := c.log.With().Uint64("property_id", propertyID).Int64("days", days).Str("total", b.Total).Logger()

	renter, err := c.account.Signer()
	if err != nil {
		return b, err
	}
	tokenAddr := common.HexToAddress(p.PaymentToken)

	// An approval overwrites the allowance, so one renter's
	// read-approve-pay sequences on a token must not interleave.
	unlock, err := c.lockSpend(ctx, renter, tokenAddr)
	if err != nil {
		return b, err
	}
	defer unlock()

	allowance, err := c.allowance(ctx, tokenAddr, renter)
	if err != nil {
		return b, err
	}
	if allowance.Cmp(total) < 0 {
		log.Info().Str("allowance", allowance.String()).Msg("allowance below total, requesting approval")
		approval, err := c.tx.Submit(ctx, txn.Approve(tokenAddr.Hex(), c.registry.Hex(), total))
		b.Approval = &approval
		if err != nil {
			return b, err
		}
	}

	payment, err := c.tx.Submit(ctx, txn.PayRent(propertyID, days, tokenAddr.Hex()))
	b.Payment = &payment
	if err != nil {
		return b, err
	}
	log.Info().Str("tx_hash", payment.Hash).Msg("stay booked")

	if fresh, err := c.properties.GetProperty(ctx, propertyID); err == nil {
		b.Property = &fresh
	} else {
		log.Debug().Err(err).Msg("could not refresh property after booking")
	}
	return b, nil
}

func (c *Controller) lockSpend(ctx context.Context, renter, token common.Address) (func(), error) {
	key := strings.ToLower(renter.Hex() + "|" + token.Hex())
	c.mu.Lock()
	sem, ok := c.spends[key]
	if !ok {
		sem = make(chan struct{}, 1)
		c.spends[key] = sem
	}
	c.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// allowance reads how much of token the registry may pull from owner.
func (c *Controller) allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack(contracts.MethodAllowance, owner, c.registry)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", contracts.MethodAllowance, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var raw []byte
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var callErr error
		raw, callErr = c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return callErr
	}, c.metrics.IncRetry)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperror.ErrUnavailable(fmt.Errorf("%s: %w", contracts.MethodAllowance, err))
	}

	var out *big.Int
	if err := c.erc20.UnpackIntoInterface(&out, contracts.MethodAllowance, raw); err != nil {
		return nil, apperror.ErrMalformedResponse(fmt.Errorf("%s: %w", contracts.MethodAllowance, err))
	}
	if out == nil {
		out = new(big.Int)
	}
	return out, nil
}

func (c *Controller) label(address string) string {
	if e := c.currencies.Resolve(address); e.Symbol != currency.UnknownSymbol {
		return e.Symbol
	}
	if address == "" {
		return "an empty token"
	}
	return address
}
