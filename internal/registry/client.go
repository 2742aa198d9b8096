// Package registry reads the on-chain rental registry and normalizes its
// raw tuples into Property values.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"staychain/internal/amount"
	"staychain/internal/chain"
	"staychain/internal/contracts"
	"staychain/internal/currency"
	"staychain/internal/metrics"
	"staychain/internal/retry"
	"staychain/pkg/apperror"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const (
	// UnknownRent is displayed when the stored rent is zero or missing.
	UnknownRent = "unknown"
	// UnnamedProperty replaces an empty owner name.
	UnnamedProperty = "Unnamed property"
)

// Property is one normalized registry record.
type Property struct {
	ID             uint64   `json:"id"`
	Owner          string   `json:"owner"`
	OwnerName      string   `json:"owner_name"`
	PaymentToken   string   `json:"payment_token"`
	Currency       string   `json:"currency"`
	DailyRent      *big.Int `json:"-"`
	DailyRentFixed string   `json:"daily_rent_fixed"`
	DailyRentLabel string   `json:"daily_rent"`
	ImageLocator   string   `json:"image_locator"`
	IsActive       bool     `json:"is_active"`
}

// HasRent reports whether the record carries a usable positive rent.
func (p Property) HasRent() bool {
	return p.DailyRent != nil && p.DailyRent.Sign() > 0
}

// Reader is the read side other components depend on.
type Reader interface {
	ListAllProperties(ctx context.Context) ([]Property, error)
	GetProperty(ctx context.Context, id uint64) (Property, error)
}

type Options struct {
	Timeout time.Duration
	Retry   retry.Policy
	Metrics *metrics.Registry
	Logger  zerolog.Logger
}

// Client is safe for concurrent use and keeps no cache.
type Client struct {
	backend    chain.Reader
	address    common.Address
	abi        abi.ABI
	currencies *currency.Registry
	codec      amount.Codec
	timeout    time.Duration
	policy     retry.Policy
	metrics    *metrics.Registry
	log        zerolog.Logger
}

func NewClient(backend chain.Reader, address common.Address, currencies *currency.Registry, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		backend:    backend,
		address:    address,
		abi:        contracts.MustRegistry(),
		currencies: currencies,
		codec:      amount.Registry,
		timeout:    opts.Timeout,
		policy:     opts.Retry,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	}
}

// Address is the registry contract address.
func (c *Client) Address() common.Address {
	return c.address
}

// ListAllProperties reads the whole registry in one call. Records that cannot
// be shown are dropped individually; an empty registry is not an error.
func (c *Client) ListAllProperties(ctx context.Context) ([]Property, error) {
	var raw []contracts.OwnerDetails
	if err := c.call(ctx, contracts.MethodGetAllOwnersDetails, &raw); err != nil {
		return nil, err
	}

	out := make([]Property, 0, len(raw))
	for i, od := range raw {
		p, err := c.normalize(od.PropertyId, contracts.PropertyDetails{
			Owner:             od.Owner,
			OwnerName:         od.OwnerName,
			StablecoinAddress: od.StablecoinAddress,
			DailyRent:         od.DailyRent,
			IpfsImageUrl:      od.IpfsImageUrl,
			IsActive:          od.IsActive,
		})
		if err != nil {
			c.log.Warn().Err(err).Int("index", i).Msg("skipping registry record")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// GetProperty returns PropertyNotFound for ids the registry never assigned.
func (c *Client) GetProperty(ctx context.Context, id uint64) (Property, error) {
	if id == 0 {
		return Property{}, apperror.ErrPropertyNotFound(id)
	}
	var details contracts.PropertyDetails
	if err := c.call(ctx, contracts.MethodGetPropertyDetails, &details, new(big.Int).SetUint64(id)); err != nil {
		return Property{}, err
	}
	if details.Owner == (common.Address{}) {
		return Property{}, apperror.ErrPropertyNotFound(id)
	}
	p, err := c.normalize(new(big.Int).SetUint64(id), details)
	if err != nil {
		return Property{}, apperror.ErrMalformedResponse(err)
	}
	return p, nil
}

// PropertyCounter is the last id the registry assigned.
func (c *Client) PropertyCounter(ctx context.Context) (uint64, error) {
	var counter *big.Int
	if err := c.call(ctx, contracts.MethodPropertyCounter, &counter); err != nil {
		return 0, err
	}
	if counter == nil || !counter.IsUint64() {
		return 0, apperror.ErrMalformedResponse(fmt.Errorf("property counter out of range"))
	}
	return counter.Uint64(), nil
}

func (c *Client) call(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var raw []byte
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var callErr error
		raw, callErr = c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
		return callErr
	}, c.metrics.IncRetry)
	if err != nil {
		c.metrics.IncRegistryRead(method, "unavailable")
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperror.ErrUnavailable(fmt.Errorf("%s: %w", method, err))
	}

	if err := c.abi.UnpackIntoInterface(out, method, raw); err != nil {
		c.metrics.IncRegistryRead(method, "malformed")
		return apperror.ErrMalformedResponse(fmt.Errorf("%s: %w", method, err))
	}
	c.metrics.IncRegistryRead(method, "ok")
	return nil
}

// normalize validates identity fields and repairs display fields.
func (c *Client) normalize(id *big.Int, d contracts.PropertyDetails) (Property, error) {
	if id == nil || id.Sign() <= 0 || !id.IsUint64() {
		return Property{}, fmt.Errorf("invalid property id %v", id)
	}
	if d.Owner == (common.Address{}) {
		return Property{}, fmt.Errorf("property %s has no owner", id)
	}

	name := strings.TrimSpace(d.OwnerName)
	if name == "" {
		name = UnnamedProperty
	}

	rent := d.DailyRent
	if rent == nil || rent.Sign() < 0 {
		rent = new(big.Int)
	}
	label := UnknownRent
	if rent.Sign() > 0 {
		label = c.codec.FromFixedPoint(rent)
	}

	token := d.StablecoinAddress.Hex()
	return Property{
		ID:             id.Uint64(),
		Owner:          d.Owner.Hex(),
		OwnerName:      name,
		PaymentToken:   token,
		Currency:       c.currencies.Resolve(token).Symbol,
		DailyRent:      new(big.Int).Set(rent),
		DailyRentFixed: rent.String(),
		DailyRentLabel: label,
		ImageLocator:   strings.TrimSpace(d.IpfsImageUrl),
		IsActive:       d.IsActive,
	}, nil
}
