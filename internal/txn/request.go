package txn

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"staychain/internal/contracts"
	"staychain/pkg/apperror"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Kind string

const (
	KindList       Kind = "list"
	KindDeactivate Kind = "deactivate"
	KindPayRent    Kind = "pay_rent"
	KindApprove    Kind = "approve"
)

// Request is one logical state change. Build it with the constructors below.
type Request struct {
	Kind Kind

	PropertyID uint64
	Days       int64
	Token      string

	OwnerName    string
	DailyRent    string
	ImageLocator string

	Spender string
	Amount  *big.Int
}

// ListProperty registers a new rental. dailyRent is a human decimal string.
func ListProperty(ownerName, token, dailyRent, imageLocator string) Request {
	return Request{Kind: KindList, OwnerName: ownerName, Token: token, DailyRent: dailyRent, ImageLocator: imageLocator}
}

func DeactivateProperty(id uint64) Request {
	return Request{Kind: KindDeactivate, PropertyID: id}
}

func PayRent(id uint64, days int64, token string) Request {
	return Request{Kind: KindPayRent, PropertyID: id, Days: days, Token: token}
}

// Approve lets spender pull exactly amount (fixed point) of token from the signer.
func Approve(token, spender string, amount *big.Int) Request {
	return Request{Kind: KindApprove, Token: token, Spender: spender, Amount: amount}
}

// built is a validated request ready for simulation.
type built struct {
	kind       Kind
	to         common.Address
	data       []byte
	propertyID uint64
	// scope identifies the logical request for coalescing. It covers the
	// call data, so requests differing in any argument never share a result.
	scope string
	// lane serializes requests that touch the same on-chain subject.
	lane string
}

func (b built) msg(from common.Address) ethereum.CallMsg {
	to := b.to
	return ethereum.CallMsg{From: from, To: &to, Data: b.data}
}

func (b built) key(signer common.Address) string {
	return b.scope + "|" + strings.ToLower(signer.Hex())
}

func (b built) laneKey(signer common.Address) string {
	return b.lane + "|" + strings.ToLower(signer.Hex())
}

// build validates req locally. Nothing here touches the network.
func (o *Orchestrator) build(req Request) (built, error) {
	switch req.Kind {
	case KindList:
		name := strings.TrimSpace(req.OwnerName)
		if name == "" {
			return built{}, apperror.ErrInvalidRequest("Owner name is required")
		}
		token, err := parseAddress("payment token", req.Token)
		if err != nil {
			return built{}, err
		}
		rent, err := o.codec.ToFixedPoint(req.DailyRent)
		if err != nil {
			return built{}, err
		}
		if rent.Sign() == 0 {
			return built{}, apperror.ErrInvalidAmount("Daily rent must be greater than zero")
		}
		data, err := o.registryABI.Pack(contracts.MethodListProperty, name, token, rent, strings.TrimSpace(req.ImageLocator))
		if err != nil {
			return built{}, fmt.Errorf("pack %s: %w", contracts.MethodListProperty, err)
		}
		return built{
			kind:  KindList,
			to:    o.cfg.Registry,
			data:  data,
			scope: "list|" + digest(data),
			lane:  "listing",
		}, nil

	case KindDeactivate:
		if req.PropertyID == 0 {
			return built{}, apperror.ErrInvalidRequest("Property id must be positive")
		}
		data, err := o.registryABI.Pack(contracts.MethodDeactivateProperty, new(big.Int).SetUint64(req.PropertyID))
		if err != nil {
			return built{}, fmt.Errorf("pack %s: %w", contracts.MethodDeactivateProperty, err)
		}
		return built{
			kind:       KindDeactivate,
			to:         o.cfg.Registry,
			data:       data,
			propertyID: req.PropertyID,
			scope:      "deactivate|" + strconv.FormatUint(req.PropertyID, 10),
			lane:       "property|" + strconv.FormatUint(req.PropertyID, 10),
		}, nil

	case KindPayRent:
		if req.PropertyID == 0 {
			return built{}, apperror.ErrInvalidRequest("Property id must be positive")
		}
		if req.Days <= 0 {
			return built{}, apperror.ErrInvalidDuration()
		}
		token, err := parseAddress("payment token", req.Token)
		if err != nil {
			return built{}, err
		}
		data, err := o.registryABI.Pack(contracts.MethodPayRent,
			new(big.Int).SetUint64(req.PropertyID), big.NewInt(req.Days), token)
		if err != nil {
			return built{}, fmt.Errorf("pack %s: %w", contracts.MethodPayRent, err)
		}
		return built{
			kind:       KindPayRent,
			to:         o.cfg.Registry,
			data:       data,
			propertyID: req.PropertyID,
			scope:      "pay_rent|" + strconv.FormatUint(req.PropertyID, 10) + "|" + digest(data),
			lane:       "property|" + strconv.FormatUint(req.PropertyID, 10),
		}, nil

	case KindApprove:
		token, err := parseAddress("token", req.Token)
		if err != nil {
			return built{}, err
		}
		spender, err := parseAddress("spender", req.Spender)
		if err != nil {
			return built{}, err
		}
		if req.Amount == nil || req.Amount.Sign() <= 0 {
			return built{}, apperror.ErrInvalidAmount("Approval amount must be greater than zero")
		}
		data, err := o.erc20ABI.Pack(contracts.MethodApprove, spender, req.Amount)
		if err != nil {
			return built{}, fmt.Errorf("pack %s: %w", contracts.MethodApprove, err)
		}
		return built{
			kind:  KindApprove,
			to:    token,
			data:  data,
			scope: "approve|" + strings.ToLower(token.Hex()) + "|" + digest(data),
			lane:  "token|" + strings.ToLower(token.Hex()),
		}, nil
	}
	return built{}, apperror.ErrInvalidRequest(fmt.Sprintf("Unknown transaction kind %q", req.Kind))
}

// digest shortens call data so that only identical calls share a scope.
func digest(data []byte) string {
	return crypto.Keccak256Hash(data).Hex()[:18]
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, apperror.ErrInvalidRequest(fmt.Sprintf("Invalid %s address %q", field, s))
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, apperror.ErrInvalidRequest(fmt.Sprintf("Invalid %s address %q", field, s))
	}
	return addr, nil
}

