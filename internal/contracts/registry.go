package contracts

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RegistryABI is the subset of the rental registry interface the client consumes.
const RegistryABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"uint256","name":"propertyId","type":"uint256"},
		{"indexed":false,"internalType":"address","name":"owner","type":"address"},
		{"indexed":false,"internalType":"string","name":"ownerName","type":"string"},
		{"indexed":false,"internalType":"address","name":"stablecoinAddress","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"dailyRent","type":"uint256"}
	],"name":"PropertyListed","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"uint256","name":"propertyId","type":"uint256"},
		{"indexed":false,"internalType":"address","name":"tenant","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
		{"indexed":false,"internalType":"address","name":"paymentToken","type":"address"}
	],"name":"RentPaid","type":"event"},
	{"inputs":[{"internalType":"uint256","name":"_propertyId","type":"uint256"}],
	 "name":"deactivateProperty","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"getAllOwnersDetails","outputs":[{"components":[
		{"internalType":"uint256","name":"propertyId","type":"uint256"},
		{"internalType":"address","name":"owner","type":"address"},
		{"internalType":"string","name":"ownerName","type":"string"},
		{"internalType":"address","name":"stablecoinAddress","type":"address"},
		{"internalType":"uint256","name":"dailyRent","type":"uint256"},
		{"internalType":"string","name":"ipfsImageUrl","type":"string"},
		{"internalType":"bool","name":"isActive","type":"bool"}
	 ],"internalType":"struct BrokerDemo.OwnerDetails[]","name":"","type":"tuple[]"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"_propertyId","type":"uint256"}],
	 "name":"getPropertyDetails","outputs":[
		{"internalType":"address","name":"owner","type":"address"},
		{"internalType":"string","name":"ownerName","type":"string"},
		{"internalType":"address","name":"stablecoinAddress","type":"address"},
		{"internalType":"uint256","name":"dailyRent","type":"uint256"},
		{"internalType":"string","name":"ipfsImageUrl","type":"string"},
		{"internalType":"bool","name":"isActive","type":"bool"}
	 ],"stateMutability":"view","type":"function"},
	{"inputs":[
		{"internalType":"string","name":"_ownerName","type":"string"},
		{"internalType":"address","name":"_stablecoinAddress","type":"address"},
		{"internalType":"uint256","name":"_dailyRent","type":"uint256"},
		{"internalType":"string","name":"_ipfsImageUrl","type":"string"}
	 ],"name":"listProperty","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[
		{"internalType":"uint256","name":"_propertyId","type":"uint256"},
		{"internalType":"uint256","name":"_days","type":"uint256"},
		{"internalType":"address","name":"_paymentToken","type":"address"}
	 ],"name":"payRent","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"propertyCounter","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"}
]`

// Registry method and event names.
const (
	MethodGetAllOwnersDetails = "getAllOwnersDetails"
	MethodGetPropertyDetails  = "getPropertyDetails"
	MethodPropertyCounter     = "propertyCounter"
	MethodListProperty        = "listProperty"
	MethodPayRent             = "payRent"
	MethodDeactivateProperty  = "deactivateProperty"

	EventPropertyListed = "PropertyListed"
	EventRentPaid       = "RentPaid"
)

// OwnerDetails mirrors one element of getAllOwnersDetails.
type OwnerDetails struct {
	PropertyId        *big.Int
	Owner             common.Address
	OwnerName         string
	StablecoinAddress common.Address
	DailyRent         *big.Int
	IpfsImageUrl      string
	IsActive          bool
}

// PropertyDetails mirrors the outputs of getPropertyDetails.
type PropertyDetails struct {
	Owner             common.Address
	OwnerName         string
	StablecoinAddress common.Address
	DailyRent         *big.Int
	IpfsImageUrl      string
	IsActive          bool
}

// PropertyListed is the decoded PropertyListed event.
type PropertyListed struct {
	PropertyId        *big.Int
	Owner             common.Address
	OwnerName         string
	StablecoinAddress common.Address
	DailyRent         *big.Int
}

// RentPaid is the decoded RentPaid event.
type RentPaid struct {
	PropertyId   *big.Int
	Tenant       common.Address
	Amount       *big.Int
	PaymentToken common.Address
}

var (
	registryOnce sync.Once
	registryABI  abi.ABI
	registryErr  error
)

// Registry returns the parsed registry ABI.
func Registry() (abi.ABI, error) {
	registryOnce.Do(func() {
		registryABI, registryErr = abi.JSON(strings.NewReader(RegistryABI))
	})
	return registryABI, registryErr
}

// MustRegistry is Registry for package-level initialisation and tests.
func MustRegistry() abi.ABI {
	parsed, err := Registry()
	if err != nil {
		panic(err)
	}
	return parsed
}
