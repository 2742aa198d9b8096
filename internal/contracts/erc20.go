package contracts

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ERC20ABI covers the allowance handshake the booking flow needs.
const ERC20ABI = `[
	{"inputs":[
		{"internalType":"address","name":"owner","type":"address"},
		{"internalType":"address","name":"spender","type":"address"}
	 ],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[
		{"internalType":"address","name":"spender","type":"address"},
		{"internalType":"uint256","name":"amount","type":"uint256"}
	 ],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],
	 "stateMutability":"nonpayable","type":"function"}
]`

const (
	MethodAllowance = "allowance"
	MethodApprove   = "approve"
)

var (
	erc20Once sync.Once
	erc20ABI  abi.ABI
	erc20Err  error
)

// ERC20 returns the parsed token ABI.
func ERC20() (abi.ABI, error) {
	erc20Once.Do(func() {
		erc20ABI, erc20Err = abi.JSON(strings.NewReader(ERC20ABI))
	})
	return erc20ABI, erc20Err
}

func MustERC20() abi.ABI {
	parsed, err := ERC20()
	if err != nil {
		panic(err)
	}
	return parsed
}
