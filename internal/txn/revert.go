package txn

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertPrefix = "execution reverted"

// RevertReason extracts the Error(string) reason from a node's revert error.
// ok is false when err is not a revert at all.
func RevertReason(err error) (reason string, ok bool) {
	if err == nil {
		return "", false
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, isString := dataErr.ErrorData().(string); isString {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if r, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return r, true
				}
			}
		}
	}

	msg := err.Error()
	i := strings.Index(msg, revertPrefix)
	if i < 0 {
		return "", false
	}
	r := strings.TrimSpace(strings.TrimPrefix(msg[i+len(revertPrefix):], ":"))
	if r == "" {
		r = revertPrefix
	}
	return r, true
}
