package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"staychain/internal/metrics"
	"staychain/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// Limited throttles every call to the wrapped backend through a token bucket
// and records a classified status per RPC method.
type Limited struct {
	inner   Backend
	limiter *rate.Limiter
	metrics *metrics.Registry
}

// NewLimited wraps inner. A non-positive rps disables throttling.
func NewLimited(inner Backend, rps float64, burst int, m *metrics.Registry) *Limited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
	}
}

// wait consumes exactly one token, counting calls that had to queue.
func (l *Limited) wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	l.metrics.IncRateLimitWait()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (l *Limited) record(method string, err error) {
	status := "ok"
	if err != nil {
		status = string(retry.Classify(err).Class)
	}
	l.metrics.IncRPCCall(method, status)
}

func (l *Limited) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	out, err := l.inner.CallContract(ctx, msg, blockNumber)
	l.record("eth_call", err)
	return out, err
}

func (l *Limited) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := l.inner.FilterLogs(ctx, q)
	l.record("eth_getLogs", err)
	return logs, err
}

func (l *Limited) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := l.inner.TransactionReceipt(ctx, txHash)
	l.record("eth_getTransactionReceipt", err)
	return receipt, err
}

func (l *Limited) BlockNumber(ctx context.Context) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	n, err := l.inner.BlockNumber(ctx)
	l.record("eth_blockNumber", err)
	return n, err
}

func (l *Limited) ChainID(ctx context.Context) (*big.Int, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	id, err := l.inner.ChainID(ctx)
	l.record("eth_chainId", err)
	return id, err
}

func (l *Limited) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	n, err := l.inner.PendingNonceAt(ctx, account)
	l.record("eth_getTransactionCount", err)
	return n, err
}

func (l *Limited) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	p, err := l.inner.SuggestGasPrice(ctx)
	l.record("eth_gasPrice", err)
	return p, err
}

func (l *Limited) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	g, err := l.inner.EstimateGas(ctx, msg)
	l.record("eth_estimateGas", err)
	return g, err
}

func (l *Limited) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	err := l.inner.SendTransaction(ctx, tx)
	l.record("eth_sendRawTransaction", err)
	return err
}
