// Package retry classifies chain errors and retries idempotent calls.
// It is never used on the submit path: a resent transaction can double-pay.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Transient marks err as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient, reason: "explicit_transient"}
}

// Terminal marks err as not worth retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTerminal, reason: "explicit_terminal"}
}

func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}
	if errors.Is(err, ethereum.NotFound) {
		return Decision{Class: ClassTerminal, Reason: "not_found"}
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return Decision{Class: ClassTerminal, Reason: "execution_reverted"}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return Decision{Class: ClassTransient, Reason: "http_429"}
		case httpErr.StatusCode >= 500:
			return Decision{Class: ClassTransient, Reason: "http_5xx"}
		default:
			return Decision{Class: ClassTerminal, Reason: "http_4xx"}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.ErrorCode())
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

// IsNetwork reports whether err looks like the node being unreachable or slow,
// as opposed to the node answering with a definite error.
func IsNetwork(err error) bool {
	d := Classify(err)
	return d.IsTransient()
}

func classifyJSONRPCCode(code int) Decision {
	if code == -32603 || code == -32005 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code == 3 {
		return Decision{Class: ClassTerminal, Reason: "execution_reverted"}
	}
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"no such host",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
}

var terminalMessageTokens = []string{
	"execution reverted",
	"invalid argument",
	"invalid params",
	"method not found",
	"insufficient funds",
	"nonce too low",
	"not found",
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Normalized fills zero fields with usable values.
func (p Policy) Normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	return p
}

// Do runs fn until it succeeds, returns a terminal error, or attempts run out.
// onAttempt, if set, receives "success", "retry" or "failed" after each attempt.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onAttempt func(result string)) error {
	p = p.Normalized()
	if onAttempt == nil {
		onAttempt = func(string) {}
	}

	backoff := p.InitialBackoff
	var err error
	for i := 1; i <= p.MaxAttempts; i++ {
		err = fn(ctx)
		if err == nil {
			onAttempt("success")
			return nil
		}
		if !Classify(err).IsTransient() || i == p.MaxAttempts || ctx.Err() != nil {
			onAttempt("failed")
			return err
		}

		onAttempt("retry")
		sleep := backoff
		if sleep > p.MaxBackoff {
			sleep = p.MaxBackoff
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
		backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
	}
	return err
}
