package dispatch

import (
	"errors"
	"math/big"

	"lendpool/crypto"
)

var (
	ErrUnknownContract   = errors.New("dispatch: unknown contract")
	ErrContractExists    = errors.New("dispatch: contract already registered")
	ErrUnknownFunction   = errors.New("dispatch: unknown function")
	ErrOutOfGas          = errors.New("dispatch: out of gas")
	ErrCallDepthExceeded = errors.New("dispatch: call depth exceeded")
	ErrMissingArgument   = errors.New("dispatch: missing argument")
	ErrInvalidArgument   = errors.New("dispatch: invalid argument")
	ErrAmountOverflow    = errors.New("dispatch: amount exceeds 256 bits")
)

const (
	// GasCallBase is charged on entry to every contract call.
	GasCallBase uint64 = 700
	// DefaultMaxDepth bounds nested contract calls.
	DefaultMaxDepth = 8
)

// Contract is an endpoint table reachable through the dispatcher.
type Contract interface {
	// Kind names the contract type for logs and metrics.
	Kind() string
	Call(ctx *Context, function string, args Args) (Args, error)
}

// Payment is a token transfer attached to a call. It moves from the caller to
// the callee before the callee's endpoint runs.
type Payment struct {
	Token  string
	Nonce  uint64
	Amount *big.Int
}

func (p *Payment) clone() *Payment {
	if p == nil {
		return nil
	}
	out := &Payment{Token: p.Token, Nonce: p.Nonce}
	if p.Amount != nil {
		out.Amount = new(big.Int).Set(p.Amount)
	}
	return out
}

// IsZero reports whether the payment carries no value.
func (p *Payment) IsZero() bool {
	return p == nil || p.Amount == nil || p.Amount.Sign() == 0
}

// Call describes one contract invocation.
type Call struct {
	From     crypto.Address
	To       crypto.Address
	Gas      uint64
	Function string
	Args     Args
	Payment  *Payment
}

// Result is returned by a top-level invocation.
type Result struct {
	Output  Args
	GasUsed uint64
}
