package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lendpool/core/state"
	"lendpool/core/types"
	"lendpool/crypto"
	"lendpool/native/tokens"
)

// Context is handed to a contract endpoint for the duration of one call.
type Context struct {
	ctx      context.Context
	d        *Dispatcher
	caller   crypto.Address
	self     crypto.Address
	payment  *Payment
	gasLimit uint64
	gasUsed  uint64
	depth    int
}

// Context returns the request context, carrying the active trace span.
func (c *Context) Context() context.Context { return c.ctx }

// Caller is the immediate caller: an account for top-level calls, the calling
// contract for nested ones.
func (c *Context) Caller() crypto.Address { return c.caller }

// Self is the address of the executing contract.
func (c *Context) Self() crypto.Address { return c.self }

// Payment returns a copy of the attached payment, or nil.
func (c *Context) Payment() *Payment { return c.payment.clone() }

// Depth is zero for top-level calls.
func (c *Context) Depth() int { return c.depth }

// Now is the block time of the invocation.
func (c *Context) Now() time.Time { return c.d.now }

// Timestamp is Now in unix seconds.
func (c *Context) Timestamp() uint64 {
	ts := c.d.now.Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// State returns the executing contract's private storage.
func (c *Context) State() *state.Manager {
	return ContractState(c.d.state, c.self)
}

// ContractState scopes root to the private storage of the contract at addr.
func ContractState(root *state.Manager, addr crypto.Address) *state.Manager {
	return root.Scoped(append([]byte("contract/"), addr[:]...))
}

// Tokens returns the shared token ledger.
func (c *Context) Tokens() *tokens.Ledger { return c.d.tokens }

// Logger returns a logger annotated with the executing contract.
func (c *Context) Logger() *slog.Logger {
	return c.d.logger.With("contract", c.self.String(), "depth", c.depth)
}

// GasLeft reports the unspent part of this call's budget.
func (c *Context) GasLeft() uint64 {
	if c.gasUsed >= c.gasLimit {
		return 0
	}
	return c.gasLimit - c.gasUsed
}

// GasUsed reports how much of the budget was consumed so far.
func (c *Context) GasUsed() uint64 { return c.gasUsed }

// UseGas charges amount against the call budget. Exhausting the budget fails
// the call.
func (c *Context) UseGas(amount uint64) error {
	if amount > c.GasLeft() {
		c.gasUsed = c.gasLimit
		return fmt.Errorf("%w: need %d, have %d", ErrOutOfGas, amount, c.GasLeft())
	}
	c.gasUsed += amount
	return nil
}

// Emit queues evt. Events are published only when the top-level invocation
// commits, and are dropped together with the state of a failed call.
func (c *Context) Emit(evt *types.Event) {
	if evt == nil {
		return
	}
	if evt.Attributes == nil {
		evt.Attributes = make(map[string]string)
	}
	evt.Attributes["contract"] = c.self.Encode(crypto.ContractPrefix)
	c.d.pending = append(c.d.pending, evt)
}

// Call invokes another contract and blocks until it finishes. The callee runs
// inside its own snapshot: if it fails, only its own writes are discarded and
// the error is returned to this caller, whose earlier writes remain.
func (c *Context) Call(to crypto.Address, gas uint64, function string, args Args, payment *Payment) (Args, error) {
	if left := c.GasLeft(); gas > left {
		gas = left
	}
	out, used, err := c.d.exec(c.ctx, Call{
		From:     c.self,
		To:       to,
		Gas:      gas,
		Function: function,
		Args:     args,
		Payment:  payment,
	}, c.depth+1)
	c.gasUsed += used
	return out, err
}
