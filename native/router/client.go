package router

import (
	"context"
	"errors"
	"math/big"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/dispatch"
	"lendpool/native/lending"
	"lendpool/native/tokens"
)

// Invoker runs committing and read-only calls.
type Invoker interface {
	Invoke(ctx context.Context, call dispatch.Call) (*dispatch.Result, error)
	Query(ctx context.Context, call dispatch.Call) (dispatch.Args, error)
}

// DefaultGas is the budget of a client invocation.
const DefaultGas uint64 = 2_000_000

// Client drives a deployed router on behalf of accounts.
type Client struct {
	inv    Invoker
	router crypto.Address
	gas    uint64
}

// NewClient returns a client for the router at addr.
func NewClient(inv Invoker, addr crypto.Address) *Client {
	return &Client{inv: inv, router: addr, gas: DefaultGas}
}

// WithGas returns a copy of the client using gas for every invocation.
func (c *Client) WithGas(gas uint64) *Client {
	out := *c
	out.gas = gas
	return &out
}

// Address returns the router contract address.
func (c *Client) Address() crypto.Address { return c.router }

func (c *Client) invoke(ctx context.Context, from crypto.Address, fn string, args dispatch.Args, payment *dispatch.Payment) (dispatch.Args, error) {
	res, err := c.inv.Invoke(ctx, dispatch.Call{From: from, To: c.router, Gas: c.gas, Function: fn, Args: args, Payment: payment})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

func (c *Client) query(ctx context.Context, fn string, args dispatch.Args) (dispatch.Args, error) {
	return c.inv.Query(ctx, dispatch.Call{To: c.router, Gas: lending.ViewGas, Function: fn, Args: args})
}

func fungible(asset string, amount *big.Int) *dispatch.Payment {
	return &dispatch.Payment{Token: nativecommon.NormalizeAsset(asset), Nonce: tokens.FungibleNonce, Amount: amount}
}

// Deposit supplies amount of asset and returns the deposit receipt.
func (c *Client) Deposit(ctx context.Context, from crypto.Address, asset string, amount *big.Int) (*lending.DepositReceipt, error) {
	out, err := c.invoke(ctx, from, "deposit", nil, fungible(asset, amount))
	if err != nil {
		return nil, err
	}
	return decodeReceipt(out)
}

func decodeReceipt(out dispatch.Args) (*lending.DepositReceipt, error) {
	token, err := out.Text(0)
	if err != nil {
		return nil, err
	}
	nonce, err := out.Uint64(1)
	if err != nil {
		return nil, err
	}
	amount, err := out.Amount(2)
	if err != nil {
		return nil, err
	}
	return &lending.DepositReceipt{Token: token, Nonce: nonce, Amount: amount}, nil
}

// Withdraw redeems amount of deposit receipt nonce and returns the payout.
func (c *Client) Withdraw(ctx context.Context, from crypto.Address, asset string, nonce uint64, amount *big.Int) (*big.Int, error) {
	args, err := dispatch.NewArgs().Text(asset).Args()
	if err != nil {
		return nil, err
	}
	payment := &dispatch.Payment{Token: lending.LendToken(nativecommon.NormalizeAsset(asset)), Nonce: nonce, Amount: amount}
	out, err := c.invoke(ctx, from, "withdraw", args, payment)
	if err != nil {
		return nil, err
	}
	return out.Amount(0)
}

// LockDebt hands a debt receipt to the pool ahead of repay and returns the
// position it belongs to.
func (c *Client) LockDebt(ctx context.Context, from crypto.Address, asset string, nonce uint64, amount *big.Int) (uint64, error) {
	args, err := dispatch.NewArgs().Text(asset).Args()
	if err != nil {
		return 0, err
	}
	payment := &dispatch.Payment{Token: lending.BorrowToken(nativecommon.NormalizeAsset(asset)), Nonce: nonce, Amount: amount}
	out, err := c.invoke(ctx, from, "lockBTokens", args, payment)
	if err != nil {
		return 0, err
	}
	return out.Uint64(0)
}

// UnlockDebt takes a locked debt receipt back.
func (c *Client) UnlockDebt(ctx context.Context, from crypto.Address, asset string, positionID uint64) error {
	args, err := dispatch.NewArgs().Text(asset).Uint64(positionID).Args()
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, from, "unlockBTokens", args, nil)
	return err
}

// Borrow posts collateralAmount of the collateral deposit receipt nonce and
// borrows amount of debtAsset. When the second leg fails the returned flow is
// accompanied by a *LegError.
func (c *Client) Borrow(ctx context.Context, from crypto.Address, collateralAsset string, nonce uint64, collateralAmount *big.Int, debtAsset string, amount *big.Int) (*Flow, error) {
	args, err := dispatch.NewArgs().Text(collateralAsset).Text(debtAsset).Amount(amount).Args()
	if err != nil {
		return nil, err
	}
	payment := &dispatch.Payment{Token: lending.LendToken(nativecommon.NormalizeAsset(collateralAsset)), Nonce: nonce, Amount: collateralAmount}
	return c.flow(c.invoke(ctx, from, "borrow", args, payment))
}

// Repay settles positionID with amount of asset and releases its collateral.
func (c *Client) Repay(ctx context.Context, from crypto.Address, asset string, positionID uint64, amount *big.Int) (*Flow, error) {
	args, err := dispatch.NewArgs().Text(asset).Uint64(positionID).Args()
	if err != nil {
		return nil, err
	}
	return c.flow(c.invoke(ctx, from, "repay", args, fungible(asset, amount)))
}

// ReleaseCollateral recovers the collateral of a flow whose second leg failed.
func (c *Client) ReleaseCollateral(ctx context.Context, from crypto.Address, flowID uint64) (*Flow, error) {
	args, err := dispatch.NewArgs().Uint64(flowID).Args()
	if err != nil {
		return nil, err
	}
	return c.flow(c.invoke(ctx, from, "releaseCollateral", args, nil))
}

func (c *Client) flow(out dispatch.Args, err error) (*Flow, error) {
	if err != nil {
		return nil, err
	}
	var flow Flow
	if err := out.Decode(0, &flow); err != nil {
		return nil, err
	}
	if flow.Stage == StageLeg2Failed {
		return &flow, &LegError{FlowID: flow.ID, Leg: 2, Err: flowFailure(&flow)}
	}
	return &flow, nil
}

// remoteError carries a failure message recorded in a flow together with the
// shared error kind it was recorded under.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

// flowFailure rebuilds the error recorded on a failed flow.
func flowFailure(flow *Flow) error {
	kind := nativecommon.FromCode(flow.FailureCode)
	if kind == nil {
		return errors.New(flow.FailureMessage)
	}
	return &remoteError{kind: kind, msg: flow.FailureMessage}
}

// SetPoolAddress maps asset onto pool. Only the router owner may call it.
func (c *Client) SetPoolAddress(ctx context.Context, from crypto.Address, asset string, pool crypto.Address) error {
	args, err := dispatch.NewArgs().Text(asset).Address(pool).Args()
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, from, "setPoolAddress", args, nil)
	return err
}

// SetHealthFactorThreshold updates the borrow threshold of the pool of asset.
func (c *Client) SetHealthFactorThreshold(ctx context.Context, from crypto.Address, asset string, value *big.Int) error {
	args, err := dispatch.NewArgs().Text(asset).Amount(value).Args()
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, from, "setHealthFactorThreshold", args, nil)
	return err
}

// PoolAddress returns the pool mapped to asset.
func (c *Client) PoolAddress(ctx context.Context, asset string) (crypto.Address, error) {
	args, err := dispatch.NewArgs().Text(asset).Args()
	if err != nil {
		return crypto.Address{}, err
	}
	out, err := c.query(ctx, "getPoolAddress", args)
	if err != nil {
		return crypto.Address{}, err
	}
	return out.Address(0)
}

// Routes lists the route table.
func (c *Client) Routes(ctx context.Context) ([]Route, error) {
	out, err := c.query(ctx, "getRoutes", nil)
	if err != nil {
		return nil, err
	}
	var routes []Route
	if err := out.Decode(0, &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

// Flow returns flow id.
func (c *Client) Flow(ctx context.Context, id uint64) (*Flow, error) {
	args, err := dispatch.NewArgs().Uint64(id).Args()
	if err != nil {
		return nil, err
	}
	out, err := c.query(ctx, "getFlow", args)
	if err != nil {
		return nil, err
	}
	var flow Flow
	if err := out.Decode(0, &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// Owner returns the router owner.
func (c *Client) Owner(ctx context.Context) (crypto.Address, error) {
	out, err := c.query(ctx, "getOwner", nil)
	if err != nil {
		return crypto.Address{}, err
	}
	return out.Address(0)
}
