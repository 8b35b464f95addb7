package lending

import (
	"context"
	"math/big"

	"lendpool/crypto"
	"lendpool/native/dispatch"
)

// Querier runs read-only calls.
type Querier interface {
	Query(ctx context.Context, call dispatch.Call) (dispatch.Args, error)
}

// ViewGas is the budget given to each view query.
const ViewGas uint64 = 100_000

// Client reads a deployed pool through the dispatcher.
type Client struct {
	q    Querier
	pool crypto.Address
	from crypto.Address
}

// NewClient returns a client for the pool at addr.
func NewClient(q Querier, addr crypto.Address) *Client {
	return &Client{q: q, pool: addr}
}

// Address returns the pool contract address.
func (c *Client) Address() crypto.Address { return c.pool }

func (c *Client) query(ctx context.Context, fn string, args dispatch.Args) (dispatch.Args, error) {
	return c.q.Query(ctx, dispatch.Call{From: c.from, To: c.pool, Gas: ViewGas, Function: fn, Args: args})
}

func (c *Client) amount(ctx context.Context, fn string, args dispatch.Args) (*big.Int, error) {
	out, err := c.query(ctx, fn, args)
	if err != nil {
		return nil, err
	}
	return out.Amount(0)
}

func (c *Client) Utilisation(ctx context.Context) (*big.Int, error) {
	return c.amount(ctx, "getCapitalUtilisation", nil)
}

func (c *Client) BorrowRate(ctx context.Context) (*big.Int, error) {
	return c.amount(ctx, "getBorrowRate", nil)
}

func (c *Client) DepositRate(ctx context.Context) (*big.Int, error) {
	return c.amount(ctx, "getDepositRate", nil)
}

// DebtInterest prices interest on amount borrowed at timestamp.
func (c *Client) DebtInterest(ctx context.Context, amount *big.Int, timestamp uint64) (*big.Int, error) {
	args, err := dispatch.NewArgs().Amount(amount).Uint64(timestamp).Args()
	if err != nil {
		return nil, err
	}
	return c.amount(ctx, "getDebtInterest", args)
}

func (c *Client) idArgs(id uint64) dispatch.Args {
	args, _ := dispatch.NewArgs().Uint64(id).Args()
	return args
}

func (c *Client) PositionInterest(ctx context.Context, id uint64) (*big.Int, error) {
	return c.amount(ctx, "getPositionInterest", c.idArgs(id))
}

func (c *Client) PositionSize(ctx context.Context, id uint64) (*big.Int, error) {
	return c.amount(ctx, "getPositionSize", c.idArgs(id))
}

func (c *Client) HealthFactor(ctx context.Context, id uint64) (*big.Int, error) {
	return c.amount(ctx, "getHealthFactor", c.idArgs(id))
}

// Position returns open position id.
func (c *Client) Position(ctx context.Context, id uint64) (*DebtPosition, error) {
	out, err := c.query(ctx, "debtPosition", c.idArgs(id))
	if err != nil {
		return nil, err
	}
	var pos DebtPosition
	if err := out.Decode(0, &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// Positions lists every open position.
func (c *Client) Positions(ctx context.Context) ([]*DebtPosition, error) {
	out, err := c.query(ctx, "getPositions", nil)
	if err != nil {
		return nil, err
	}
	var positions []*DebtPosition
	if err := out.Decode(0, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// CollateralLock returns a collateral lock held by the pool.
func (c *Client) CollateralLock(ctx context.Context, id uint64) (*CollateralLock, error) {
	out, err := c.query(ctx, "getCollateralLock", c.idArgs(id))
	if err != nil {
		return nil, err
	}
	var lock CollateralLock
	if err := out.Decode(0, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// Reserve returns the pool counters.
func (c *Client) Reserve(ctx context.Context) (*Reserve, error) {
	out, err := c.query(ctx, "getReserve", nil)
	if err != nil {
		return nil, err
	}
	reserve, err := out.Amount(0)
	if err != nil {
		return nil, err
	}
	borrowed, err := out.Amount(1)
	if err != nil {
		return nil, err
	}
	return &Reserve{ReserveAmount: reserve, TotalBorrow: borrowed}, nil
}

// Info collects the pool description from its views.
func (c *Client) Info(ctx context.Context) (*PoolInfo, error) {
	info := &PoolInfo{}
	for fn, dst := range map[string]*string{
		"getPoolAsset":   &info.Asset,
		"getLendToken":   &info.LendToken,
		"getBorrowToken": &info.BorrowToken,
	} {
		out, err := c.query(ctx, fn, nil)
		if err != nil {
			return nil, err
		}
		if *dst, err = out.Text(0); err != nil {
			return nil, err
		}
	}
	out, err := c.query(ctx, "getPoolParams", nil)
	if err != nil {
		return nil, err
	}
	if err := out.Decode(0, &info.Params); err != nil {
		return nil, err
	}
	if info.Owner, err = out.Address(1); err != nil {
		return nil, err
	}
	return info, nil
}
