package router

import (
	"errors"
	"fmt"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/dispatch"
)

var (
	ErrUnknownFlow    = errors.New("router: unknown flow")
	ErrNotInitialised = errors.New("router: not initialised")
	errInitialised    = errors.New("router: already initialised")
)

// Gas charged on entry to each router endpoint. Remote legs are paid from
// whatever is left.
const (
	GasInit    uint64 = 20_000
	GasForward uint64 = 4_000
	GasFlow    uint64 = 10_000
	GasAdmin   uint64 = 5_000
	GasView    uint64 = 500
)

// Kind names the router contract in logs and metrics.
const Kind = "router"

const moduleName = "router"

// Router is the entry contract. It owns the asset route table and sequences
// multi-leg flows across pools; it never touches pool state directly.
type Router struct {
	pauses nativecommon.PauseView
}

// New returns a router contract consulting pauses before every mutation.
func New(pauses nativecommon.PauseView) *Router { return &Router{pauses: pauses} }

func (r *Router) Kind() string { return Kind }

type endpoint struct {
	gas     uint64
	mutates bool
	owner   bool
	fn      func(r *Router, ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error)
}

var routerEndpoints = map[string]endpoint{
	"init":                     {gas: GasInit, fn: (*Router).init},
	"deposit":                  {gas: GasForward, mutates: true, fn: (*Router).deposit},
	"withdraw":                 {gas: GasForward, mutates: true, fn: (*Router).withdraw},
	"lockBTokens":              {gas: GasForward, mutates: true, fn: (*Router).lockDebt},
	"unlockBTokens":            {gas: GasForward, mutates: true, fn: (*Router).unlockDebt},
	"borrow":                   {gas: GasFlow, mutates: true, fn: (*Router).borrow},
	"repay":                    {gas: GasFlow, mutates: true, fn: (*Router).repay},
	"releaseCollateral":        {gas: GasFlow, mutates: true, fn: (*Router).releaseCollateral},
	"setPoolAddress":           {gas: GasAdmin, mutates: true, owner: true, fn: (*Router).setPoolAddress},
	"setHealthFactorThreshold": {gas: GasAdmin, mutates: true, owner: true, fn: (*Router).setHealthFactorThreshold},

	"getPoolAddress": {gas: GasView, fn: (*Router).getPoolAddress},
	"getRoutes":      {gas: GasView, fn: (*Router).getRoutes},
	"getFlow":        {gas: GasView, fn: (*Router).getFlow},
	"getOwner":       {gas: GasView, fn: (*Router).getOwner},
}

// Call dispatches function to its endpoint.
func (r *Router) Call(ctx *dispatch.Context, function string, args dispatch.Args) (dispatch.Args, error) {
	ep, ok := routerEndpoints[function]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrUnknownFunction, function)
	}
	if err := ctx.UseGas(ep.gas); err != nil {
		return nil, err
	}
	st := newStore(ctx.State())
	if function != "init" {
		owner, ok, err := st.Owner()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotInitialised
		}
		if ep.owner && ctx.Caller() != owner {
			return nil, fmt.Errorf("%w: %s is not the router owner", nativecommon.ErrUnauthorized, ctx.Caller())
		}
	}
	if ep.mutates {
		if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
			return nil, err
		}
		if ctx.Caller().IsZero() {
			return nil, fmt.Errorf("%w: zero caller", nativecommon.ErrInvalidAddress)
		}
	}
	return ep.fn(r, ctx, st, args)
}

func (r *Router) init(ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	if _, ok, err := st.Owner(); err != nil {
		return nil, err
	} else if ok {
		return nil, errInitialised
	}
	owner := ctx.Caller()
	if len(args) > 0 {
		var err error
		if owner, err = args.Address(0); err != nil {
			return nil, err
		}
	}
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: zero owner", nativecommon.ErrInvalidAddress)
	}
	return nil, st.PutOwner(owner)
}

// pool resolves the pool serving asset.
func (r *Router) pool(st *store, asset string) (crypto.Address, error) {
	asset = nativecommon.NormalizeAsset(asset)
	if asset == "" {
		return crypto.Address{}, fmt.Errorf("%w: empty asset", nativecommon.ErrAssetNotSupported)
	}
	addr, ok, err := st.Route(asset)
	if err != nil {
		return crypto.Address{}, err
	}
	if !ok {
		return crypto.Address{}, fmt.Errorf("%w: %s", nativecommon.ErrAssetNotSupported, asset)
	}
	if addr.IsZero() {
		return crypto.Address{}, fmt.Errorf("%w: %s", nativecommon.ErrInvalidPoolAddress, asset)
	}
	return addr, nil
}

func requirePayment(ctx *dispatch.Context) (*dispatch.Payment, error) {
	payment := ctx.Payment()
	if payment.IsZero() {
		return nil, fmt.Errorf("%w: payment required", nativecommon.ErrInvalidAmount)
	}
	return payment, nil
}

func callerArgs(ctx *dispatch.Context) dispatch.Args {
	return dispatch.Args{ctx.Caller().Bytes()}
}

// forward relays a single-leg operation to a pool, passing on the payment and
// all remaining gas.
func (r *Router) forward(ctx *dispatch.Context, pool crypto.Address, function string, args dispatch.Args, payment *dispatch.Payment) (dispatch.Args, error) {
	return ctx.Call(pool, ctx.GasLeft(), function, args, payment)
}

func (r *Router) deposit(ctx *dispatch.Context, st *store, _ dispatch.Args) (dispatch.Args, error) {
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := r.pool(st, payment.Token)
	if err != nil {
		return nil, err
	}
	return r.forward(ctx, pool, "deposit_asset", callerArgs(ctx), payment)
}

func (r *Router) withdraw(ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	asset, err := args.Text(0)
	if err != nil {
		return nil, err
	}
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := r.pool(st, asset)
	if err != nil {
		return nil, err
	}
	return r.forward(ctx, pool, "withdraw", callerArgs(ctx), payment)
}

func (r *Router) lockDebt(ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	asset, err := args.Text(0)
	if err != nil {
		return nil, err
	}
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := r.pool(st, asset)
	if err != nil {
		return nil, err
	}
	return r.forward(ctx, pool, "lockBTokens", callerArgs(ctx), payment)
}

func (r *Router) unlockDebt(ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	asset, err := args.Text(0)
	if err != nil {
		return nil, err
	}
	positionID, err := args.Uint64(1)
	if err != nil {
		return nil, err
	}
	pool, err := r.pool(st, asset)
	if err != nil {
		return nil, err
	}
	fwd, err := dispatch.NewArgs().Uint64(positionID).Address(ctx.Caller()).Args()
	if err != nil {
		return nil, err
	}
	return r.forward(ctx, pool, "unlockBTokens", fwd, nil)
}

func (r *Router) setPoolAddress(ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	asset, err := args.Text(0)
	if err != nil {
		return nil, err
	}
	addr, err := args.Address(1)
	if err != nil {
		return nil, err
	}
	asset = nativecommon.NormalizeAsset(asset)
	if asset == "" {
		return nil, fmt.Errorf("%w: empty asset", nativecommon.ErrAssetNotSupported)
	}
	if addr.IsZero() {
		return nil, fmt.Errorf("%w: zero address for %s", nativecommon.ErrInvalidPoolAddress, asset)
	}
	if err := st.PutRoute(asset, addr); err != nil {
		return nil, err
	}
	ctx.Emit(RouteSet{Asset: asset, Pool: addr}.Event())
	return nil, nil
}

func (r *Router) setHealthFactorThreshold(ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	asset, err := args.Text(0)
	if err != nil {
		return nil, err
	}
	value, err := args.Amount(1)
	if err != nil {
		return nil, err
	}
	pool, err := r.pool(st, asset)
	if err != nil {
		return nil, err
	}
	fwd, err := dispatch.NewArgs().Amount(value).Args()
	if err != nil {
		return nil, err
	}
	return r.forward(ctx, pool, "setHealthFactorThreshold", fwd, nil)
}

func (r *Router) getPoolAddress(_ *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	asset, err := args.Text(0)
	if err != nil {
		return nil, err
	}
	pool, err := r.pool(st, asset)
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Address(pool).Args()
}

func (r *Router) getRoutes(_ *dispatch.Context, st *store, _ dispatch.Args) (dispatch.Args, error) {
	routes, err := st.Routes()
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Value(routes).Args()
}

func (r *Router) getFlow(_ *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	id, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	flow, err := st.Flow(id)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFlow, id)
	}
	return dispatch.NewArgs().Value(flow).Args()
}

func (r *Router) getOwner(_ *dispatch.Context, st *store, _ dispatch.Args) (dispatch.Args, error) {
	owner, _, err := st.Owner()
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Address(owner).Args()
}
