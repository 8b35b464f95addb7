package lending

import (
	"fmt"
	"math/big"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/dispatch"
	"lendpool/native/oracle"
)

// Gas charged on entry to each pool endpoint, on top of dispatch.GasCallBase.
const (
	GasInit              uint64 = 50_000
	GasDeposit           uint64 = 12_000
	GasWithdraw          uint64 = 15_000
	GasAddCollateral     uint64 = 10_000
	GasReleaseCollateral uint64 = 10_000
	GasBorrow            uint64 = 25_000
	GasLockDebt          uint64 = 8_000
	GasUnlockDebt        uint64 = 8_000
	GasRepay             uint64 = 25_000
	GasAdminWrite        uint64 = 5_000
	GasView              uint64 = 500
)

// PoolKind names the pool contract in logs and metrics.
const PoolKind = "lending_pool"

// Pool is the liquidity pool contract. One instance may back any number of
// deployed pools; all state lives under the deployed address.
type Pool struct {
	valuer oracle.Valuer
	pauses nativecommon.PauseView
}

// NewPool returns a pool contract valuing collateral through valuer. A nil
// valuer values every asset one to one.
func NewPool(valuer oracle.Valuer, pauses nativecommon.PauseView) *Pool {
	if valuer == nil {
		valuer = oracle.Identity{}
	}
	return &Pool{valuer: valuer, pauses: pauses}
}

func (p *Pool) Kind() string { return PoolKind }

func (p *Pool) engine(ctx *dispatch.Context) *Engine {
	e := NewEngine(ctx.Self())
	e.SetState(newStore(ctx.State()))
	e.SetTokens(ctx.Tokens())
	e.SetValuer(p.valuer)
	e.SetPauses(p.pauses)
	e.SetNow(ctx.Timestamp())
	return e
}

type endpoint struct {
	gas   uint64
	owner bool
	fn    func(p *Pool, ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error)
}

var poolEndpoints = map[string]endpoint{
	"init":                     {gas: GasInit, fn: (*Pool).init},
	"deposit_asset":            {gas: GasDeposit, owner: true, fn: (*Pool).deposit},
	"withdraw":                 {gas: GasWithdraw, owner: true, fn: (*Pool).withdraw},
	"addCollateral":            {gas: GasAddCollateral, owner: true, fn: (*Pool).addCollateral},
	"releaseCollateral":        {gas: GasReleaseCollateral, owner: true, fn: (*Pool).releaseCollateral},
	"borrow":                   {gas: GasBorrow, owner: true, fn: (*Pool).borrow},
	"lockBTokens":              {gas: GasLockDebt, owner: true, fn: (*Pool).lockDebt},
	"unlockBTokens":            {gas: GasUnlockDebt, owner: true, fn: (*Pool).unlockDebt},
	"repay":                    {gas: GasRepay, owner: true, fn: (*Pool).repay},
	"setHealthFactorThreshold": {gas: GasAdminWrite, owner: true, fn: (*Pool).setHealthFactorThreshold},

	"getCapitalUtilisation": {gas: GasView, fn: (*Pool).getCapitalUtilisation},
	"getBorrowRate":         {gas: GasView, fn: (*Pool).getBorrowRate},
	"getDepositRate":        {gas: GasView, fn: (*Pool).getDepositRate},
	"getDebtInterest":       {gas: GasView, fn: (*Pool).getDebtInterest},
	"debtPosition":          {gas: GasView, fn: (*Pool).debtPosition},
	"getPositionInterest":   {gas: GasView, fn: (*Pool).getPositionInterest},
	"getPositionSize":       {gas: GasView, fn: (*Pool).getPositionSize},
	"getHealthFactor":       {gas: GasView, fn: (*Pool).getHealthFactor},
	"getReserve":            {gas: GasView, fn: (*Pool).getReserve},
	"getTotalBorrow":        {gas: GasView, fn: (*Pool).getTotalBorrow},
	"getPoolAsset":          {gas: GasView, fn: (*Pool).getPoolAsset},
	"getLendToken":          {gas: GasView, fn: (*Pool).getLendToken},
	"getBorrowToken":        {gas: GasView, fn: (*Pool).getBorrowToken},
	"getPoolParams":         {gas: GasView, fn: (*Pool).getPoolParams},
	"getCollateralLock":     {gas: GasView, fn: (*Pool).getCollateralLock},
	"getPositions":          {gas: GasView, fn: (*Pool).getPositions},
}

// Call dispatches function to its endpoint.
func (p *Pool) Call(ctx *dispatch.Context, function string, args dispatch.Args) (dispatch.Args, error) {
	ep, ok := poolEndpoints[function]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrUnknownFunction, function)
	}
	if err := ctx.UseGas(ep.gas); err != nil {
		return nil, err
	}
	e := p.engine(ctx)
	if ep.owner {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if ctx.Caller() != info.Owner {
			return nil, fmt.Errorf("%w: %s is not the pool owner", nativecommon.ErrUnauthorized, ctx.Caller())
		}
	}
	return ep.fn(p, ctx, e, args)
}

func requirePayment(ctx *dispatch.Context) (*dispatch.Payment, error) {
	payment := ctx.Payment()
	if payment.IsZero() {
		return nil, fmt.Errorf("%w: payment required", nativecommon.ErrInvalidAmount)
	}
	return payment, nil
}

func (p *Pool) emit(ctx *dispatch.Context, e *Engine, build func(PoolSnapshot) PoolEvent) error {
	snap, err := e.Snapshot()
	if err != nil {
		return err
	}
	ctx.Emit(build(snap).Event())
	return nil
}

func (p *Pool) init(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	asset, err := args.Text(0)
	if err != nil {
		return nil, err
	}
	var params PoolParams
	if err := args.Decode(1, &params); err != nil {
		return nil, err
	}
	owner := ctx.Caller()
	if len(args) > 2 {
		if owner, err = args.Address(2); err != nil {
			return nil, err
		}
	}
	if err := e.Init(asset, params, owner); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *Pool) deposit(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	beneficiary, err := args.Address(0)
	if err != nil {
		return nil, err
	}
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	receipt, err := e.Deposit(beneficiary, payment.Token, payment.Amount)
	if err != nil {
		return nil, err
	}
	if err := p.emit(ctx, e, func(s PoolSnapshot) PoolEvent { return depositEvent(s, beneficiary, receipt) }); err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Text(receipt.Token).Uint64(receipt.Nonce).Amount(receipt.Amount).Args()
}

func (p *Pool) withdraw(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	beneficiary, err := args.Address(0)
	if err != nil {
		return nil, err
	}
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	payout, err := e.Withdraw(beneficiary, payment.Token, payment.Nonce, payment.Amount)
	if err != nil {
		return nil, err
	}
	if err := p.emit(ctx, e, func(s PoolSnapshot) PoolEvent { return withdrawEvent(s, beneficiary, payment.Amount, payout) }); err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Amount(payout).Args()
}

func (p *Pool) addCollateral(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	owner, err := args.Address(0)
	if err != nil {
		return nil, err
	}
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	lock, err := e.AddCollateral(owner, payment.Token, payment.Nonce, payment.Amount)
	if err != nil {
		return nil, err
	}
	if err := p.emit(ctx, e, func(s PoolSnapshot) PoolEvent { return collateralLockedEvent(s, lock) }); err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Value(lock).Args()
}

func (p *Pool) releaseCollateral(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	lockID, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	beneficiary, err := args.Address(1)
	if err != nil {
		return nil, err
	}
	receipt, err := e.ReleaseCollateral(lockID, beneficiary)
	if err != nil {
		return nil, err
	}
	if err := p.emit(ctx, e, func(s PoolSnapshot) PoolEvent {
		return collateralReleasedEvent(s, lockID, beneficiary, receipt)
	}); err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Text(receipt.Token).Uint64(receipt.Nonce).Amount(receipt.Amount).Args()
}

func (p *Pool) borrow(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	amount, err := args.Amount(0)
	if err != nil {
		return nil, err
	}
	var collateral CollateralDescriptor
	if collateral.Identifier, err = args.Text(1); err != nil {
		return nil, err
	}
	if collateral.Amount, err = args.Amount(2); err != nil {
		return nil, err
	}
	if collateral.Timestamp, err = args.Uint64(3); err != nil {
		return nil, err
	}
	if collateral.Lock, err = args.Uint64(4); err != nil {
		return nil, err
	}
	beneficiary, err := args.Address(5)
	if err != nil {
		return nil, err
	}
	receipt, err := e.Borrow(beneficiary, amount, collateral)
	if err != nil {
		return nil, err
	}
	if err := p.emit(ctx, e, func(s PoolSnapshot) PoolEvent { return borrowEvent(s, beneficiary, receipt, collateral) }); err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Uint64(receipt.PositionID).Text(receipt.Token).Uint64(receipt.Nonce).Amount(receipt.Amount).Args()
}

func (p *Pool) lockDebt(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	owner, err := args.Address(0)
	if err != nil {
		return nil, err
	}
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	lock, err := e.LockDebt(owner, payment.Token, payment.Nonce, payment.Amount)
	if err != nil {
		return nil, err
	}
	if err := p.emit(ctx, e, func(s PoolSnapshot) PoolEvent { return debtLockEvent(TypeDebtLocked, s, lock) }); err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Uint64(lock.PositionID).Args()
}

func (p *Pool) unlockDebt(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	positionID, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	owner, err := args.Address(1)
	if err != nil {
		return nil, err
	}
	lock, err := e.UnlockDebt(positionID, owner)
	if err != nil {
		return nil, err
	}
	if err := p.emit(ctx, e, func(s PoolSnapshot) PoolEvent { return debtLockEvent(TypeDebtUnlocked, s, lock) }); err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Uint64(lock.Nonce).Amount(lock.Amount).Args()
}

func (p *Pool) repay(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	positionID, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	beneficiary, err := args.Address(1)
	if err != nil {
		return nil, err
	}
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	repaid, err := e.Repay(positionID, beneficiary, payment.Token, payment.Amount)
	if err != nil {
		return nil, err
	}
	if err := p.emit(ctx, e, func(s PoolSnapshot) PoolEvent { return repayEvent(s, beneficiary, repaid) }); err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Value(repaid).Args()
}

func (p *Pool) setHealthFactorThreshold(ctx *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	value, err := args.Amount(0)
	if err != nil {
		return nil, err
	}
	if err := e.SetHealthFactorThreshold(value); err != nil {
		return nil, err
	}
	if err := p.emit(ctx, e, func(s PoolSnapshot) PoolEvent { return healthThresholdEvent(s, value) }); err != nil {
		return nil, err
	}
	return nil, nil
}

func amountResult(v *big.Int, err error) (dispatch.Args, error) {
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Amount(v).Args()
}

func (p *Pool) getCapitalUtilisation(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	return amountResult(e.Utilisation())
}

func (p *Pool) getBorrowRate(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	return amountResult(e.BorrowRate())
}

func (p *Pool) getDepositRate(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	return amountResult(e.DepositRate())
}

func (p *Pool) getDebtInterest(_ *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	amount, err := args.Amount(0)
	if err != nil {
		return nil, err
	}
	timestamp, err := args.Uint64(1)
	if err != nil {
		return nil, err
	}
	return amountResult(e.DebtInterest(amount, timestamp))
}

func (p *Pool) debtPosition(_ *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	id, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	pos, err := e.Position(id)
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Value(pos).Args()
}

func (p *Pool) getPositionInterest(_ *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	id, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	return amountResult(e.PositionInterest(id))
}

func (p *Pool) getPositionSize(_ *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	id, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	return amountResult(e.PositionSize(id))
}

func (p *Pool) getHealthFactor(_ *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	id, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	return amountResult(e.HealthFactor(id))
}

func (p *Pool) getReserve(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	reserve, err := e.Reserve()
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Amount(reserve.ReserveAmount).Amount(reserve.TotalBorrow).Args()
}

func (p *Pool) getTotalBorrow(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	reserve, err := e.Reserve()
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Amount(reserve.TotalBorrow).Args()
}

func (p *Pool) infoText(e *Engine, pick func(*PoolInfo) string) (dispatch.Args, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Text(pick(info)).Args()
}

func (p *Pool) getPoolAsset(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	return p.infoText(e, func(i *PoolInfo) string { return i.Asset })
}

func (p *Pool) getLendToken(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	return p.infoText(e, func(i *PoolInfo) string { return i.LendToken })
}

func (p *Pool) getBorrowToken(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	return p.infoText(e, func(i *PoolInfo) string { return i.BorrowToken })
}

func (p *Pool) getPoolParams(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Value(&info.Params).Address(info.Owner).Args()
}

func (p *Pool) getCollateralLock(_ *dispatch.Context, e *Engine, args dispatch.Args) (dispatch.Args, error) {
	id, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	lock, err := e.CollateralLock(id)
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Value(lock).Args()
}

func (p *Pool) getPositions(_ *dispatch.Context, e *Engine, _ dispatch.Args) (dispatch.Args, error) {
	positions, err := e.Positions()
	if err != nil {
		return nil, err
	}
	return dispatch.NewArgs().Value(positions).Args()
}

// InitArgs encodes the arguments of a pool's init endpoint. Unset optional
// parameters are filled before encoding because RLP cannot tell a nil value
// from zero.
func InitArgs(asset string, params PoolParams, owner crypto.Address) (dispatch.Args, error) {
	params = params.WithDefaults()
	return dispatch.NewArgs().Text(asset).Value(&params).Address(owner).Args()
}
