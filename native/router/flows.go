package router

import (
	"fmt"
	"math/big"

	nativecommon "lendpool/native/common"
	"lendpool/native/dispatch"
	"lendpool/native/lending"
)

// openFlow allocates and persists a flow ahead of its first leg.
func openFlow(ctx *dispatch.Context, st *store, kind FlowKind, fill func(*Flow)) (*Flow, error) {
	id, err := st.NextFlowID()
	if err != nil {
		return nil, err
	}
	flow := &Flow{
		ID:        id,
		Kind:      kind,
		Stage:     StageLeg1Pending,
		Caller:    ctx.Caller(),
		CreatedAt: ctx.Timestamp(),
		UpdatedAt: ctx.Timestamp(),
	}
	fill(flow)
	if err := st.PutFlow(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// loadFlow re-reads a flow after a leg returns. Nothing held in memory
// across the remote call is trusted.
func loadFlow(st *store, id uint64) (*Flow, error) {
	flow, err := st.Flow(id)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFlow, id)
	}
	return flow, nil
}

func advance(ctx *dispatch.Context, st *store, flow *Flow, stage Stage) error {
	flow.Stage = stage
	flow.UpdatedAt = ctx.Timestamp()
	return st.PutFlow(flow)
}

func flowResult(flow *Flow) (dispatch.Args, error) {
	return dispatch.NewArgs().Value(flow).Args()
}

// legTwoFailed records a failed second leg and completes the invocation so
// the committed first leg stays visible and recoverable.
func legTwoFailed(ctx *dispatch.Context, st *store, flow *Flow, cause error) (dispatch.Args, error) {
	flow.FailureCode = nativecommon.Code(cause)
	flow.FailureMessage = cause.Error()
	if err := advance(ctx, st, flow, StageLeg2Failed); err != nil {
		return nil, err
	}
	ctx.Logger().Warn("flow leg failed",
		"flow", flow.ID,
		"kind", flow.Kind.String(),
		"leg", 2,
		"code", flow.FailureCode,
		"error", cause)
	ctx.Emit(FlowEvent{Type: TypeLegFailed, Flow: flow}.Event())
	return flowResult(flow)
}

func completed(ctx *dispatch.Context, st *store, flow *Flow) (dispatch.Args, error) {
	if err := advance(ctx, st, flow, StageCompleted); err != nil {
		return nil, err
	}
	ctx.Emit(FlowEvent{Type: TypeFlowCompleted, Flow: flow}.Event())
	return flowResult(flow)
}

// borrow posts the attached deposit receipts as collateral in the collateral
// pool, then borrows amount from the pool of the borrowed asset.
func (r *Router) borrow(ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	collateralAsset, err := args.Text(0)
	if err != nil {
		return nil, err
	}
	debtAsset, err := args.Text(1)
	if err != nil {
		return nil, err
	}
	amount, err := args.Amount(2)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, nativecommon.ErrInvalidAmount
	}
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	collateralPool, err := r.pool(st, collateralAsset)
	if err != nil {
		return nil, err
	}
	if _, err := r.pool(st, debtAsset); err != nil {
		return nil, err
	}
	flow, err := openFlow(ctx, st, FlowBorrow, func(f *Flow) {
		f.CollateralAsset = nativecommon.NormalizeAsset(collateralAsset)
		f.DebtAsset = nativecommon.NormalizeAsset(debtAsset)
		f.Amount = new(big.Int).Set(amount)
	})
	if err != nil {
		return nil, err
	}

	out, err := ctx.Call(collateralPool, ctx.GasLeft(), "addCollateral", callerArgs(ctx), payment)
	if err != nil {
		return nil, fmt.Errorf("router: borrow collateral leg: %w", err)
	}
	return r.onCollateralAdded(ctx, st, flow.ID, out)
}

func (r *Router) onCollateralAdded(ctx *dispatch.Context, st *store, flowID uint64, out dispatch.Args) (dispatch.Args, error) {
	flow, err := loadFlow(st, flowID)
	if err != nil {
		return nil, err
	}
	var lock lending.CollateralLock
	if err := out.Decode(0, &lock); err != nil {
		return nil, err
	}
	flow.CollateralLock = lock.ID
	flow.CollateralAmount = lock.Amount
	flow.CollateralTimestamp = lock.Timestamp
	if err := advance(ctx, st, flow, StageLeg2Pending); err != nil {
		return nil, err
	}

	debtPool, err := r.pool(st, flow.DebtAsset)
	if err != nil {
		return legTwoFailed(ctx, st, flow, err)
	}
	borrowArgs, err := dispatch.NewArgs().
		Amount(flow.Amount).
		Text(flow.CollateralAsset).
		Amount(flow.CollateralAmount).
		Uint64(flow.CollateralTimestamp).
		Uint64(flow.CollateralLock).
		Address(flow.Caller).
		Args()
	if err != nil {
		return nil, err
	}
	out, callErr := ctx.Call(debtPool, ctx.GasLeft(), "borrow", borrowArgs, nil)
	return r.onBorrowed(ctx, st, flow.ID, out, callErr)
}

func (r *Router) onBorrowed(ctx *dispatch.Context, st *store, flowID uint64, out dispatch.Args, callErr error) (dispatch.Args, error) {
	flow, err := loadFlow(st, flowID)
	if err != nil {
		return nil, err
	}
	if callErr != nil {
		return legTwoFailed(ctx, st, flow, callErr)
	}
	if flow.PositionID, err = out.Uint64(0); err != nil {
		return nil, err
	}
	return completed(ctx, st, flow)
}

// repay settles a position in the debt pool with the attached payment, then
// releases the collateral recorded on the position back to the caller.
func (r *Router) repay(ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	asset, err := args.Text(0)
	if err != nil {
		return nil, err
	}
	positionID, err := args.Uint64(1)
	if err != nil {
		return nil, err
	}
	payment, err := requirePayment(ctx)
	if err != nil {
		return nil, err
	}
	debtPool, err := r.pool(st, asset)
	if err != nil {
		return nil, err
	}
	flow, err := openFlow(ctx, st, FlowRepay, func(f *Flow) {
		f.DebtAsset = nativecommon.NormalizeAsset(asset)
		f.Amount = new(big.Int).Set(payment.Amount)
		f.PositionID = positionID
	})
	if err != nil {
		return nil, err
	}
	repayArgs, err := dispatch.NewArgs().Uint64(positionID).Address(ctx.Caller()).Args()
	if err != nil {
		return nil, err
	}
	out, err := ctx.Call(debtPool, ctx.GasLeft(), "repay", repayArgs, payment)
	if err != nil {
		return nil, fmt.Errorf("router: repay leg: %w", err)
	}
	return r.onRepaid(ctx, st, flow.ID, out)
}

func (r *Router) onRepaid(ctx *dispatch.Context, st *store, flowID uint64, out dispatch.Args) (dispatch.Args, error) {
	flow, err := loadFlow(st, flowID)
	if err != nil {
		return nil, err
	}
	var repaid lending.RepayPosition
	if err := out.Decode(0, &repaid); err != nil {
		return nil, err
	}
	flow.CollateralAsset = repaid.CollateralIdentifier
	flow.CollateralAmount = repaid.CollateralAmount
	flow.CollateralTimestamp = repaid.CollateralTimestamp
	flow.CollateralLock = repaid.CollateralLock
	if err := advance(ctx, st, flow, StageLeg2Pending); err != nil {
		return nil, err
	}
	_, callErr := r.release(ctx, st, flow)
	return r.onReleased(ctx, st, flow.ID, callErr)
}

func (r *Router) onReleased(ctx *dispatch.Context, st *store, flowID uint64, callErr error) (dispatch.Args, error) {
	flow, err := loadFlow(st, flowID)
	if err != nil {
		return nil, err
	}
	if callErr != nil {
		return legTwoFailed(ctx, st, flow, callErr)
	}
	return completed(ctx, st, flow)
}

// release asks the collateral pool to hand the flow's collateral lock back to
// the flow's caller.
func (r *Router) release(ctx *dispatch.Context, st *store, flow *Flow) (dispatch.Args, error) {
	pool, err := r.pool(st, flow.CollateralAsset)
	if err != nil {
		return nil, err
	}
	args, err := dispatch.NewArgs().Uint64(flow.CollateralLock).Address(flow.Caller).Args()
	if err != nil {
		return nil, err
	}
	return ctx.Call(pool, ctx.GasLeft(), "releaseCollateral", args, nil)
}

// releaseCollateral is the compensating path for a flow whose second leg
// failed: the collateral lock taken by the first leg is released to the flow's
// caller. A failure leaves the flow untouched so it can be retried.
func (r *Router) releaseCollateral(ctx *dispatch.Context, st *store, args dispatch.Args) (dispatch.Args, error) {
	id, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	flow, err := loadFlow(st, id)
	if err != nil {
		return nil, err
	}
	if flow.Caller != ctx.Caller() {
		return nil, fmt.Errorf("%w: flow %d belongs to %s", nativecommon.ErrUnauthorized, id, flow.Caller)
	}
	if flow.Stage != StageLeg2Failed {
		return nil, fmt.Errorf("%w: flow %d is %s", nativecommon.ErrFlowNotRecoverable, id, flow.Stage)
	}
	if _, err := r.release(ctx, st, flow); err != nil {
		return nil, fmt.Errorf("router: release flow %d: %w", id, err)
	}
	flow, err = loadFlow(st, id)
	if err != nil {
		return nil, err
	}
	if err := advance(ctx, st, flow, StageRecovered); err != nil {
		return nil, err
	}
	ctx.Emit(FlowEvent{Type: TypeFlowRecovered, Flow: flow}.Event())
	return flowResult(flow)
}
