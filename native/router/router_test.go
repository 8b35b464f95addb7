package router

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendpool/core/events"
	"lendpool/core/state"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/dispatch"
	"lendpool/native/lending"
	"lendpool/native/tokens"
	"lendpool/storage"
)

var (
	owner  = crypto.BytesToAddress([]byte{0x01})
	issuer = crypto.BytesToAddress([]byte{0x02})
	alice  = crypto.BytesToAddress([]byte{0xa1})
	bob    = crypto.BytesToAddress([]byte{0xb0})
)

// Balances are large enough for a month of interest on a position to be
// visible after rounding down.
const (
	supply = 1_000_000_000_000
	unit   = 1_000_000
)

type sink struct{ types []string }

func (s *sink) Emit(evt events.Event) { s.types = append(s.types, evt.EventType()) }

func (s *sink) saw(kind string) bool {
	for _, t := range s.types {
		if t == kind {
			return true
		}
	}
	return false
}

type env struct {
	t      *testing.T
	ctx    context.Context
	db     *storage.MemDB
	d      *dispatch.Dispatcher
	client *Client
	pauses *nativecommon.Pauses
	pools  map[string]crypto.Address
	events *sink
	now    time.Time
}

func poolParams(t *testing.T) lending.PoolParams {
	t.Helper()
	params, err := lending.Config{
		Asset:                "X",
		RBase:                "0.01",
		RSlope1:              "0.04",
		RSlope2:              "0.6",
		UOptimal:             "0.8",
		ReserveFactor:        "0.1",
		LiquidationThreshold: "0.8",
	}.Params()
	require.NoError(t, err)
	return params
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:      t,
		ctx:    context.Background(),
		pauses: nativecommon.NewPauses(),
		pools:  make(map[string]crypto.Address),
		events: &sink{},
		now:    time.Unix(1_700_000_000, 0),
	}
	e.db = storage.NewMemDB()
	e.d = dispatch.New(e.db,
		dispatch.WithClock(func() time.Time { return e.now }),
		dispatch.WithEmitter(e.events))

	require.NoError(t, e.d.Genesis(func(l *tokens.Ledger) error {
		for _, asset := range []string{"EGLD", "USDC", "BTC"} {
			if err := l.Issue(issuer, asset, asset, true); err != nil {
				return err
			}
			for _, holder := range []crypto.Address{alice, bob} {
				if err := l.MintFungible(issuer, holder, asset, big.NewInt(supply)); err != nil {
					return err
				}
			}
		}
		return nil
	}))

	routerAddr := crypto.ContractAddress(owner, "router")
	require.NoError(t, e.d.Deploy(e.ctx, owner, routerAddr, New(e.pauses), 100_000, nil))
	e.client = NewClient(e.d, routerAddr)

	for _, asset := range []string{"EGLD", "USDC"} {
		addr := crypto.ContractAddress(owner, "pool:"+asset)
		args, err := lending.InitArgs(asset, poolParams(t), routerAddr)
		require.NoError(t, err)
		require.NoError(t, e.d.Deploy(e.ctx, owner, addr, lending.NewPool(nil, e.pauses), 500_000, args))
		require.NoError(t, e.client.SetPoolAddress(e.ctx, owner, asset, addr))
		e.pools[asset] = addr
	}
	return e
}

func (e *env) balance(addr crypto.Address, token string, nonce uint64) int64 {
	e.t.Helper()
	v, err := e.d.Balance(addr, token, nonce)
	require.NoError(e.t, err)
	return v.Int64()
}

func (e *env) pool(asset string) *lending.Client {
	return lending.NewClient(e.d, e.pools[asset])
}

func (e *env) deposit(from crypto.Address, asset string, amount int64) *lending.DepositReceipt {
	e.t.Helper()
	receipt, err := e.client.Deposit(e.ctx, from, asset, big.NewInt(amount))
	require.NoError(e.t, err)
	return receipt
}

func TestSetPoolAddressIsWriteOnce(t *testing.T) {
	e := newEnv(t)
	other := crypto.ContractAddress(owner, "elsewhere")

	err := e.client.SetPoolAddress(e.ctx, owner, "egld", other)
	require.ErrorIs(t, err, nativecommon.ErrAssetAlreadySupported)
	require.ErrorIs(t, err, nativecommon.ErrAssetNotSupported)
	require.Equal(t, "asset_already_supported", nativecommon.Code(err))
	require.Contains(t, err.Error(), "asset already supported")

	addr, err := e.client.PoolAddress(e.ctx, "EGLD")
	require.NoError(t, err)
	require.Equal(t, e.pools["EGLD"], addr)

	err = e.client.SetPoolAddress(e.ctx, owner, "BTC", crypto.Address{})
	require.ErrorIs(t, err, nativecommon.ErrInvalidPoolAddress)

	err = e.client.SetPoolAddress(e.ctx, alice, "BTC", other)
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)

	_, err = e.client.PoolAddress(e.ctx, "BTC")
	require.ErrorIs(t, err, nativecommon.ErrAssetNotSupported)

	routes, err := e.client.Routes(e.ctx)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	require.Equal(t, "EGLD", routes[0].Asset)
	require.True(t, e.events.saw(TypeRouteSet))
}

func TestZeroRouteIsRejectedAsInvalidPool(t *testing.T) {
	e := newEnv(t)

	// setPoolAddress refuses the zero address, so plant it underneath.
	journal := storage.NewJournal(e.db)
	st := newStore(dispatch.ContractState(state.NewManager(journal), e.client.Address()))
	require.NoError(t, st.PutRoute("BTC", crypto.Address{}))
	require.NoError(t, journal.Commit())

	_, err := e.client.Deposit(e.ctx, alice, "BTC", big.NewInt(10))
	require.ErrorIs(t, err, nativecommon.ErrInvalidPoolAddress)
	require.Equal(t, int64(supply), e.balance(alice, "BTC", 0))

	_, err = e.client.PoolAddress(e.ctx, "BTC")
	require.ErrorIs(t, err, nativecommon.ErrInvalidPoolAddress)
}

func TestEndpointValidation(t *testing.T) {
	e := newEnv(t)

	_, err := e.client.Deposit(e.ctx, alice, "BTC", big.NewInt(10))
	require.ErrorIs(t, err, nativecommon.ErrAssetNotSupported)
	require.Equal(t, int64(supply), e.balance(alice, "BTC", 0))

	receipt := e.deposit(alice, "USDC", 1000)
	_, err = e.client.Borrow(e.ctx, alice, "USDC", receipt.Nonce, big.NewInt(1000), "EGLD", big.NewInt(0))
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)

	_, err = e.client.Borrow(e.ctx, alice, "USDC", receipt.Nonce, big.NewInt(1000), "BTC", big.NewInt(5))
	require.ErrorIs(t, err, nativecommon.ErrAssetNotSupported)

	// Pools only take orders from the router.
	_, err = e.d.Invoke(e.ctx, dispatch.Call{
		From: alice, To: e.pools["EGLD"], Gas: 100_000, Function: "deposit_asset",
		Args:    dispatch.Args{alice.Bytes()},
		Payment: &dispatch.Payment{Token: "EGLD", Amount: big.NewInt(5)},
	})
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)

	e.pauses.Set(moduleName, true)
	_, err = e.client.Deposit(e.ctx, alice, "EGLD", big.NewInt(10))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
}

func TestDepositAndWithdrawThroughRouter(t *testing.T) {
	e := newEnv(t)
	receipt := e.deposit(alice, "EGLD", 1000)
	require.Equal(t, "LEGLD", receipt.Token)
	require.Equal(t, int64(1000), e.balance(alice, "LEGLD", receipt.Nonce))
	require.Equal(t, int64(1000), e.balance(e.pools["EGLD"], "EGLD", 0))

	reserve, err := e.pool("EGLD").Reserve(e.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), reserve.ReserveAmount.Int64())

	payout, err := e.client.Withdraw(e.ctx, alice, "EGLD", receipt.Nonce, big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, int64(1000), payout.Int64())
	require.Equal(t, int64(supply), e.balance(alice, "EGLD", 0))
	require.True(t, e.events.saw(lending.TypeWithdraw))
}

func TestBorrowSecondLegFailureKeepsCollateral(t *testing.T) {
	e := newEnv(t)
	collateral := e.deposit(alice, "USDC", 1000)
	e.deposit(bob, "EGLD", 500)

	flow, err := e.client.Borrow(e.ctx, alice, "USDC", collateral.Nonce, big.NewInt(1000), "EGLD", big.NewInt(700))
	require.Error(t, err)
	require.True(t, IsLegFailure(err))
	require.ErrorIs(t, err, nativecommon.ErrInsufficientReserve)
	var legErr *LegError
	require.True(t, errors.As(err, &legErr))
	require.Equal(t, 2, legErr.Leg)
	require.Equal(t, flow.ID, legErr.FlowID)

	stored, err := e.client.Flow(e.ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StageLeg2Failed, stored.Stage)
	require.Equal(t, "insufficient_reserve", stored.FailureCode)

	// The collateral leg stays committed.
	lock, err := e.pool("USDC").CollateralLock(e.ctx, stored.CollateralLock)
	require.NoError(t, err)
	require.Equal(t, alice, lock.Owner)
	require.Equal(t, int64(1000), lock.Amount.Int64())
	require.Zero(t, e.balance(alice, "LUSDC", collateral.Nonce))
	require.True(t, e.events.saw(TypeLegFailed))

	reserve, err := e.pool("EGLD").Reserve(e.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), reserve.ReserveAmount.Int64())
	require.Zero(t, reserve.TotalBorrow.Sign())

	_, err = e.client.ReleaseCollateral(e.ctx, bob, flow.ID)
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)

	recovered, err := e.client.ReleaseCollateral(e.ctx, alice, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StageRecovered, recovered.Stage)
	require.Equal(t, int64(1000), e.balance(alice, "LUSDC", collateral.Nonce+1))

	_, err = e.client.ReleaseCollateral(e.ctx, alice, flow.ID)
	require.ErrorIs(t, err, nativecommon.ErrFlowNotRecoverable)
	_, err = e.pool("USDC").CollateralLock(e.ctx, stored.CollateralLock)
	require.ErrorIs(t, err, nativecommon.ErrPositionNotFound)
}

func TestFirstLegFailureAbortsInvocation(t *testing.T) {
	e := newEnv(t)
	collateral := e.deposit(alice, "USDC", 1000)
	e.deposit(bob, "EGLD", 5000)

	e.pauses.Set(lending.PauseKey("USDC"), true)
	_, err := e.client.Borrow(e.ctx, alice, "USDC", collateral.Nonce, big.NewInt(1000), "EGLD", big.NewInt(100))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.False(t, IsLegFailure(err))
	require.Equal(t, int64(1000), e.balance(alice, "LUSDC", collateral.Nonce))

	_, err = e.client.Flow(e.ctx, 1)
	require.ErrorIs(t, err, ErrUnknownFlow)
}

func borrowCompleted(t *testing.T, e *env) (*lending.DepositReceipt, *Flow) {
	t.Helper()
	collateral := e.deposit(alice, "USDC", 1000*unit)
	e.deposit(bob, "EGLD", 1000*unit)
	flow, err := e.client.Borrow(e.ctx, alice, "USDC", collateral.Nonce, big.NewInt(1000*unit), "EGLD", big.NewInt(400*unit))
	require.NoError(t, err)
	require.Equal(t, StageCompleted, flow.Stage)
	require.Equal(t, uint64(1), flow.PositionID)
	return collateral, flow
}

func TestBorrowThenRepayReleasesCollateral(t *testing.T) {
	e := newEnv(t)
	collateral, flow := borrowCompleted(t, e)
	require.Equal(t, int64(supply + 400*unit), e.balance(alice, "EGLD", 0))

	debt := e.pool("EGLD")
	pos, err := debt.Position(e.ctx, flow.PositionID)
	require.NoError(t, err)
	require.Equal(t, "USDC", pos.Collateral.Identifier)
	require.Equal(t, int64(1000*unit), pos.Collateral.Amount.Int64())
	require.Equal(t, int64(400*unit), e.balance(alice, "BEGLD", pos.ReceiptNonce))

	e.now = e.now.Add(30 * 24 * time.Hour)
	size, err := debt.PositionSize(e.ctx, flow.PositionID)
	require.NoError(t, err)
	require.True(t, size.Cmp(big.NewInt(400*unit)) > 0)

	positionID, err := e.client.LockDebt(e.ctx, alice, "EGLD", pos.ReceiptNonce, big.NewInt(400*unit))
	require.NoError(t, err)
	require.Equal(t, flow.PositionID, positionID)

	repaid, err := e.client.Repay(e.ctx, alice, "EGLD", flow.PositionID, size)
	require.NoError(t, err)
	require.Equal(t, StageCompleted, repaid.Stage)
	require.Equal(t, "USDC", repaid.CollateralAsset)
	require.Equal(t, int64(1000*unit), repaid.CollateralAmount.Int64())

	_, err = debt.Position(e.ctx, flow.PositionID)
	require.ErrorIs(t, err, nativecommon.ErrPositionNotFound)
	require.Equal(t, int64(1000*unit), e.balance(alice, "LUSDC", collateral.Nonce+1))
	reserve, err := debt.Reserve(e.ctx)
	require.NoError(t, err)
	require.Zero(t, reserve.TotalBorrow.Sign())
	require.Equal(t, 600*unit+size.Int64(), reserve.ReserveAmount.Int64())
}

func TestRepaySecondLegFailureCanBeRecovered(t *testing.T) {
	e := newEnv(t)
	collateral, flow := borrowCompleted(t, e)
	pos, err := e.pool("EGLD").Position(e.ctx, flow.PositionID)
	require.NoError(t, err)
	_, err = e.client.LockDebt(e.ctx, alice, "EGLD", pos.ReceiptNonce, big.NewInt(400*unit))
	require.NoError(t, err)

	e.pauses.Set(lending.PauseKey("USDC"), true)
	repaid, err := e.client.Repay(e.ctx, alice, "EGLD", flow.PositionID, big.NewInt(500*unit))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.True(t, IsLegFailure(err))
	require.Equal(t, StageLeg2Failed, repaid.Stage)

	// The debt leg is settled even though the collateral is still locked.
	_, err = e.pool("EGLD").Position(e.ctx, flow.PositionID)
	require.ErrorIs(t, err, nativecommon.ErrPositionNotFound)
	require.Zero(t, e.balance(alice, "LUSDC", collateral.Nonce+1))

	_, err = e.client.ReleaseCollateral(e.ctx, alice, repaid.ID)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)

	e.pauses.Set(lending.PauseKey("USDC"), false)
	recovered, err := e.client.ReleaseCollateral(e.ctx, alice, repaid.ID)
	require.NoError(t, err)
	require.Equal(t, StageRecovered, recovered.Stage)
	require.Equal(t, int64(1000*unit), e.balance(alice, "LUSDC", collateral.Nonce+1))
	require.True(t, e.events.saw(TypeFlowRecovered))
}

func TestPartialRepayAbortsWholeFlow(t *testing.T) {
	e := newEnv(t)
	_, flow := borrowCompleted(t, e)
	pos, err := e.pool("EGLD").Position(e.ctx, flow.PositionID)
	require.NoError(t, err)
	_, err = e.client.LockDebt(e.ctx, alice, "EGLD", pos.ReceiptNonce, big.NewInt(400*unit))
	require.NoError(t, err)

	e.now = e.now.Add(24 * time.Hour)
	before := e.balance(alice, "EGLD", 0)
	_, err = e.client.Repay(e.ctx, alice, "EGLD", flow.PositionID, big.NewInt(400*unit))
	require.ErrorIs(t, err, nativecommon.ErrPartialRepayment)
	require.False(t, IsLegFailure(err))
	require.Equal(t, before, e.balance(alice, "EGLD", 0))

	require.NoError(t, e.client.UnlockDebt(e.ctx, alice, "EGLD", flow.PositionID))
	require.Equal(t, int64(400*unit), e.balance(alice, "BEGLD", pos.ReceiptNonce))
}

func TestHealthThresholdThroughRouter(t *testing.T) {
	e := newEnv(t)
	collateral := e.deposit(alice, "USDC", 1000)
	e.deposit(bob, "EGLD", 5000)

	err := e.client.SetHealthFactorThreshold(e.ctx, alice, "EGLD", big.NewInt(3_000_000_000))
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)
	require.NoError(t, e.client.SetHealthFactorThreshold(e.ctx, owner, "EGLD", big.NewInt(3_000_000_000)))

	// 1000 * 0.8 / 400 = 2.0 is below 3.0.
	flow, err := e.client.Borrow(e.ctx, alice, "USDC", collateral.Nonce, big.NewInt(1000), "EGLD", big.NewInt(400))
	require.ErrorIs(t, err, nativecommon.ErrUndercollateralized)
	require.Equal(t, "undercollateralized", flow.FailureCode)
}
