package lending

import (
	"math/big"
	"strconv"

	"lendpool/core/types"
	"lendpool/crypto"
)

const (
	TypeDeposit            = "lending.deposit"
	TypeWithdraw           = "lending.withdraw"
	TypeCollateralLocked   = "lending.collateral_locked"
	TypeCollateralReleased = "lending.collateral_released"
	TypeBorrow             = "lending.borrow"
	TypeDebtLocked         = "lending.debt_locked"
	TypeDebtUnlocked       = "lending.debt_unlocked"
	TypeRepay              = "lending.repay"
	TypeHealthThreshold    = "lending.health_threshold"
)

// PoolSnapshot is attached to every pool event so consumers can track the
// reserve without querying the pool.
type PoolSnapshot struct {
	Asset       string
	Reserve     *big.Int
	TotalBorrow *big.Int
	Utilisation *big.Int
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func addressString(addr crypto.Address) string {
	if addr.IsZero() {
		return ""
	}
	return addr.String()
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func (s PoolSnapshot) attributes(extra map[string]string) map[string]string {
	attrs := map[string]string{
		"asset":       s.Asset,
		"reserve":     amountString(s.Reserve),
		"totalBorrow": amountString(s.TotalBorrow),
		"utilisation": amountString(s.Utilisation),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return attrs
}

// PoolEvent is a pool state change together with the pool counters after it.
type PoolEvent struct {
	Kind   string
	Pool   PoolSnapshot
	Fields map[string]string
}

func (e PoolEvent) EventType() string { return e.Kind }

func (e PoolEvent) Event() *types.Event {
	return &types.Event{Type: e.Kind, Attributes: e.Pool.attributes(e.Fields)}
}

func depositEvent(pool PoolSnapshot, beneficiary crypto.Address, receipt *DepositReceipt) PoolEvent {
	return PoolEvent{Kind: TypeDeposit, Pool: pool, Fields: map[string]string{
		"beneficiary": addressString(beneficiary),
		"amount":      amountString(receipt.Amount),
		"nonce":       u64(receipt.Nonce),
	}}
}

func withdrawEvent(pool PoolSnapshot, beneficiary crypto.Address, amount, payout *big.Int) PoolEvent {
	return PoolEvent{Kind: TypeWithdraw, Pool: pool, Fields: map[string]string{
		"beneficiary": addressString(beneficiary),
		"amount":      amountString(amount),
		"payout":      amountString(payout),
	}}
}

func collateralLockedEvent(pool PoolSnapshot, lock *CollateralLock) PoolEvent {
	return PoolEvent{Kind: TypeCollateralLocked, Pool: pool, Fields: map[string]string{
		"owner":  addressString(lock.Owner),
		"lock":   u64(lock.ID),
		"amount": amountString(lock.Amount),
	}}
}

func collateralReleasedEvent(pool PoolSnapshot, lockID uint64, beneficiary crypto.Address, receipt *DepositReceipt) PoolEvent {
	return PoolEvent{Kind: TypeCollateralReleased, Pool: pool, Fields: map[string]string{
		"beneficiary": addressString(beneficiary),
		"lock":        u64(lockID),
		"amount":      amountString(receipt.Amount),
		"nonce":       u64(receipt.Nonce),
	}}
}

func borrowEvent(pool PoolSnapshot, beneficiary crypto.Address, receipt *BorrowReceipt, collateral CollateralDescriptor) PoolEvent {
	return PoolEvent{Kind: TypeBorrow, Pool: pool, Fields: map[string]string{
		"beneficiary":      addressString(beneficiary),
		"positionId":       u64(receipt.PositionID),
		"amount":           amountString(receipt.Amount),
		"collateralAsset":  collateral.Identifier,
		"collateralAmount": amountString(collateral.Amount),
		"collateralLock":   u64(collateral.Lock),
	}}
}

func debtLockEvent(kind string, pool PoolSnapshot, lock *DebtLock) PoolEvent {
	return PoolEvent{Kind: kind, Pool: pool, Fields: map[string]string{
		"owner":      addressString(lock.Owner),
		"positionId": u64(lock.PositionID),
		"nonce":      u64(lock.Nonce),
		"amount":     amountString(lock.Amount),
	}}
}

func repayEvent(pool PoolSnapshot, beneficiary crypto.Address, repaid *RepayPosition) PoolEvent {
	return PoolEvent{Kind: TypeRepay, Pool: pool, Fields: map[string]string{
		"beneficiary":     addressString(beneficiary),
		"positionId":      u64(repaid.PositionID),
		"amount":          amountString(repaid.Amount),
		"collateralAsset": repaid.CollateralIdentifier,
		"collateralLock":  u64(repaid.CollateralLock),
	}}
}

func healthThresholdEvent(pool PoolSnapshot, value *big.Int) PoolEvent {
	return PoolEvent{Kind: TypeHealthThreshold, Pool: pool, Fields: map[string]string{
		"value": amountString(value),
	}}
}

// Snapshot captures the pool counters for events and metrics.
func (e *Engine) Snapshot() (PoolSnapshot, error) {
	info, err := e.Info()
	if err != nil {
		return PoolSnapshot{}, err
	}
	reserve, err := e.state.Reserve()
	if err != nil {
		return PoolSnapshot{}, err
	}
	model := NewRateModel(info.Params)
	return PoolSnapshot{
		Asset:       info.Asset,
		Reserve:     reserve.ReserveAmount,
		TotalBorrow: reserve.TotalBorrow,
		Utilisation: model.Utilisation(reserve.TotalBorrow, reserve.ReserveAmount),
	}, nil
}
