package lending

import (
	"fmt"
	"math/big"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
)

// Ledger tracks open debt positions and keeps TotalBorrow equal to the sum of
// their committed sizes.
type Ledger struct {
	state engineState
	model *RateModel
}

// NewLedger binds a position ledger to pool state and its rate model.
func NewLedger(state engineState, model *RateModel) *Ledger {
	return &Ledger{state: state, model: model}
}

// OpenPosition records a new borrow and adds principal to TotalBorrow. The
// collateral descriptor is stored as given.
func (l *Ledger) OpenPosition(principal *big.Int, owner crypto.Address, collateral CollateralDescriptor, now uint64) (*DebtPosition, error) {
	if !isPositive(principal) {
		return nil, nativecommon.ErrInvalidAmount
	}
	if collateral.Identifier == "" {
		return nil, fmt.Errorf("%w: empty collateral identifier", nativecommon.ErrAssetNotSupported)
	}
	if !isPositive(collateral.Amount) {
		return nil, fmt.Errorf("%w: collateral amount", nativecommon.ErrInvalidAmount)
	}
	id, err := l.state.NextPositionID()
	if err != nil {
		return nil, err
	}
	pos := &DebtPosition{
		ID:                   id,
		Owner:                owner,
		PrincipalAndInterest: new(big.Int).Set(principal),
		OpenedAt:             now,
		AccruedAt:            now,
		Collateral: CollateralDescriptor{
			Identifier: collateral.Identifier,
			Amount:     new(big.Int).Set(collateral.Amount),
			Timestamp:  collateral.Timestamp,
			Lock:       collateral.Lock,
		},
	}
	reserve, err := l.state.Reserve()
	if err != nil {
		return nil, err
	}
	reserve.TotalBorrow.Add(reserve.TotalBorrow, principal)
	if err := l.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	if err := l.state.PutPosition(pos); err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}

func (l *Ledger) position(id uint64) (*DebtPosition, error) {
	pos, err := l.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: %d", nativecommon.ErrPositionNotFound, id)
	}
	return pos, nil
}

// borrowRate is the pool's borrow rate at the current utilisation.
func (l *Ledger) borrowRate() (*big.Int, error) {
	reserve, err := l.state.Reserve()
	if err != nil {
		return nil, err
	}
	return l.model.BorrowRate(l.model.Utilisation(reserve.TotalBorrow, reserve.ReserveAmount)), nil
}

func (l *Ledger) pendingInterest(pos *DebtPosition, now uint64) (*big.Int, error) {
	if now < pos.AccruedAt {
		return nil, fmt.Errorf("%w: now %d before %d", nativecommon.ErrInvalidTimestamp, now, pos.AccruedAt)
	}
	rate, err := l.borrowRate()
	if err != nil {
		return nil, err
	}
	return Interest(pos.PrincipalAndInterest, now-pos.AccruedAt, rate), nil
}

// Accrue returns the size of position id at now without changing state.
func (l *Ledger) Accrue(id uint64, now uint64) (*big.Int, error) {
	pos, err := l.position(id)
	if err != nil {
		return nil, err
	}
	interest, err := l.pendingInterest(pos, now)
	if err != nil {
		return nil, err
	}
	return interest.Add(interest, pos.PrincipalAndInterest), nil
}

// CommitAccrual folds the interest accrued up to now into the position and
// into TotalBorrow.
func (l *Ledger) CommitAccrual(id uint64, now uint64) (*DebtPosition, error) {
	pos, err := l.position(id)
	if err != nil {
		return nil, err
	}
	interest, err := l.pendingInterest(pos, now)
	if err != nil {
		return nil, err
	}
	pos.AccruedAt = now
	if interest.Sign() > 0 {
		pos.PrincipalAndInterest.Add(pos.PrincipalAndInterest, interest)
		reserve, err := l.state.Reserve()
		if err != nil {
			return nil, err
		}
		reserve.TotalBorrow.Add(reserve.TotalBorrow, interest)
		if err := l.state.PutReserve(reserve); err != nil {
			return nil, err
		}
	}
	if err := l.state.PutPosition(pos); err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}

// ClosePosition deletes position id and subtracts its last committed size from
// TotalBorrow. The removed position is returned for collateral release.
func (l *Ledger) ClosePosition(id uint64) (*DebtPosition, error) {
	pos, err := l.position(id)
	if err != nil {
		return nil, err
	}
	reserve, err := l.state.Reserve()
	if err != nil {
		return nil, err
	}
	if reserve.TotalBorrow.Cmp(pos.PrincipalAndInterest) < 0 {
		return nil, fmt.Errorf("lending: total borrow %s below position size %s", reserve.TotalBorrow, pos.PrincipalAndInterest)
	}
	reserve.TotalBorrow.Sub(reserve.TotalBorrow, pos.PrincipalAndInterest)
	if err := l.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	if err := l.state.DeletePosition(id); err != nil {
		return nil, err
	}
	return pos, nil
}

// Positions lists the open positions in id order.
func (l *Ledger) Positions() ([]*DebtPosition, error) {
	ids, err := l.state.PositionIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*DebtPosition, 0, len(ids))
	for _, id := range ids {
		pos, err := l.position(id)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

// CheckInvariant verifies TotalBorrow against the open positions.
func (l *Ledger) CheckInvariant() error {
	positions, err := l.Positions()
	if err != nil {
		return err
	}
	sum := new(big.Int)
	for _, pos := range positions {
		sum.Add(sum, pos.PrincipalAndInterest)
	}
	reserve, err := l.state.Reserve()
	if err != nil {
		return err
	}
	if sum.Cmp(reserve.TotalBorrow) != 0 {
		return fmt.Errorf("lending: total borrow %s does not match open positions %s", reserve.TotalBorrow, sum)
	}
	return nil
}
