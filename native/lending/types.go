package lending

import (
	"math/big"

	"lendpool/crypto"
)

const (
	// LendTokenPrefix marks the interest-bearing deposit receipt.
	LendTokenPrefix = "L"
	// BorrowTokenPrefix marks the debt receipt.
	BorrowTokenPrefix = "B"

	lendTokenName   = "IntBearing"
	borrowTokenName = "DebtBearing"
)

// LendToken returns the deposit receipt identifier of asset.
func LendToken(asset string) string { return LendTokenPrefix + asset }

// BorrowToken returns the debt receipt identifier of asset.
func BorrowToken(asset string) string { return BorrowTokenPrefix + asset }

// Reserve holds the pool counters.
type Reserve struct {
	// ReserveAmount is the balance of the pool asset currently held.
	ReserveAmount *big.Int
	// TotalBorrow is the sum of every open position's last committed size.
	TotalBorrow *big.Int
}

// Clone returns a deep copy of the reserve.
func (r *Reserve) Clone() *Reserve {
	if r == nil {
		return &Reserve{ReserveAmount: new(big.Int), TotalBorrow: new(big.Int)}
	}
	return &Reserve{ReserveAmount: new(big.Int).Set(zeroIfNil(r.ReserveAmount)), TotalBorrow: new(big.Int).Set(zeroIfNil(r.TotalBorrow))}
}

// CollateralDescriptor is what the pool is told about the collateral backing a
// borrow. The pool records it; the router vouches for it.
type CollateralDescriptor struct {
	// Identifier is the asset of the pool holding the collateral.
	Identifier string
	// Amount of collateral receipt tokens locked.
	Amount *big.Int
	// Timestamp of the original deposit receipt, carried so the released
	// collateral keeps accruing from the same point.
	Timestamp uint64
	// Lock is the collateral lock id in the collateral pool.
	Lock uint64
}

// DebtPosition is one open borrow.
type DebtPosition struct {
	// ID is assigned from the pool's debt nonce, starting at 1.
	ID uint64
	// Owner received the debt receipt at borrow time.
	Owner crypto.Address
	// PrincipalAndInterest is the last committed size.
	PrincipalAndInterest *big.Int
	// OpenedAt is the borrow time in unix seconds.
	OpenedAt uint64
	// AccruedAt is the time of the last committed accrual. It equals OpenedAt
	// until interest is first folded in.
	AccruedAt uint64
	// Collateral describes the collateral recorded at borrow time.
	Collateral CollateralDescriptor
	// ReceiptNonce is the nonce of the debt receipt token.
	ReceiptNonce uint64
}

// Clone returns a deep copy of the position.
func (p *DebtPosition) Clone() *DebtPosition {
	if p == nil {
		return nil
	}
	out := *p
	out.PrincipalAndInterest = cloneBig(p.PrincipalAndInterest)
	out.Collateral.Amount = cloneBig(p.Collateral.Amount)
	return &out
}

// InterestMetadata is attached to deposit receipts.
type InterestMetadata struct {
	Timestamp uint64
}

// DebtMetadata is attached to debt receipts.
type DebtMetadata struct {
	Timestamp            uint64
	CollateralAmount     *big.Int
	CollateralIdentifier string
	CollateralTimestamp  uint64
	PositionID           uint64
	CollateralLock       uint64
}

// CollateralLock records deposit receipts burned when they were posted as
// collateral. The lock is the claim until it is released.
type CollateralLock struct {
	ID         uint64
	Owner      crypto.Address
	Identifier string
	Amount     *big.Int
	Timestamp  uint64
}

// DebtLock records a debt receipt handed to the pool ahead of a repay.
type DebtLock struct {
	PositionID uint64
	Owner      crypto.Address
	Nonce      uint64
	Amount     *big.Int
}

// BorrowReceipt is returned by a successful borrow.
type BorrowReceipt struct {
	PositionID uint64
	Nonce      uint64
	Token      string
	Amount     *big.Int
}

// DepositReceipt is returned by deposit and by collateral release.
type DepositReceipt struct {
	Token  string
	Nonce  uint64
	Amount *big.Int
}

// RepayPosition describes a settled position so the caller can release the
// collateral held by another pool.
type RepayPosition struct {
	Asset                string
	Amount               *big.Int
	PositionID           uint64
	CollateralIdentifier string
	CollateralAmount     *big.Int
	CollateralTimestamp  uint64
	CollateralLock       uint64
}

// PoolInfo is the static description of a pool.
type PoolInfo struct {
	Asset       string
	Owner       crypto.Address
	LendToken   string
	BorrowToken string
	Params      PoolParams
}
