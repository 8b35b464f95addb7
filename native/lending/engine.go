package lending

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/oracle"
)

var (
	errNilState          = errors.New("lending engine: state not configured")
	errNilTokens         = errors.New("lending engine: token ledger not configured")
	ErrPoolNotConfigured = errors.New("lending engine: pool not initialised")
	errPoolInitialised   = errors.New("lending engine: pool already initialised")
)

const moduleName = "lending"

// PauseKey is the pause switch of a single pool. The module-wide "lending"
// switch stops every pool.
func PauseKey(asset string) string { return moduleName + ":" + nativecommon.NormalizeAsset(asset) }

type engineState interface {
	PoolInfo() (*PoolInfo, error)
	PutPoolInfo(info *PoolInfo) error
	Reserve() (*Reserve, error)
	PutReserve(r *Reserve) error
	InitNonces() error
	NextPositionID() (uint64, error)
	NextLockID() (uint64, error)
	GetPosition(id uint64) (*DebtPosition, error)
	PutPosition(pos *DebtPosition) error
	DeletePosition(id uint64) error
	PositionIDs() ([]uint64, error)
	GetCollateralLock(id uint64) (*CollateralLock, error)
	PutCollateralLock(lock *CollateralLock) error
	DeleteCollateralLock(id uint64) error
	GetDebtLock(positionID uint64) (*DebtLock, error)
	PutDebtLock(lock *DebtLock) error
	DeleteDebtLock(positionID uint64) error
}

type tokenLedger interface {
	Issue(issuer crypto.Address, identifier, name string, fungible bool) error
	Mint(issuer, to crypto.Address, identifier string, amount *big.Int, attributes []byte) (uint64, error)
	Burn(holder crypto.Address, identifier string, nonce uint64, amount *big.Int) error
	Transfer(from, to crypto.Address, identifier string, nonce uint64, amount *big.Int) error
	Attributes(identifier string, nonce uint64) ([]byte, error)
	Supply(identifier string, nonce uint64) (*big.Int, error)
}

// Engine applies the state transitions of one liquidity pool. Tokens paid to
// the pool are expected to already sit in the pool's balance when an
// operation runs.
type Engine struct {
	state  engineState
	tokens tokenLedger
	self   crypto.Address
	valuer oracle.Valuer
	pauses nativecommon.PauseView
	now    uint64
}

// NewEngine constructs an engine acting as the pool account self.
func NewEngine(self crypto.Address) *Engine {
	return &Engine{self: self, valuer: oracle.Identity{}}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetTokens(t tokenLedger) { e.tokens = t }

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetValuer replaces the identity valuation used by the health check.
func (e *Engine) SetValuer(v oracle.Valuer) {
	if v == nil {
		v = oracle.Identity{}
	}
	e.valuer = v
}

// SetNow records the block time in unix seconds.
func (e *Engine) SetNow(now uint64) { e.now = now }

func (e *Engine) ready() error {
	if e.state == nil {
		return errNilState
	}
	if e.tokens == nil {
		return errNilTokens
	}
	return nil
}

// Info returns the pool description.
func (e *Engine) Info() (*PoolInfo, error) {
	if e.state == nil {
		return nil, errNilState
	}
	info, err := e.state.PoolInfo()
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, ErrPoolNotConfigured
	}
	info.Params = info.Params.WithDefaults()
	return info, nil
}

func (e *Engine) guard(info *PoolInfo) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	return nativecommon.Guard(e.pauses, PauseKey(info.Asset))
}

// mutable loads the pool for a state-changing operation.
func (e *Engine) mutable() (*PoolInfo, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	if err := e.guard(info); err != nil {
		return nil, err
	}
	return info, nil
}

func (e *Engine) ledger(info *PoolInfo) *Ledger {
	return NewLedger(e.state, NewRateModel(info.Params))
}

// Init records the pool asset and parameters, issues the receipt tokens and
// starts the debt nonce at 1.
func (e *Engine) Init(asset string, params PoolParams, owner crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	asset = nativecommon.NormalizeAsset(asset)
	if asset == "" {
		return fmt.Errorf("%w: empty asset", nativecommon.ErrAssetNotSupported)
	}
	if owner.IsZero() {
		return fmt.Errorf("%w: zero owner", nativecommon.ErrInvalidAddress)
	}
	existing, err := e.state.PoolInfo()
	if err != nil {
		return err
	}
	if existing != nil {
		return errPoolInitialised
	}
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return err
	}
	info := &PoolInfo{
		Asset:       asset,
		Owner:       owner,
		LendToken:   LendToken(asset),
		BorrowToken: BorrowToken(asset),
		Params:      params,
	}
	if err := e.tokens.Issue(e.self, info.LendToken, lendTokenName, false); err != nil {
		return err
	}
	if err := e.tokens.Issue(e.self, info.BorrowToken, borrowTokenName, false); err != nil {
		return err
	}
	if err := e.state.InitNonces(); err != nil {
		return err
	}
	if err := e.state.PutReserve(&Reserve{}); err != nil {
		return err
	}
	return e.state.PutPoolInfo(info)
}

func expectToken(got, want string) error {
	if got != want {
		return fmt.Errorf("%w: got %q, want %q", nativecommon.ErrInvalidToken, got, want)
	}
	return nil
}

// Deposit credits amount of the pool asset already received to the reserve
// and mints a deposit receipt stamped with the current time.
func (e *Engine) Deposit(beneficiary crypto.Address, token string, amount *big.Int) (*DepositReceipt, error) {
	info, err := e.mutable()
	if err != nil {
		return nil, err
	}
	if err := expectToken(token, info.Asset); err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return nil, nativecommon.ErrInvalidAmount
	}
	reserve, err := e.state.Reserve()
	if err != nil {
		return nil, err
	}
	reserve.ReserveAmount.Add(reserve.ReserveAmount, amount)
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	nonce, err := e.mintLend(info, beneficiary, amount, e.now)
	if err != nil {
		return nil, err
	}
	return &DepositReceipt{Token: info.LendToken, Nonce: nonce, Amount: new(big.Int).Set(amount)}, nil
}

func (e *Engine) mintLend(info *PoolInfo, to crypto.Address, amount *big.Int, timestamp uint64) (uint64, error) {
	attrs, err := rlp.EncodeToBytes(&InterestMetadata{Timestamp: timestamp})
	if err != nil {
		return 0, err
	}
	return e.tokens.Mint(e.self, to, info.LendToken, amount, attrs)
}

func (e *Engine) lendMetadata(info *PoolInfo, nonce uint64) (*InterestMetadata, error) {
	raw, err := e.tokens.Attributes(info.LendToken, nonce)
	if err != nil {
		return nil, err
	}
	var meta InterestMetadata
	if err := rlp.DecodeBytes(raw, &meta); err != nil {
		return nil, fmt.Errorf("lending engine: decode deposit metadata: %w", err)
	}
	return &meta, nil
}

// Withdraw burns deposit receipts held by the pool and pays out their
// principal plus interest at the current deposit rate.
func (e *Engine) Withdraw(beneficiary crypto.Address, token string, nonce uint64, amount *big.Int) (*big.Int, error) {
	info, err := e.mutable()
	if err != nil {
		return nil, err
	}
	if err := expectToken(token, info.LendToken); err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return nil, nativecommon.ErrInvalidAmount
	}
	meta, err := e.lendMetadata(info, nonce)
	if err != nil {
		return nil, err
	}
	if e.now < meta.Timestamp {
		return nil, fmt.Errorf("%w: deposit at %d is after %d", nativecommon.ErrInvalidTimestamp, meta.Timestamp, e.now)
	}
	reserve, err := e.state.Reserve()
	if err != nil {
		return nil, err
	}
	model := NewRateModel(info.Params)
	rate := model.DepositRate(model.Utilisation(reserve.TotalBorrow, reserve.ReserveAmount))
	payout := Interest(amount, e.now-meta.Timestamp, rate)
	payout.Add(payout, amount)
	if payout.Cmp(reserve.ReserveAmount) > 0 {
		return nil, fmt.Errorf("%w: need %s, have %s", nativecommon.ErrInsufficientReserve, payout, reserve.ReserveAmount)
	}
	reserve.ReserveAmount.Sub(reserve.ReserveAmount, payout)
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	if err := e.tokens.Burn(e.self, info.LendToken, nonce, amount); err != nil {
		return nil, err
	}
	if err := e.tokens.Transfer(e.self, beneficiary, info.Asset, 0, payout); err != nil {
		return nil, err
	}
	return payout, nil
}

// AddCollateral burns deposit receipts received by the pool and records a
// collateral lock that keeps their original timestamp.
func (e *Engine) AddCollateral(owner crypto.Address, token string, nonce uint64, amount *big.Int) (*CollateralLock, error) {
	info, err := e.mutable()
	if err != nil {
		return nil, err
	}
	if err := expectToken(token, info.LendToken); err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return nil, nativecommon.ErrInvalidAmount
	}
	meta, err := e.lendMetadata(info, nonce)
	if err != nil {
		return nil, err
	}
	if err := e.tokens.Burn(e.self, info.LendToken, nonce, amount); err != nil {
		return nil, err
	}
	id, err := e.state.NextLockID()
	if err != nil {
		return nil, err
	}
	lock := &CollateralLock{
		ID:         id,
		Owner:      owner,
		Identifier: info.Asset,
		Amount:     new(big.Int).Set(amount),
		Timestamp:  meta.Timestamp,
	}
	if err := e.state.PutCollateralLock(lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseCollateral re-mints the deposit receipts of a collateral lock to
// beneficiary and removes the lock.
func (e *Engine) ReleaseCollateral(lockID uint64, beneficiary crypto.Address) (*DepositReceipt, error) {
	info, err := e.mutable()
	if err != nil {
		return nil, err
	}
	lock, err := e.state.GetCollateralLock(lockID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, fmt.Errorf("%w: collateral lock %d", nativecommon.ErrPositionNotFound, lockID)
	}
	if err := e.state.DeleteCollateralLock(lockID); err != nil {
		return nil, err
	}
	nonce, err := e.mintLend(info, beneficiary, lock.Amount, lock.Timestamp)
	if err != nil {
		return nil, err
	}
	return &DepositReceipt{Token: info.LendToken, Nonce: nonce, Amount: new(big.Int).Set(lock.Amount)}, nil
}

// CollateralLock returns a recorded collateral lock.
func (e *Engine) CollateralLock(lockID uint64) (*CollateralLock, error) {
	if e.state == nil {
		return nil, errNilState
	}
	lock, err := e.state.GetCollateralLock(lockID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, fmt.Errorf("%w: collateral lock %d", nativecommon.ErrPositionNotFound, lockID)
	}
	return lock, nil
}

// Borrow opens a position of amount against the described collateral, pays
// the asset out of the reserve and mints the debt receipt to beneficiary.
func (e *Engine) Borrow(beneficiary crypto.Address, amount *big.Int, collateral CollateralDescriptor) (*BorrowReceipt, error) {
	info, err := e.mutable()
	if err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return nil, nativecommon.ErrInvalidAmount
	}
	collateral.Identifier = nativecommon.NormalizeAsset(collateral.Identifier)
	reserve, err := e.state.Reserve()
	if err != nil {
		return nil, err
	}
	if amount.Cmp(reserve.ReserveAmount) > 0 {
		return nil, fmt.Errorf("%w: requested %s, have %s", nativecommon.ErrInsufficientReserve, amount, reserve.ReserveAmount)
	}
	if collateral.Identifier != "" && isPositive(collateral.Amount) {
		if err := e.checkHealth(info, collateral.Identifier, collateral.Amount, amount); err != nil {
			return nil, err
		}
	}
	pos, err := e.ledger(info).OpenPosition(amount, beneficiary, collateral, e.now)
	if err != nil {
		return nil, err
	}
	reserve, err = e.state.Reserve()
	if err != nil {
		return nil, err
	}
	reserve.ReserveAmount.Sub(reserve.ReserveAmount, amount)
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	if err := e.tokens.Transfer(e.self, beneficiary, info.Asset, 0, amount); err != nil {
		return nil, err
	}
	attrs, err := rlp.EncodeToBytes(&DebtMetadata{
		Timestamp:            e.now,
		CollateralAmount:     new(big.Int).Set(collateral.Amount),
		CollateralIdentifier: collateral.Identifier,
		CollateralTimestamp:  collateral.Timestamp,
		PositionID:           pos.ID,
		CollateralLock:       collateral.Lock,
	})
	if err != nil {
		return nil, err
	}
	nonce, err := e.tokens.Mint(e.self, beneficiary, info.BorrowToken, amount, attrs)
	if err != nil {
		return nil, err
	}
	pos.ReceiptNonce = nonce
	if err := e.state.PutPosition(pos); err != nil {
		return nil, err
	}
	return &BorrowReceipt{PositionID: pos.ID, Nonce: nonce, Token: info.BorrowToken, Amount: new(big.Int).Set(amount)}, nil
}

// healthFactor returns value(collateral)*LT/value(debt). The second result is
// false when the debt is worth nothing and the factor is unbounded.
func (e *Engine) healthFactor(info *PoolInfo, collateralAsset string, collateral, debt *big.Int) (*big.Int, bool, error) {
	collateralValue, err := e.valuer.Value(collateralAsset, collateral)
	if err != nil {
		return nil, false, err
	}
	debtValue, err := e.valuer.Value(info.Asset, debt)
	if err != nil {
		return nil, false, err
	}
	if debtValue.Sign() == 0 {
		return nil, false, nil
	}
	return mulDiv(collateralValue, info.Params.LiquidationThreshold, debtValue), true, nil
}

func (e *Engine) checkHealth(info *PoolInfo, collateralAsset string, collateral, debt *big.Int) error {
	hf, bounded, err := e.healthFactor(info, collateralAsset, collateral, debt)
	if err != nil {
		return err
	}
	if bounded && hf.Cmp(info.Params.HealthFactorThreshold) < 0 {
		return fmt.Errorf("%w: %s < %s", nativecommon.ErrUndercollateralized, hf, info.Params.HealthFactorThreshold)
	}
	return nil
}

// MaxHealthFactor is reported for positions whose debt has no value.
var MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// HealthFactor evaluates position id at the current time.
func (e *Engine) HealthFactor(id uint64) (*big.Int, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	l := e.ledger(info)
	pos, err := l.position(id)
	if err != nil {
		return nil, err
	}
	size, err := l.Accrue(id, e.now)
	if err != nil {
		return nil, err
	}
	hf, bounded, err := e.healthFactor(info, pos.Collateral.Identifier, pos.Collateral.Amount, size)
	if err != nil {
		return nil, err
	}
	if !bounded {
		return new(big.Int).Set(MaxHealthFactor), nil
	}
	return hf, nil
}

func (e *Engine) debtMetadata(info *PoolInfo, nonce uint64) (*DebtMetadata, error) {
	raw, err := e.tokens.Attributes(info.BorrowToken, nonce)
	if err != nil {
		return nil, err
	}
	var meta DebtMetadata
	if err := rlp.DecodeBytes(raw, &meta); err != nil {
		return nil, fmt.Errorf("lending engine: decode debt metadata: %w", err)
	}
	return &meta, nil
}

// LockDebt records debt receipts handed to the pool by owner. The whole
// supply of the receipt nonce must be handed over.
func (e *Engine) LockDebt(owner crypto.Address, token string, nonce uint64, amount *big.Int) (*DebtLock, error) {
	info, err := e.mutable()
	if err != nil {
		return nil, err
	}
	if err := expectToken(token, info.BorrowToken); err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return nil, nativecommon.ErrInvalidAmount
	}
	meta, err := e.debtMetadata(info, nonce)
	if err != nil {
		return nil, err
	}
	pos, err := e.state.GetPosition(meta.PositionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: %d", nativecommon.ErrPositionNotFound, meta.PositionID)
	}
	supply, err := e.tokens.Supply(info.BorrowToken, nonce)
	if err != nil {
		return nil, err
	}
	if supply.Cmp(amount) != 0 {
		return nil, fmt.Errorf("%w: lock %s of %s debt receipts", nativecommon.ErrInvalidAmount, amount, supply)
	}
	lock := &DebtLock{PositionID: pos.ID, Owner: owner, Nonce: nonce, Amount: new(big.Int).Set(amount)}
	if err := e.state.PutDebtLock(lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// UnlockDebt returns locked debt receipts to their owner.
func (e *Engine) UnlockDebt(positionID uint64, owner crypto.Address) (*DebtLock, error) {
	info, err := e.mutable()
	if err != nil {
		return nil, err
	}
	lock, err := e.debtLock(positionID, owner)
	if err != nil {
		return nil, err
	}
	if err := e.state.DeleteDebtLock(positionID); err != nil {
		return nil, err
	}
	if err := e.tokens.Transfer(e.self, owner, info.BorrowToken, lock.Nonce, lock.Amount); err != nil {
		return nil, err
	}
	return lock, nil
}

func (e *Engine) debtLock(positionID uint64, owner crypto.Address) (*DebtLock, error) {
	lock, err := e.state.GetDebtLock(positionID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, fmt.Errorf("%w: no debt lock for position %d", nativecommon.ErrPositionNotFound, positionID)
	}
	if lock.Owner != owner {
		return nil, fmt.Errorf("%w: debt lock of position %d", nativecommon.ErrUnauthorized, positionID)
	}
	return lock, nil
}

// Repay settles position id with amount of the pool asset already received.
// The payment must cover the accrued size; anything above it stays in the
// reserve. The locked debt receipts are burned.
func (e *Engine) Repay(positionID uint64, beneficiary crypto.Address, token string, amount *big.Int) (*RepayPosition, error) {
	info, err := e.mutable()
	if err != nil {
		return nil, err
	}
	if err := expectToken(token, info.Asset); err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return nil, nativecommon.ErrInvalidAmount
	}
	lock, err := e.debtLock(positionID, beneficiary)
	if err != nil {
		return nil, err
	}
	l := e.ledger(info)
	size, err := l.Accrue(positionID, e.now)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(size) < 0 {
		return nil, fmt.Errorf("%w: owe %s, paid %s", nativecommon.ErrPartialRepayment, size, amount)
	}
	if _, err := l.CommitAccrual(positionID, e.now); err != nil {
		return nil, err
	}
	pos, err := l.ClosePosition(positionID)
	if err != nil {
		return nil, err
	}
	reserve, err := e.state.Reserve()
	if err != nil {
		return nil, err
	}
	reserve.ReserveAmount.Add(reserve.ReserveAmount, amount)
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	if err := e.state.DeleteDebtLock(positionID); err != nil {
		return nil, err
	}
	if err := e.tokens.Burn(e.self, info.BorrowToken, lock.Nonce, lock.Amount); err != nil {
		return nil, err
	}
	return &RepayPosition{
		Asset:                info.Asset,
		Amount:               new(big.Int).Set(amount),
		PositionID:           pos.ID,
		CollateralIdentifier: pos.Collateral.Identifier,
		CollateralAmount:     cloneBig(zeroIfNil(pos.Collateral.Amount)),
		CollateralTimestamp:  pos.Collateral.Timestamp,
		CollateralLock:       pos.Collateral.Lock,
	}, nil
}

// SetHealthFactorThreshold replaces the minimum health factor for new borrows.
func (e *Engine) SetHealthFactorThreshold(value *big.Int) error {
	if e.state == nil {
		return errNilState
	}
	info, err := e.Info()
	if err != nil {
		return err
	}
	if !isPositive(value) {
		return fmt.Errorf("%w: health factor threshold", nativecommon.ErrInvalidAmount)
	}
	info.Params.HealthFactorThreshold = new(big.Int).Set(value)
	return e.state.PutPoolInfo(info)
}

// Reserve returns the pool counters.
func (e *Engine) Reserve() (*Reserve, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.Reserve()
}

func (e *Engine) utilisation(info *PoolInfo) (*RateModel, *big.Int, error) {
	reserve, err := e.state.Reserve()
	if err != nil {
		return nil, nil, err
	}
	model := NewRateModel(info.Params)
	return model, model.Utilisation(reserve.TotalBorrow, reserve.ReserveAmount), nil
}

// Utilisation returns the capital utilisation of the pool.
func (e *Engine) Utilisation() (*big.Int, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	_, u, err := e.utilisation(info)
	return u, err
}

// BorrowRate returns the borrow rate at the current utilisation.
func (e *Engine) BorrowRate() (*big.Int, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	model, u, err := e.utilisation(info)
	if err != nil {
		return nil, err
	}
	return model.BorrowRate(u), nil
}

// DepositRate returns the deposit rate at the current utilisation.
func (e *Engine) DepositRate() (*big.Int, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	model, u, err := e.utilisation(info)
	if err != nil {
		return nil, err
	}
	return model.DepositRate(u), nil
}

// DebtInterest is the interest owed on amount borrowed at timestamp, priced
// at the current borrow rate.
func (e *Engine) DebtInterest(amount *big.Int, timestamp uint64) (*big.Int, error) {
	if e.now < timestamp {
		return nil, fmt.Errorf("%w: %d is after %d", nativecommon.ErrInvalidTimestamp, timestamp, e.now)
	}
	rate, err := e.BorrowRate()
	if err != nil {
		return nil, err
	}
	return Interest(amount, e.now-timestamp, rate), nil
}

// Position returns an open position.
func (e *Engine) Position(id uint64) (*DebtPosition, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	return e.ledger(info).position(id)
}

// PositionInterest is the interest accrued on position id since its last
// committed accrual.
func (e *Engine) PositionInterest(id uint64) (*big.Int, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	l := e.ledger(info)
	pos, err := l.position(id)
	if err != nil {
		return nil, err
	}
	return l.pendingInterest(pos, e.now)
}

// PositionSize is principal plus interest of position id now.
func (e *Engine) PositionSize(id uint64) (*big.Int, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	return e.ledger(info).Accrue(id, e.now)
}

// Positions lists the open positions.
func (e *Engine) Positions() ([]*DebtPosition, error) {
	info, err := e.Info()
	if err != nil {
		return nil, err
	}
	return e.ledger(info).Positions()
}

// CheckInvariant verifies TotalBorrow against the open positions.
func (e *Engine) CheckInvariant() error {
	info, err := e.Info()
	if err != nil {
		return err
	}
	return e.ledger(info).CheckInvariant()
}
