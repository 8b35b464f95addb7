package router

import (
	"errors"
	"fmt"
	"math/big"

	"lendpool/crypto"
)

// FlowKind tells which multi-leg operation a flow records.
type FlowKind uint8

const (
	FlowBorrow FlowKind = iota + 1
	FlowRepay
)

func (k FlowKind) String() string {
	switch k {
	case FlowBorrow:
		return "borrow"
	case FlowRepay:
		return "repay"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Stage is the position of a flow in its state machine:
//
//	Leg1Pending -> Leg2Pending -> Completed
//	                          \-> Leg2Failed -> Recovered
//
// A failed first leg aborts the whole invocation, so no flow is ever stored
// in a failed first-leg state.
type Stage uint8

const (
	StageLeg1Pending Stage = iota + 1
	StageLeg2Pending
	StageCompleted
	StageLeg2Failed
	StageRecovered
)

func (s Stage) String() string {
	switch s {
	case StageLeg1Pending:
		return "leg1_pending"
	case StageLeg2Pending:
		return "leg2_pending"
	case StageCompleted:
		return "completed"
	case StageLeg2Failed:
		return "leg2_failed"
	case StageRecovered:
		return "recovered"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Flow is the persisted record of a borrow or repay. It is written before
// each leg and updated by the handler of that leg's result.
type Flow struct {
	ID     uint64
	Kind   FlowKind
	Stage  Stage
	Caller crypto.Address
	// CollateralAsset is the asset whose pool holds the collateral lock.
	CollateralAsset string
	// DebtAsset is the borrowed asset.
	DebtAsset           string
	Amount              *big.Int
	CollateralLock      uint64
	CollateralAmount    *big.Int
	CollateralTimestamp uint64
	PositionID          uint64
	FailureCode         string
	FailureMessage      string
	CreatedAt           uint64
	UpdatedAt           uint64
}

// Clone returns a deep copy of the flow.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	out := *f
	if f.Amount != nil {
		out.Amount = new(big.Int).Set(f.Amount)
	}
	if f.CollateralAmount != nil {
		out.CollateralAmount = new(big.Int).Set(f.CollateralAmount)
	}
	return &out
}

// Route maps an asset onto its pool.
type Route struct {
	Asset string
	Pool  crypto.Address
}

// LegError reports that the second leg of a flow failed after the first leg
// was committed. The flow can be inspected with getFlow and recovered with
// releaseCollateral.
type LegError struct {
	FlowID uint64
	Leg    int
	Err    error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("router: flow %d leg %d failed: %v", e.FlowID, e.Leg, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// IsLegFailure reports whether err carries a *LegError.
func IsLegFailure(err error) bool {
	var legErr *LegError
	return errors.As(err, &legErr)
}
