package lending

import (
	"errors"
	"fmt"
	"math/big"
)

// Precision is the fixed-point scale of every rate, ratio and threshold:
// 1.0 is represented as 1_000_000_000.
var Precision = big.NewInt(1_000_000_000)

// SecondsPerYear converts annual rates into per-second accrual.
const SecondsPerYear = 31_536_000

var errInvalidParams = errors.New("lending: invalid pool parameters")

// PoolParams is the per-pool rate curve and risk configuration. Everything but
// HealthFactorThreshold is fixed when the pool is created.
type PoolParams struct {
	RBase                 *big.Int
	RSlope1               *big.Int
	RSlope2               *big.Int
	UOptimal              *big.Int
	ReserveFactor         *big.Int
	LiquidationThreshold  *big.Int
	HealthFactorThreshold *big.Int
}

// DefaultHealthFactorThreshold is 1.0.
func DefaultHealthFactorThreshold() *big.Int { return new(big.Int).Set(Precision) }

// Clone returns a deep copy of the parameters.
func (p PoolParams) Clone() PoolParams {
	return PoolParams{
		RBase:                 cloneBig(p.RBase),
		RSlope1:               cloneBig(p.RSlope1),
		RSlope2:               cloneBig(p.RSlope2),
		UOptimal:              cloneBig(p.UOptimal),
		ReserveFactor:         cloneBig(p.ReserveFactor),
		LiquidationThreshold:  cloneBig(p.LiquidationThreshold),
		HealthFactorThreshold: cloneBig(p.HealthFactorThreshold),
	}
}

// WithDefaults fills unset optional fields.
func (p PoolParams) WithDefaults() PoolParams {
	out := p.Clone()
	if out.HealthFactorThreshold == nil {
		out.HealthFactorThreshold = DefaultHealthFactorThreshold()
	}
	if out.RBase == nil {
		out.RBase = new(big.Int)
	}
	if out.ReserveFactor == nil {
		out.ReserveFactor = new(big.Int)
	}
	return out
}

// Validate checks the parameter ranges.
func (p PoolParams) Validate() error {
	for name, v := range map[string]*big.Int{
		"r_base":                  p.RBase,
		"r_slope1":                p.RSlope1,
		"r_slope2":                p.RSlope2,
		"reserve_factor":          p.ReserveFactor,
		"health_factor_threshold": p.HealthFactorThreshold,
	} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("%w: %s must be non-negative", errInvalidParams, name)
		}
	}
	if p.UOptimal == nil || p.UOptimal.Sign() <= 0 || p.UOptimal.Cmp(Precision) >= 0 {
		return fmt.Errorf("%w: u_optimal must be strictly between 0 and 1", errInvalidParams)
	}
	if p.HealthFactorThreshold.Sign() == 0 {
		return fmt.Errorf("%w: health_factor_threshold must be positive", errInvalidParams)
	}
	if p.ReserveFactor.Cmp(Precision) > 0 {
		return fmt.Errorf("%w: reserve_factor must not exceed 1", errInvalidParams)
	}
	if p.LiquidationThreshold == nil || p.LiquidationThreshold.Sign() <= 0 || p.LiquidationThreshold.Cmp(Precision) > 0 {
		return fmt.Errorf("%w: liquidation_threshold must be in (0, 1]", errInvalidParams)
	}
	return nil
}
