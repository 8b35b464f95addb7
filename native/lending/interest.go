package lending

import "math/big"

// RateModel is the piecewise linear borrow curve of a pool. All results are
// fixed-point values scaled by Precision and rounded down.
type RateModel struct {
	params PoolParams
}

// NewRateModel builds a rate model over a copy of params.
func NewRateModel(params PoolParams) *RateModel {
	return &RateModel{params: params.WithDefaults()}
}

// Utilisation computes U = totalBorrow / (reserve + totalBorrow). When both
// terms are zero the utilisation is defined as zero.
func (m *RateModel) Utilisation(totalBorrow, reserve *big.Int) *big.Int {
	totalBorrow, reserve = zeroIfNil(totalBorrow), zeroIfNil(reserve)
	denominator := new(big.Int).Add(reserve, totalBorrow)
	if denominator.Sign() == 0 {
		return new(big.Int)
	}
	return mulDiv(totalBorrow, Precision, denominator)
}

// BorrowRate is r_base + r_slope1*u/u_opt below the kink and
// r_base + r_slope1 + r_slope2*(u-u_opt)/(1-u_opt) from the kink upwards.
func (m *RateModel) BorrowRate(u *big.Int) *big.Int {
	u = zeroIfNil(u)
	p := m.params
	rate := new(big.Int).Set(p.RBase)
	if u.Cmp(p.UOptimal) < 0 {
		return rate.Add(rate, mulDiv(p.RSlope1, u, p.UOptimal))
	}
	rate.Add(rate, p.RSlope1)
	excess := new(big.Int).Sub(u, p.UOptimal)
	span := new(big.Int).Sub(Precision, p.UOptimal)
	return rate.Add(rate, mulDiv(p.RSlope2, excess, span))
}

// DepositRate is borrow_rate(u) * u * (1 - reserve_factor).
func (m *RateModel) DepositRate(u *big.Int) *big.Int {
	u = zeroIfNil(u)
	gross := mulDiv(m.BorrowRate(u), u, Precision)
	return mulDiv(gross, new(big.Int).Sub(Precision, m.params.ReserveFactor), Precision)
}

// Interest accrued on amount over elapsed seconds at an annual rate, computed
// with a single division so rounding happens once.
func Interest(amount *big.Int, elapsed uint64, rate *big.Int) *big.Int {
	if !isPositive(amount) || !isPositive(rate) || elapsed == 0 {
		return new(big.Int)
	}
	numerator := new(big.Int).Mul(amount, rate)
	numerator.Mul(numerator, new(big.Int).SetUint64(elapsed))
	denominator := new(big.Int).Mul(Precision, big.NewInt(SecondsPerYear))
	return numerator.Quo(numerator, denominator)
}
