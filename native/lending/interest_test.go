package lending

import (
	"math/big"
	"testing"
)

func frac(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := ParseFraction(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func testParams(t *testing.T) PoolParams {
	t.Helper()
	return PoolParams{
		RBase:                frac(t, "0.01"),
		RSlope1:              frac(t, "0.04"),
		RSlope2:              frac(t, "0.6"),
		UOptimal:             frac(t, "0.8"),
		ReserveFactor:        frac(t, "0.1"),
		LiquidationThreshold: frac(t, "0.8"),
	}.WithDefaults()
}

func TestUtilisation(t *testing.T) {
	m := NewRateModel(testParams(t))
	if u := m.Utilisation(big.NewInt(0), big.NewInt(0)); u.Sign() != 0 {
		t.Fatalf("empty pool utilisation = %s, want 0", u)
	}
	if u := m.Utilisation(big.NewInt(400), big.NewInt(600)); u.Cmp(frac(t, "0.4")) != 0 {
		t.Fatalf("utilisation = %s, want 0.4", u)
	}
	if u := m.Utilisation(big.NewInt(1), big.NewInt(2)); u.Cmp(big.NewInt(333_333_333)) != 0 {
		t.Fatalf("utilisation must round down, got %s", u)
	}
}

func TestBorrowRateContinuousAtKink(t *testing.T) {
	params := testParams(t)
	m := NewRateModel(params)
	atKink := m.BorrowRate(params.UOptimal)
	want := new(big.Int).Add(params.RBase, params.RSlope1)
	if atKink.Cmp(want) != 0 {
		t.Fatalf("rate at kink = %s, want %s", atKink, want)
	}
	below := m.BorrowRate(new(big.Int).Sub(params.UOptimal, big.NewInt(1)))
	diff := new(big.Int).Sub(atKink, below)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(1)) > 0 {
		t.Fatalf("rate jumps at kink: below %s, at %s", below, atKink)
	}
	if full := m.BorrowRate(Precision); full.Cmp(frac(t, "0.65")) != 0 {
		t.Fatalf("rate at full utilisation = %s, want 0.65", full)
	}
}

func TestRatesMonotonicAndDepositBelowBorrow(t *testing.T) {
	m := NewRateModel(testParams(t))
	step := big.NewInt(10_000_000)
	prevBorrow, prevDeposit := new(big.Int), new(big.Int)
	for u := new(big.Int); u.Cmp(Precision) <= 0; u = new(big.Int).Add(u, step) {
		borrow := m.BorrowRate(u)
		deposit := m.DepositRate(u)
		if borrow.Cmp(prevBorrow) < 0 {
			t.Fatalf("borrow rate decreased at u=%s: %s < %s", u, borrow, prevBorrow)
		}
		if deposit.Cmp(prevDeposit) < 0 {
			t.Fatalf("deposit rate decreased at u=%s: %s < %s", u, deposit, prevDeposit)
		}
		if deposit.Cmp(borrow) > 0 {
			t.Fatalf("deposit rate %s above borrow rate %s at u=%s", deposit, borrow, u)
		}
		prevBorrow, prevDeposit = borrow, deposit
	}
}

func TestInterestSingleRounding(t *testing.T) {
	rate := frac(t, "0.05")
	got := Interest(big.NewInt(1_000_000), SecondsPerYear, rate)
	if got.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("one year at 5%% = %s, want 50000", got)
	}
	if got := Interest(big.NewInt(1_000_000), 0, rate); got.Sign() != 0 {
		t.Fatalf("zero elapsed must accrue nothing, got %s", got)
	}
	// 100 * 0.05 * 1s / year is far below one unit.
	if got := Interest(big.NewInt(100), 1, rate); got.Sign() != 0 {
		t.Fatalf("sub-unit interest must round down, got %s", got)
	}
}

func TestParseAndFormatFraction(t *testing.T) {
	if got := frac(t, "0.8"); got.Cmp(big.NewInt(800_000_000)) != 0 {
		t.Fatalf("0.8 = %s", got)
	}
	if got := frac(t, "0.0000000019"); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("digits past the ninth place must be dropped, got %s", got)
	}
	if _, err := ParseFraction("-0.1"); err == nil {
		t.Fatalf("negative fraction accepted")
	}
	if got := FormatFraction(big.NewInt(650_000_000)); got != "0.65" {
		t.Fatalf("format = %q", got)
	}
}

func TestParamsValidate(t *testing.T) {
	p := testParams(t)
	if err := p.Validate(); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	bad := p.Clone()
	bad.UOptimal = new(big.Int).Set(Precision)
	if err := bad.Validate(); err == nil {
		t.Fatalf("u_optimal of 1 accepted")
	}
	bad = p.Clone()
	bad.HealthFactorThreshold = new(big.Int)
	if err := bad.Validate(); err == nil {
		t.Fatalf("zero health factor threshold accepted")
	}
	bad = p.Clone()
	bad.LiquidationThreshold = new(big.Int)
	if err := bad.Validate(); err == nil {
		t.Fatalf("zero liquidation threshold accepted")
	}
	cfg := Config{Asset: "egld", RSlope1: "0.04", RSlope2: "0.6", UOptimal: "0.8", LiquidationThreshold: "0.75"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config rejected: %v", err)
	}
	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.HealthFactorThreshold.Cmp(Precision) != 0 {
		t.Fatalf("default health factor threshold = %s", params.HealthFactorThreshold)
	}
}
