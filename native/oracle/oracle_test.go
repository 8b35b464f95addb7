package oracle

import (
	"errors"
	"math/big"
	"testing"
)

func TestStaticTableValue(t *testing.T) {
	table := NewStaticTable(map[string]*big.Int{
		"egld": big.NewInt(30_000_000_000), // 30.0
		"USDC": big.NewInt(1_000_000_000),
	})
	value, err := table.Value("EGLD", big.NewInt(3))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("expected 90, got %s", value)
	}
	if _, err := table.Value("BTC", big.NewInt(1)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected unavailable price, got %v", err)
	}
	if err := table.Set("USDC", big.NewInt(0)); err == nil {
		t.Fatalf("expected non-positive price to be rejected")
	}
	if err := table.Set("USDC", big.NewInt(999_000_000)); err != nil {
		t.Fatalf("set: %v", err)
	}
	q, err := table.Quote("usdc")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Round != 2 {
		t.Fatalf("expected round 2, got %d", q.Round)
	}
}

func TestIdentityValuer(t *testing.T) {
	in := big.NewInt(12)
	out, err := Identity{}.Value("ANY", in)
	if err != nil || out.Cmp(in) != 0 {
		t.Fatalf("identity: %v %v", out, err)
	}
	out.SetInt64(1)
	if in.Int64() != 12 {
		t.Fatalf("identity must not alias its input")
	}
}
