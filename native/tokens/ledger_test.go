package tokens

import (
	"errors"
	"math/big"
	"testing"

	"lendpool/core/state"
	"lendpool/crypto"
	"lendpool/storage"
)

func newTestLedger() *Ledger {
	return NewLedger(state.NewManager(storage.NewJournal(storage.NewMemDB())))
}

func addr(b byte) crypto.Address { return crypto.BytesToAddress([]byte{b}) }

func TestIssueIsOnceOnly(t *testing.T) {
	l := newTestLedger()
	if err := l.Issue(addr(1), "LUSDC", "IntBearing", false); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := l.Issue(addr(1), "LUSDC", "IntBearing", false); !errors.Is(err, ErrTokenAlreadyIssued) {
		t.Fatalf("expected already issued, got %v", err)
	}
	if err := l.Issue(addr(1), " bad", "x", true); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected invalid identifier, got %v", err)
	}
}

func TestMintAssignsNoncesAndAttributes(t *testing.T) {
	l := newTestLedger()
	pool, user := addr(1), addr(2)
	if err := l.Issue(pool, "BUSDC", "DebtBearing", false); err != nil {
		t.Fatalf("issue: %v", err)
	}
	first, err := l.Mint(pool, user, "BUSDC", big.NewInt(10), []byte("a"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	second, err := l.Mint(pool, user, "BUSDC", big.NewInt(5), []byte("b"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if first != 1 || second != 2 {
		t.Fatalf("unexpected nonces %d %d", first, second)
	}
	attrs, err := l.Attributes("BUSDC", second)
	if err != nil || string(attrs) != "b" {
		t.Fatalf("attributes: %q %v", attrs, err)
	}
	if _, err := l.Mint(user, user, "BUSDC", big.NewInt(1), nil); !errors.Is(err, ErrNotIssuer) {
		t.Fatalf("expected issuer check, got %v", err)
	}
}

func TestTransferAndBurn(t *testing.T) {
	l := newTestLedger()
	issuer, alice, bob := addr(1), addr(2), addr(3)
	if err := l.Issue(issuer, "USDC", "USD Coin", true); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := l.MintFungible(issuer, alice, "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(alice, bob, "USDC", FungibleNonce, big.NewInt(30)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := l.Transfer(alice, bob, "USDC", FungibleNonce, big.NewInt(71)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := l.Burn(bob, "USDC", FungibleNonce, big.NewInt(30)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	supply, err := l.Supply("USDC", FungibleNonce)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("unexpected supply %s", supply)
	}
	balance, _ := l.Balance(bob, "USDC", FungibleNonce)
	if balance.Sign() != 0 {
		t.Fatalf("expected bob to hold nothing, got %s", balance)
	}
}

func TestBurningLastUnitDropsAttributes(t *testing.T) {
	l := newTestLedger()
	pool, user := addr(1), addr(2)
	if err := l.Issue(pool, "LEGLD", "IntBearing", false); err != nil {
		t.Fatalf("issue: %v", err)
	}
	nonce, err := l.Mint(pool, user, "LEGLD", big.NewInt(4), []byte{0x01})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Burn(user, "LEGLD", nonce, big.NewInt(4)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, err := l.Attributes("LEGLD", nonce); !errors.Is(err, ErrUnknownNonce) {
		t.Fatalf("expected attributes to be removed, got %v", err)
	}
}
