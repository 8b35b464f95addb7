package crypto

import (
	"path/filepath"
	"testing"
)

func TestAddressBech32RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	if addr.IsZero() {
		t.Fatalf("derived zero address")
	}
	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != addr {
		t.Fatalf("round trip mismatch: %s != %s", decoded, addr)
	}
	contract := ContractAddress(addr, "router")
	decoded, err = DecodeAddress(contract.Encode(ContractPrefix))
	if err != nil {
		t.Fatalf("decode contract: %v", err)
	}
	if decoded != contract {
		t.Fatalf("contract round trip mismatch")
	}
}

func TestDecodeAddressRejectsUnknownPrefix(t *testing.T) {
	addr := BytesToAddress([]byte{1, 2, 3})
	if _, err := DecodeAddress(addr.Encode("nhb")); err == nil {
		t.Fatalf("expected prefix rejection")
	}
}

func TestContractAddressDeterministic(t *testing.T) {
	deployer := BytesToAddress([]byte{0xaa})
	a := ContractAddress(deployer, "pool:USDC")
	b := ContractAddress(deployer, "pool:USDC")
	c := ContractAddress(deployer, "pool:EGLD")
	if a != b {
		t.Fatalf("expected deterministic derivation")
	}
	if a == c {
		t.Fatalf("expected distinct labels to produce distinct addresses")
	}
}

func TestKeystoreLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operator.json")
	key, created, err := LoadOrCreateKeystore(path, "secret")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected key to be created")
	}
	again, created, err := LoadOrCreateKeystore(path, "secret")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if created {
		t.Fatalf("expected existing key to be loaded")
	}
	if again.PubKey().Address() != key.PubKey().Address() {
		t.Fatalf("loaded key does not match")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
