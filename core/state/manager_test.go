package state

import (
	"math/big"
	"testing"

	"lendpool/storage"
)

type record struct {
	Name   string
	Amount *big.Int
	Stamp  uint64
}

func newTestManager() *Manager {
	return NewManager(storage.NewJournal(storage.NewMemDB()))
}

func TestKVPutGetDelete(t *testing.T) {
	mgr := newTestManager()
	in := record{Name: "pos", Amount: big.NewInt(420), Stamp: 7}
	if err := mgr.KVPut([]byte("rec"), in); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out record
	ok, err := mgr.KVGet([]byte("rec"), &out)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.Name != "pos" || out.Amount.Cmp(big.NewInt(420)) != 0 || out.Stamp != 7 {
		t.Fatalf("unexpected record: %+v", out)
	}
	if err := mgr.KVDelete([]byte("rec")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = mgr.KVHas([]byte("rec"))
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be removed")
	}
}

func TestScopedManagersAreIsolated(t *testing.T) {
	root := newTestManager()
	a := root.Scoped([]byte("a"))
	b := root.Scoped([]byte("b"))
	if err := a.KVPut([]byte("k"), uint64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err := b.KVHas([]byte("k"))
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatalf("scoped namespaces must not collide")
	}
}

func TestKVListHelpers(t *testing.T) {
	mgr := newTestManager()
	key := []byte("ids")
	var ids [][]byte
	if err := mgr.KVGetList(key, &ids); err != nil {
		t.Fatalf("empty list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty list, got %d", len(ids))
	}
	for _, v := range []string{"1", "2", "2", "3"} {
		if err := mgr.KVAppend(key, []byte(v)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := mgr.KVGetList(key, &ids); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected duplicates to be ignored, got %d entries", len(ids))
	}
	if err := mgr.KVRemove(key, []byte("2")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := mgr.KVGetList(key, &ids); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || string(ids[0]) != "1" || string(ids[1]) != "3" {
		t.Fatalf("unexpected list after remove: %q", ids)
	}
}
