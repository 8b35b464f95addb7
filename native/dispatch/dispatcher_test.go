package dispatch

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"lendpool/core/events"
	"lendpool/core/types"
	"lendpool/crypto"
	"lendpool/native/tokens"
	"lendpool/storage"
)

var errBoom = errors.New("boom")

// probe is a small contract used to exercise the dispatcher: it stores a
// counter, optionally calls a peer and can be told to fail.
type probe struct {
	peer crypto.Address
}

func (p *probe) Kind() string { return "probe" }

func (p *probe) Call(ctx *Context, function string, args Args) (Args, error) {
	switch function {
	case "init":
		return nil, nil
	case "bump":
		if err := p.bump(ctx); err != nil {
			return nil, err
		}
		ctx.Emit(&types.Event{Type: "probe.bumped"})
		return nil, nil
	case "fail":
		_ = p.bump(ctx)
		ctx.Emit(&types.Event{Type: "probe.failed"})
		return nil, errBoom
	case "burn":
		return nil, ctx.UseGas(ctx.GasLeft() + 1)
	case "bumpThenCallPeer":
		if err := p.bump(ctx); err != nil {
			return nil, err
		}
		peerFn, err := args.Text(0)
		if err != nil {
			return nil, err
		}
		_, callErr := ctx.Call(p.peer, ctx.GasLeft(), peerFn, nil, nil)
		return NewArgs().Text(errText(callErr)).Args()
	case "recurse":
		return ctx.Call(ctx.Self(), ctx.GasLeft(), "recurse", nil, nil)
	case "count":
		n, err := p.count(ctx)
		if err != nil {
			return nil, err
		}
		return NewArgs().Uint64(n).Args()
	}
	return nil, ErrUnknownFunction
}

func (p *probe) count(ctx *Context) (uint64, error) {
	var n uint64
	if _, err := ctx.State().KVGet([]byte("n"), &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *probe) bump(ctx *Context) error {
	n, err := p.count(ctx)
	if err != nil {
		return err
	}
	return ctx.State().KVPut([]byte("n"), n+1)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type captured struct{ types []string }

func (c *captured) Emit(evt events.Event) { c.types = append(c.types, evt.EventType()) }

func addr(b byte) crypto.Address { return crypto.BytesToAddress([]byte{b}) }

func setup(t *testing.T) (*Dispatcher, *captured, crypto.Address, crypto.Address) {
	t.Helper()
	sink := &captured{}
	d := New(storage.NewMemDB(), WithEmitter(sink), WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	a, b := addr(0xa), addr(0xb)
	if err := d.Deploy(context.Background(), addr(1), a, &probe{peer: b}, 100_000, nil); err != nil {
		t.Fatalf("deploy a: %v", err)
	}
	if err := d.Deploy(context.Background(), addr(1), b, &probe{peer: a}, 100_000, nil); err != nil {
		t.Fatalf("deploy b: %v", err)
	}
	return d, sink, a, b
}

func count(t *testing.T, d *Dispatcher, target crypto.Address) uint64 {
	t.Helper()
	out, err := d.Query(context.Background(), Call{From: addr(1), To: target, Gas: 10_000, Function: "count"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	n, err := out.Uint64(0)
	if err != nil {
		t.Fatalf("decode count: %v", err)
	}
	return n
}

func TestInvokeCommitsAndQueryDiscards(t *testing.T) {
	d, sink, a, _ := setup(t)
	ctx := context.Background()
	if _, err := d.Invoke(ctx, Call{From: addr(1), To: a, Gas: 10_000, Function: "bump"}); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if _, err := d.Query(ctx, Call{From: addr(1), To: a, Gas: 10_000, Function: "bump"}); err != nil {
		t.Fatalf("query bump: %v", err)
	}
	if got := count(t, d, a); got != 1 {
		t.Fatalf("expected query writes to be discarded, count=%d", got)
	}
	if len(sink.types) != 1 || sink.types[0] != "probe.bumped" {
		t.Fatalf("expected exactly the committed event, got %v", sink.types)
	}
}

func TestFailedCalleeRevertsOnlyItsOwnWrites(t *testing.T) {
	d, sink, a, b := setup(t)
	args, err := NewArgs().Text("fail").Args()
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	res, err := d.Invoke(context.Background(), Call{From: addr(1), To: a, Gas: 50_000, Function: "bumpThenCallPeer", Args: args})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	msg, _ := res.Output.Text(0)
	if msg == "" {
		t.Fatalf("expected the callee failure to be reported to the caller")
	}
	if got := count(t, d, a); got != 1 {
		t.Fatalf("caller writes must survive, count=%d", got)
	}
	if got := count(t, d, b); got != 0 {
		t.Fatalf("callee writes must be reverted, count=%d", got)
	}
	for _, typ := range sink.types {
		if typ == "probe.failed" {
			t.Fatalf("events of a reverted call must not be published")
		}
	}
}

func TestTopLevelFailureDiscardsPayment(t *testing.T) {
	d, _, a, _ := setup(t)
	user := addr(7)
	if err := d.Genesis(func(l *tokens.Ledger) error {
		if err := l.Issue(addr(1), "USDC", "USD Coin", true); err != nil {
			return err
		}
		return l.MintFungible(addr(1), user, "USDC", big.NewInt(100))
	}); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	_, err := d.Invoke(context.Background(), Call{
		From: user, To: a, Gas: 10_000, Function: "fail",
		Payment: &Payment{Token: "USDC", Amount: big.NewInt(40)},
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	balance, err := d.Balance(user, "USDC", tokens.FungibleNonce)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("payment must be returned on failure, balance=%s", balance)
	}
	if got := count(t, d, a); got != 0 {
		t.Fatalf("failed call must not persist writes, count=%d", got)
	}
}

func TestOutOfGasAndDepthLimit(t *testing.T) {
	d, _, a, _ := setup(t)
	ctx := context.Background()
	if _, err := d.Invoke(ctx, Call{From: addr(1), To: a, Gas: 10_000, Function: "burn"}); !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("expected out of gas, got %v", err)
	}
	if _, err := d.Invoke(ctx, Call{From: addr(1), To: a, Gas: 100, Function: "bump"}); !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("expected base cost to exhaust gas, got %v", err)
	}
	if _, err := d.Invoke(ctx, Call{From: addr(1), To: a, Gas: 1_000_000, Function: "recurse"}); !errors.Is(err, ErrCallDepthExceeded) {
		t.Fatalf("expected depth limit, got %v", err)
	}
	if _, err := d.Invoke(ctx, Call{From: addr(1), To: addr(0x99), Gas: 1_000, Function: "bump"}); !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("expected unknown contract, got %v", err)
	}
}

func TestCancelledContextAborts(t *testing.T) {
	d, _, a, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Invoke(ctx, Call{From: addr(1), To: a, Gas: 10_000, Function: "bump"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestArgsCodec(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := NewArgs().Amount(huge).Args(); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	max := new(big.Int).Sub(huge, big.NewInt(1))
	args, err := NewArgs().Amount(max).Uint64(42).Address(addr(3)).Text("USDC").Args()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	amount, err := args.Amount(0)
	if err != nil || amount.Cmp(max) != 0 {
		t.Fatalf("amount: %v %v", amount, err)
	}
	if n, err := args.Uint64(1); err != nil || n != 42 {
		t.Fatalf("uint64: %d %v", n, err)
	}
	if a, err := args.Address(2); err != nil || a != addr(3) {
		t.Fatalf("address: %v %v", a, err)
	}
	if _, err := args.Uint64(9); !errors.Is(err, ErrMissingArgument) {
		t.Fatalf("expected missing argument, got %v", err)
	}
}
