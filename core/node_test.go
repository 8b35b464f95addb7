package core

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendpool/config"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/lending"
	"lendpool/native/router"
	"lendpool/storage"
)

var (
	operator = crypto.BytesToAddress([]byte{0x0f})
	alice    = crypto.BytesToAddress([]byte{0xa1})
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Genesis = []config.Allocation{
		{Address: alice.String(), Asset: "EGLD", Amount: "1000000000000"},
		{Address: alice.String(), Asset: "USDC", Amount: "1000000000000"},
	}
	return cfg
}

func TestNewNodeBootstrapsContracts(t *testing.T) {
	ctx := context.Background()
	node, err := NewNode(ctx, testConfig(), operator)
	require.NoError(t, err)

	owner, err := node.Router().Owner(ctx)
	require.NoError(t, err)
	require.Equal(t, operator, owner)

	routes, err := node.Router().Routes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	for _, route := range routes {
		require.Equal(t, crypto.ContractAddress(operator, PoolLabel(route.Asset)), route.Pool)
	}

	balance, err := node.Balance(alice, "USDC", 0)
	require.NoError(t, err)
	require.Equal(t, "1000000000000", balance.String())

	pool, err := node.Pool(ctx, "usdc")
	require.NoError(t, err)
	info, err := pool.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, "USDC", info.Asset)
	require.Equal(t, node.Router().Address(), info.Owner)
}

func TestNewNodeIsIdempotentAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	cfg := testConfig()

	first, err := NewNode(ctx, cfg, operator, WithDatabase(db))
	require.NoError(t, err)
	_, err = first.Router().Deposit(ctx, alice, "USDC", big.NewInt(5_000))
	require.NoError(t, err)

	cfg.Pools = append(cfg.Pools, lending.Config{
		Asset: "BTC", RBase: "0", RSlope1: "0.04", RSlope2: "1", UOptimal: "0.8",
		ReserveFactor: "0.1", LiquidationThreshold: "0.7",
	})
	second, err := NewNode(ctx, cfg, operator, WithDatabase(db))
	require.NoError(t, err)

	balance, err := second.Balance(alice, "USDC", 0)
	require.NoError(t, err)
	require.Equal(t, "999999995000", balance.String(), "genesis must not be credited twice")

	pool, err := second.Pool(ctx, "USDC")
	require.NoError(t, err)
	reserve, err := pool.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5_000), reserve.ReserveAmount.Int64())

	_, err = second.Pool(ctx, "BTC")
	require.NoError(t, err, "pool added to the configuration is deployed on restart")
}

func TestNodeAppliesConfiguredPauses(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Paused = []string{"router"}
	node, err := NewNode(ctx, cfg, operator)
	require.NoError(t, err)
	require.Equal(t, []string{"router"}, node.Paused())

	_, err = node.Router().Deposit(ctx, alice, "EGLD", big.NewInt(10))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)

	node.SetPaused("router", false)
	_, err = node.Router().Deposit(ctx, alice, "EGLD", big.NewInt(10))
	require.NoError(t, err)
}

func TestNodeStreamsCommittedEvents(t *testing.T) {
	ctx := context.Background()
	node, err := NewNode(ctx, testConfig(), operator, WithMetrics(),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	require.NoError(t, err)
	ch, cancel := node.Subscribe(16)
	defer cancel()

	_, err = node.Router().Deposit(ctx, alice, "EGLD", big.NewInt(100))
	require.NoError(t, err)
	select {
	case evt := <-ch:
		require.Equal(t, lending.TypeDeposit, evt.EventType())
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestNodeLosslessSubscriberKeepsBurst(t *testing.T) {
	ctx := context.Background()
	node, err := NewNode(ctx, testConfig(), operator,
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	require.NoError(t, err)
	ch, cancel := node.SubscribeLossless(1)
	defer cancel()

	const deposits = 20
	for i := 0; i < deposits; i++ {
		_, err = node.Router().Deposit(ctx, alice, "EGLD", big.NewInt(10))
		require.NoError(t, err)
	}
	seen := 0
	for seen < deposits {
		select {
		case evt := <-ch:
			if evt.EventType() == lending.TypeDeposit {
				seen++
			}
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d deposit events delivered", seen, deposits)
		}
	}
}

func TestNodeRejectsUnknownFlow(t *testing.T) {
	ctx := context.Background()
	node, err := NewNode(ctx, testConfig(), operator)
	require.NoError(t, err)
	_, err = node.Router().Flow(ctx, 42)
	require.ErrorIs(t, err, router.ErrUnknownFlow)
}

func TestOpenDatabaseLevelDB(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = config.BackendLevelDB
	cfg.DataDir = t.TempDir()
	cfg.Storage.Path = "state"
	db, err := OpenDatabase(cfg)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.DirExists(t, filepath.Join(cfg.DataDir, "state"))

	cfg.Storage.Backend = "rocks"
	_, err = OpenDatabase(cfg)
	require.Error(t, err)
}
