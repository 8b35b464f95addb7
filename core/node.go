package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"lendpool/config"
	"lendpool/core/events"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/dispatch"
	"lendpool/native/lending"
	"lendpool/native/oracle"
	"lendpool/native/router"
	"lendpool/native/tokens"
	"lendpool/storage"
)

// RouterLabel and PoolLabel derive the contract addresses from the operator.
const (
	RouterLabel     = "router"
	poolLabelPrefix = "pool:"
)

func PoolLabel(asset string) string { return poolLabelPrefix + nativecommon.NormalizeAsset(asset) }

// Node is the central controller, wiring the dispatcher, the router and the
// pools of one deployment together.
type Node struct {
	db         storage.Database
	dispatcher *dispatch.Dispatcher
	pauses     *nativecommon.Pauses
	bus        *events.Bus
	valuer     oracle.Valuer
	operator   crypto.Address
	router     *router.Client
	gas        uint64
	logger     *slog.Logger
}

type Option func(*nodeOptions)

type nodeOptions struct {
	logger  *slog.Logger
	clock   func() time.Time
	db      storage.Database
	metrics bool
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *nodeOptions) { o.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(o *nodeOptions) { o.clock = clock }
}

// WithDatabase overrides the backend named by the configuration.
func WithDatabase(db storage.Database) Option {
	return func(o *nodeOptions) { o.db = db }
}

// WithMetrics publishes dispatcher and pool metrics to prometheus.
func WithMetrics() Option {
	return func(o *nodeOptions) { o.metrics = true }
}

// OpenDatabase opens the state backend named by cfg.
func OpenDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB, "":
		return storage.NewLevelDB(cfg.Resolve(cfg.Storage.Path))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// NewNode opens the state and brings the router and every configured pool up.
// Contracts already initialised in the state are only registered, so
// restarting a node is idempotent.
func NewNode(ctx context.Context, cfg *config.Config, operator crypto.Address, opts ...Option) (*Node, error) {
	if operator.IsZero() {
		return nil, errors.New("node: operator address required")
	}
	o := nodeOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	db := o.db
	if db == nil {
		var err error
		if db, err = OpenDatabase(cfg); err != nil {
			return nil, fmt.Errorf("node: open storage: %w", err)
		}
	}
	valuer, err := newValuer(cfg.Pools)
	if err != nil {
		return nil, err
	}

	n := &Node{
		db:       db,
		pauses:   nativecommon.NewPauses(),
		bus:      events.NewBus(),
		valuer:   valuer,
		operator: operator,
		gas:      cfg.Gateway.Gas,
		logger:   o.logger,
	}
	if n.gas == 0 {
		n.gas = router.DefaultGas
	}
	var emitter events.Emitter = n.bus
	dopts := []dispatch.Option{dispatch.WithLogger(o.logger), dispatch.WithClock(o.clock)}
	if o.metrics {
		emitter = events.Multi{n.bus, metricsEmitter{}}
		dopts = append(dopts, dispatch.WithMetrics())
	}
	dopts = append(dopts, dispatch.WithEmitter(emitter))
	n.dispatcher = dispatch.New(db, dopts...)

	if err := n.bootstrap(ctx, cfg); err != nil {
		db.Close()
		return nil, err
	}
	for _, key := range cfg.Paused {
		n.pauses.Set(key, true)
	}
	return n, nil
}

func newValuer(pools []lending.Config) (oracle.Valuer, error) {
	priced := false
	prices := make(map[string]*big.Int, len(pools))
	for _, p := range pools {
		price, err := p.PriceValue()
		if err != nil {
			return nil, fmt.Errorf("node: pool %s price: %w", p.Asset, err)
		}
		if p.Price != "" {
			priced = true
		}
		prices[nativecommon.NormalizeAsset(p.Asset)] = price
	}
	if !priced {
		return oracle.Identity{}, nil
	}
	return oracle.NewStaticTable(prices), nil
}

func (n *Node) bootstrap(ctx context.Context, cfg *config.Config) error {
	routerAddr := crypto.ContractAddress(n.operator, RouterLabel)
	if err := n.dispatcher.Register(routerAddr, router.New(n.pauses)); err != nil {
		return err
	}
	n.router = router.NewClient(n.dispatcher, routerAddr).WithGas(n.gas)

	_, err := n.router.Owner(ctx)
	fresh := errors.Is(err, router.ErrNotInitialised)
	if err != nil && !fresh {
		return fmt.Errorf("node: read router owner: %w", err)
	}
	if fresh {
		if err := n.applyGenesis(cfg); err != nil {
			return fmt.Errorf("node: genesis: %w", err)
		}
		if err := n.initContract(ctx, routerAddr, nil); err != nil {
			return fmt.Errorf("node: init router: %w", err)
		}
		n.logger.Info("router initialised", "address", routerAddr.Encode(crypto.ContractPrefix))
	}

	for _, pc := range cfg.Pools {
		if err := n.bringUpPool(ctx, routerAddr, pc); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) bringUpPool(ctx context.Context, routerAddr crypto.Address, pc lending.Config) error {
	asset := nativecommon.NormalizeAsset(pc.Asset)
	addr := crypto.ContractAddress(n.operator, PoolLabel(asset))
	if err := n.dispatcher.Register(addr, lending.NewPool(n.valuer, n.pauses)); err != nil {
		return err
	}
	info, err := lending.NewClient(n.dispatcher, addr).Info(ctx)
	switch {
	case errors.Is(err, lending.ErrPoolNotConfigured):
		params, err := pc.Params()
		if err != nil {
			return err
		}
		args, err := lending.InitArgs(asset, params, routerAddr)
		if err != nil {
			return err
		}
		if err := n.initContract(ctx, addr, args); err != nil {
			return fmt.Errorf("node: init pool %s: %w", asset, err)
		}
		n.logger.Info("pool initialised", "asset", asset, "address", addr.Encode(crypto.ContractPrefix))
	case err != nil:
		return fmt.Errorf("node: read pool %s: %w", asset, err)
	case info.Asset != asset:
		return fmt.Errorf("node: pool at %s serves %s, expected %s", addr.Encode(crypto.ContractPrefix), info.Asset, asset)
	}

	mapped, err := n.router.PoolAddress(ctx, asset)
	switch {
	case errors.Is(err, nativecommon.ErrAssetNotSupported):
		if err := n.router.SetPoolAddress(ctx, n.operator, asset, addr); err != nil {
			return fmt.Errorf("node: route %s: %w", asset, err)
		}
	case err != nil:
		return fmt.Errorf("node: read route %s: %w", asset, err)
	case mapped != addr:
		n.logger.Warn("route points at a foreign pool", "asset", asset, "pool", mapped.Encode(crypto.ContractPrefix))
	}
	return nil
}

func (n *Node) initContract(ctx context.Context, addr crypto.Address, args dispatch.Args) error {
	_, err := n.dispatcher.Invoke(ctx, dispatch.Call{From: n.operator, To: addr, Gas: n.gas, Function: "init", Args: args})
	return err
}

// applyGenesis issues every configured asset with the operator as issuer and
// credits the allocations of newly issued assets.
func (n *Node) applyGenesis(cfg *config.Config) error {
	allocations, err := cfg.Allocations()
	if err != nil {
		return err
	}
	return n.dispatcher.Genesis(func(l *tokens.Ledger) error {
		issued := make(map[string]bool)
		for _, asset := range cfg.Assets() {
			ok, err := l.IsIssued(asset)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := l.Issue(n.operator, asset, asset, true); err != nil {
				return err
			}
			issued[asset] = true
		}
		for _, a := range allocations {
			if !issued[a.Asset] {
				continue
			}
			if err := l.MintFungible(n.operator, a.Address, a.Asset, a.Amount); err != nil {
				return fmt.Errorf("credit %s %s: %w", a.Address, a.Asset, err)
			}
		}
		return nil
	})
}

// Router returns a client of the deployed router.
func (n *Node) Router() *router.Client { return n.router }

// Pool returns a client of the pool the router maps asset onto.
func (n *Node) Pool(ctx context.Context, asset string) (*lending.Client, error) {
	addr, err := n.router.PoolAddress(ctx, asset)
	if err != nil {
		return nil, err
	}
	return lending.NewClient(n.dispatcher, addr), nil
}

func (n *Node) Operator() crypto.Address { return n.operator }

func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }

func (n *Node) Balance(addr crypto.Address, token string, nonce uint64) (*big.Int, error) {
	return n.dispatcher.Balance(addr, token, nonce)
}

func (n *Node) SetPaused(key string, paused bool) { n.pauses.Set(key, paused) }

func (n *Node) Paused() []string { return n.pauses.List() }

// Subscribe streams committed events. Slow subscribers drop events.
func (n *Node) Subscribe(buffer int) (<-chan events.Event, func()) {
	return n.bus.Subscribe(buffer)
}

// SubscribeLossless streams every committed event in order, queueing what the
// subscriber has not read yet.
func (n *Node) SubscribeLossless(buffer int) (<-chan events.Event, func()) {
	return n.bus.SubscribeLossless(buffer)
}

// Close releases the state database.
func (n *Node) Close() {
	n.db.Close()
}
